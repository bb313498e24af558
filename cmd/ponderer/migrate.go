package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/storage"
)

// buildMigrateCmd groups schema-maintenance commands. The SQLite schema is
// additive-only CREATE TABLE IF NOT EXISTS (storage.SQLiteStore.init), so
// there is no versioned up/down ledger to apply: "up" just opens the store
// once so the next `serve` run starts against an already-initialized
// database, and "status" reports whether it opens cleanly.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the SQLite schema",
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create any missing tables in the configured SQLite database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := storage.Open(cfg.Memory.SQLitePath)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date at %s\n", cfg.Memory.SQLitePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "ponderer.yaml", "path to the YAML config file")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the configured SQLite database opens cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := storage.Open(cfg.Memory.SQLitePath)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "database unreachable: %v\n", err)
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "database OK at %s\n", cfg.Memory.SQLitePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "ponderer.yaml", "path to the YAML config file")
	return cmd
}
