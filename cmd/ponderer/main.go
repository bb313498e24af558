// Command ponderer is the CLI entry point for the ponderer-backend runtime:
// the always-on agent loop, its REST+WS control surface, and the
// operational subcommands (status, migrate) built on top of the same
// config and storage layers.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ponderer",
		Short:        "ponderer-backend: an always-on agent loop with a REST/WS control plane",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildStatusCmd(), buildMigrateCmd())
	return root
}
