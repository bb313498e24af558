package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func buildStatusCmd() *cobra.Command {
	var (
		serverAddr string
		token      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the running agent's health and loop status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSystemStatus(cmd.Context(), cmd.OutOrStdout(), serverAddr, token, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8787", "base URL of the running ponderer server")
	cmd.Flags().StringVar(&token, "token", "", "bearer token, if the server requires auth")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of a formatted summary")
	return cmd
}

// printSystemStatus fetches /v1/health and /v1/agent/status from a running
// server and renders them. It queries the server's own REST API rather than
// reading local state directly, so the report reflects the actual running
// process rather than whatever the config file on disk happens to say.
func printSystemStatus(ctx context.Context, out io.Writer, baseURL, token string, jsonOutput bool) error {
	client := &http.Client{Timeout: 5 * time.Second}

	var health map[string]any
	if err := getJSON(ctx, client, baseURL+"/v1/health", token, &health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	var agentStatus map[string]any
	if err := getJSON(ctx, client, baseURL+"/v1/agent/status", token, &agentStatus); err != nil {
		return fmt.Errorf("agent status failed: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"health": health, "agent": agentStatus})
	}

	fmt.Fprintf(out, "server:  %v\n", health["status"])
	fmt.Fprintf(out, "paused:  %v\n", agentStatus["paused"])
	fmt.Fprintf(out, "state:   %v\n", agentStatus["visual_state"])
	if estimate, ok := agentStatus["user_state_estimate"]; ok {
		fmt.Fprintf(out, "operator: %v\n", estimate)
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, url, token string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
