// Package main implements the sessionctl CLI for manual operations
// against the sessiond HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the sessiond HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "CLI for sessiond HTTP server operations",
	Long: `sessionctl is a command-line interface for operating sessiond.
It inspects sessions, resolves pauses, and reports epic stability.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8480", "sessiond server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(staleCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stabilityCmd)
	rootCmd.AddCommand(watchCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check sessiond server health",
	Long: `Check the health status of the sessiond HTTP server.

Examples:
  # Check health
  sessionctl health

  # Use a different server
  sessionctl health --server http://localhost:9480`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := getJSON("/health", &resp); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Status:  %s\n", resp.Status)
	if resp.Version != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", resp.Version)
	}
	return nil
}

// httpClient is shared by all commands.
var httpClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

func postJSON(path string, in, out any) error {
	var buf bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	resp, err := httpClient.Post(serverURL+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
