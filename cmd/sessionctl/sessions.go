package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// sessionView mirrors the server's session payload, listing only the
// fields the CLI renders.
type sessionView struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	SequenceNumber int        `json:"sequence_number"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
}

type sessionListView struct {
	Sessions []sessionView `json:"sessions"`
}

// sessionsCmd lists a project's sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions <project-id>",
	Short: "List a project's sessions",
	Long: `List every session recorded for a project, newest last.

Examples:
  # List sessions
  sessionctl sessions my-project`,
	Args: cobra.ExactArgs(1),
	RunE: runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	var resp sessionListView
	if err := getJSON("/api/v1/sessions?project_id="+url.QueryEscape(args[0]), &resp); err != nil {
		return err
	}

	if len(resp.Sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found")
		return nil
	}

	for _, s := range resp.Sessions {
		fmt.Fprintf(cmd.OutOrStdout(), "#%d  %-12s %-8s %s\n",
			s.SequenceNumber, s.Status, s.Kind, s.ID)
	}
	return nil
}

// staleCmd lists stale running sessions
var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List running sessions with stale heartbeats",
	Long: `List running sessions whose heartbeat age exceeds the server's
stale threshold. These sessions need intervention; the server never
reclaims them silently.

Examples:
  # List stale sessions
  sessionctl stale`,
	RunE: runStale,
}

func runStale(cmd *cobra.Command, _ []string) error {
	var resp sessionListView
	if err := getJSON("/api/v1/sessions/stale", &resp); err != nil {
		return err
	}

	if len(resp.Sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No stale sessions")
		return nil
	}

	for _, s := range resp.Sessions {
		age := "unknown"
		if s.LastHeartbeat != nil {
			age = time.Since(*s.LastHeartbeat).Round(time.Second).String()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  project=%s heartbeat_age=%s\n",
			s.ID, s.ProjectID, age)
	}
	return nil
}

// resumeCmd resolves a pause
var resumeCmd = &cobra.Command{
	Use:   "resume <pause-id>",
	Short: "Resolve a pause and resume its session",
	Long: `Resolve a pause and transition its session to resumed. The resolver
identity is recorded in the intervention audit trail.

Examples:
  # Resume with notes
  sessionctl resume 4f2c... --by operator@example.com --notes "fixed config"`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumeBy    string
	resumeNotes string
)

func init() {
	resumeCmd.Flags().StringVar(&resumeBy, "by", "", "who is resolving the pause (required)")
	resumeCmd.Flags().StringVar(&resumeNotes, "notes", "", "resolution notes")
	_ = resumeCmd.MarkFlagRequired("by")
}

func runResume(cmd *cobra.Command, args []string) error {
	req := map[string]string{
		"resolved_by": resumeBy,
		"notes":       resumeNotes,
	}
	var resp struct {
		Resumed bool `json:"resumed"`
	}
	if err := postJSON("/api/v1/pauses/"+args[0]+"/resume", req, &resp); err != nil {
		return err
	}

	if resp.Resumed {
		fmt.Fprintln(cmd.OutOrStdout(), "Pause resolved, session resumed")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Pause was already resolved")
	}
	return nil
}
