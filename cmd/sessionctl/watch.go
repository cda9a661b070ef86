package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/sessiond/internal/monitor"
)

var watchInterval time.Duration

// watchCmd runs the live terminal dashboard
var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Live dashboard for a project's sessions and epic stability",
	Long: `Watch a project in a live terminal dashboard: running, paused, and
blocked sessions, stale heartbeats, and epic stability trends.

Examples:
  # Watch a project, refreshing every 2 seconds
  sessionctl watch my-project

  # Slow down the refresh
  sessionctl watch my-project --interval 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

func runWatch(_ *cobra.Command, args []string) error {
	model := monitor.NewModel(serverURL, args[0], watchInterval)
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}
