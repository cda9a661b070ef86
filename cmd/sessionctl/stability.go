package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type stabilityView struct {
	Epics []struct {
		EpicID           string     `json:"epic_id"`
		TotalRetests     int        `json:"total_retests"`
		PassedRetests    int        `json:"passed_retests"`
		RegressionCount  int        `json:"regression_count"`
		StabilityScore   float64    `json:"stability_score"`
		LastRetestResult string     `json:"last_retest_result"`
		LastRegressionAt *time.Time `json:"last_regression_at"`
	} `json:"epics"`
}

// stabilityCmd reports per-epic stability for a project
var stabilityCmd = &cobra.Command{
	Use:   "stability <project-id>",
	Short: "Show epic stability scores for a project",
	Long: `Show the rolling retest stability aggregate for each of a
project's epics, least stable first.

Examples:
  # Show stability
  sessionctl stability my-project`,
	Args: cobra.ExactArgs(1),
	RunE: runStability,
}

func runStability(cmd *cobra.Command, args []string) error {
	var resp stabilityView
	if err := getJSON("/api/v1/projects/"+url.PathEscape(args[0])+"/stability", &resp); err != nil {
		return err
	}

	if len(resp.Epics) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No retests recorded")
		return nil
	}

	for _, e := range resp.Epics {
		line := fmt.Sprintf("%-36s score=%.2f retests=%d passed=%d",
			e.EpicID, e.StabilityScore, e.TotalRetests, e.PassedRetests)
		if e.RegressionCount > 0 {
			line += fmt.Sprintf(" regressions=%d", e.RegressionCount)
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
