// Package retest schedules regression retests of completed epics and
// maintains per-epic stability aggregates.
package retest

import (
	"time"
)

// Result is the outcome of one epic retest run.
type Result string

const (
	ResultPassed  Result = "passed"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
	ResultError   Result = "error"
)

// Valid reports whether the result is one of the known values.
func (r Result) Valid() bool {
	switch r {
	case ResultPassed, ResultFailed, ResultSkipped, ResultError:
		return true
	}
	return false
}

// Run is one append-only retest record for an epic.
type Run struct {
	ID                string    `json:"id"`
	EpicID            string    `json:"epic_id"`
	ProjectID         string    `json:"project_id"`
	TriggeredByEpicID string    `json:"triggered_by_epic_id,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	Result            Result    `json:"result"`
	IsRegression      bool      `json:"is_regression"`
	TestsRun          int       `json:"tests_run"`
	TestsPassed       int       `json:"tests_passed"`
	TestsFailed       int       `json:"tests_failed"`
	ExecutionTimeMS   int64     `json:"execution_time_ms"`
	SelectionReason   string    `json:"selection_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// StabilityMetrics is the rolling aggregate for one epic. The score is
// always recomputed from the running totals, never drifted.
type StabilityMetrics struct {
	EpicID             string     `json:"epic_id"`
	ProjectID          string     `json:"project_id"`
	TotalRetests       int        `json:"total_retests"`
	PassedRetests      int        `json:"passed_retests"`
	FailedRetests      int        `json:"failed_retests"`
	RegressionCount    int        `json:"regression_count"`
	StabilityScore     float64    `json:"stability_score"`
	AvgExecutionTimeMS float64    `json:"avg_execution_time_ms"`
	LastRetestAt       *time.Time `json:"last_retest_at,omitempty"`
	LastRetestResult   Result     `json:"last_retest_result,omitempty"`
	LastRegressionAt   *time.Time `json:"last_regression_at,omitempty"`
	LastRegressionBy   string     `json:"last_regression_by,omitempty"`
}

// Epic is the slice of work-unit state the scheduler needs for candidate
// selection. Epic storage itself lives outside this service.
type Epic struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	CompletedAt time.Time `json:"completed_at"`
	Dependents  int       `json:"dependents"`
	Critical    bool      `json:"critical"`
}

// Candidate is an epic picked for retesting, with the human-readable
// reason it was selected.
type Candidate struct {
	Epic   Epic   `json:"epic"`
	Reason string `json:"reason"`
}
