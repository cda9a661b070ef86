// Package http provides the HTTP API for sessiond.
package http

import (
	"github.com/fyrsmithlabs/sessiond/internal/checkpoint"
	"github.com/fyrsmithlabs/sessiond/internal/gate"
	"github.com/fyrsmithlabs/sessiond/internal/intervention"
	"github.com/fyrsmithlabs/sessiond/internal/project"
	"github.com/fyrsmithlabs/sessiond/internal/retest"
	"github.com/fyrsmithlabs/sessiond/internal/session"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// StartSessionRequest is the request body for POST /api/v1/sessions.
type StartSessionRequest struct {
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	Profile   string `json:"profile,omitempty"`
}

// SessionListResponse wraps session listings.
type SessionListResponse struct {
	Sessions []*session.Session `json:"sessions"`
}

// ProgressRequest is the request body for POST /api/v1/sessions/:id/progress.
type ProgressRequest struct {
	Reason   string              `json:"reason"`
	Snapshot checkpoint.Snapshot `json:"snapshot"`
}

// BlockerRequest is the request body for POST /api/v1/sessions/:id/blocker.
type BlockerRequest struct {
	Reason        string                  `json:"reason"`
	Type          string                  `json:"type"`
	CurrentTask   string                  `json:"current_task,omitempty"`
	BlockerInfo   string                  `json:"blocker_info,omitempty"`
	RetryStats    intervention.RetryStats `json:"retry_stats"`
	CanAutoResume bool                    `json:"can_auto_resume,omitempty"`
	ResumePrompt  string                  `json:"resume_prompt,omitempty"`
}

// CompleteRequest is the request body for POST /api/v1/sessions/:id/complete.
type CompleteRequest struct {
	Outcome      string          `json:"outcome"`
	Metrics      session.Metrics `json:"metrics"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// CompleteResponse carries the final session state and the quality gate
// decision for the caller to act on.
type CompleteResponse struct {
	Session *session.Session `json:"session"`
	Review  gate.Decision    `json:"review"`
}

// ReactivateResponse is the response body for POST /api/v1/sessions/:id/reactivate.
// Checkpoint is the resume seed, null when the session restarts from scratch.
type ReactivateResponse struct {
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint"`
}

// InvalidateRequest is the request body for POST /api/v1/sessions/:id/checkpoints/invalidate.
type InvalidateRequest struct {
	Reason string `json:"reason"`
}

// InvalidateResponse reports how many checkpoints were invalidated.
type InvalidateResponse struct {
	Invalidated int64 `json:"invalidated"`
}

// PauseResponse is the response body for GET /api/v1/pauses/:id.
type PauseResponse struct {
	Pause   *intervention.Pause    `json:"pause"`
	Actions []*intervention.Action `json:"actions"`
}

// ResumeRequest is the request body for POST /api/v1/pauses/:id/resume.
type ResumeRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}

// ResumeResponse reports whether the pause was resolved by this call.
type ResumeResponse struct {
	Resumed bool `json:"resumed"`
}

// RegisterWorkUnitRequest is the request body for POST /api/v1/work-units.
type RegisterWorkUnitRequest struct {
	ID         string `json:"id,omitempty"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name,omitempty"`
	Dependents int    `json:"dependents,omitempty"`
	Critical   bool   `json:"critical,omitempty"`
}

// WorkUnitListResponse wraps work-unit listings.
type WorkUnitListResponse struct {
	Units []*project.WorkUnit `json:"units"`
}

// CompleteWorkUnitRequest is the request body for POST /api/v1/work-units/:id/complete.
type CompleteWorkUnitRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// RecordRetestRequest is the request body for POST /api/v1/retests.
type RecordRetestRequest struct {
	EpicID            string `json:"epic_id"`
	ProjectID         string `json:"project_id"`
	TriggeredByEpicID string `json:"triggered_by_epic_id,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	Result            string `json:"result"`
	IsRegression      bool   `json:"is_regression,omitempty"`
	Critical          bool   `json:"critical,omitempty"`
	TestsRun          int    `json:"tests_run,omitempty"`
	TestsPassed       int    `json:"tests_passed,omitempty"`
	TestsFailed       int    `json:"tests_failed,omitempty"`
	ExecutionTimeMS   int64  `json:"execution_time_ms,omitempty"`
	SelectionReason   string `json:"selection_reason,omitempty"`
}

// StabilityResponse is the response body for GET /api/v1/projects/:id/stability.
type StabilityResponse struct {
	Epics []*retest.StabilityMetrics `json:"epics"`
}

// RetestCandidatesResponse is the response body for
// GET /api/v1/projects/:id/retest-candidates. Candidates are ordered by
// selection priority so an external test driver can run them as-is.
type RetestCandidatesResponse struct {
	Candidates []retest.Candidate `json:"candidates"`
}

// CompleteRecoveryRequest is the request body for POST /api/v1/recoveries/:id/complete.
type CompleteRecoveryRequest struct {
	Status string `json:"status"`
	Diff   string `json:"diff,omitempty"`
}
