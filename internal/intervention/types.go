// Package intervention records blockers, pauses sessions, and manages the
// human or automated resume workflow with a full audit trail.
package intervention

import (
	"time"
)

// PauseType categorizes why a session was paused.
type PauseType string

const (
	PauseRetryLimit    PauseType = "retry_limit"
	PauseCriticalError PauseType = "critical_error"
	PauseManual        PauseType = "manual"
	PauseTimeout       PauseType = "timeout"
)

// Valid reports whether the pause type is one of the known values.
func (p PauseType) Valid() bool {
	switch p {
	case PauseRetryLimit, PauseCriticalError, PauseManual, PauseTimeout:
		return true
	}
	return false
}

// RetryStats is the retry history leading up to a pause.
type RetryStats struct {
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"max_attempts"`
	LastError    string `json:"last_error,omitempty"`
	TotalDelayMS int64  `json:"total_delay_ms,omitempty"`
}

// Pause is a recorded halt requiring explicit resolution.
// At most one unresolved pause exists per session.
type Pause struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Reason          string     `json:"reason"`
	Type            PauseType  `json:"type"`
	CurrentTask     string     `json:"current_task,omitempty"`
	BlockerInfo     string     `json:"blocker_info,omitempty"`
	RetryStats      RetryStats `json:"retry_stats"`
	Resolved        bool       `json:"resolved"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CanAutoResume   bool       `json:"can_auto_resume"`
	ResumePrompt    string     `json:"resume_prompt,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ActionType categorizes audit-log entries attached to a pause.
type ActionType string

const (
	ActionNotificationSent ActionType = "notification_sent"
	ActionAutoRecovery     ActionType = "auto_recovery"
	ActionManualFix        ActionType = "manual_fix"
	ActionResumed          ActionType = "resumed"
)

// ActionStatus is the outcome of an intervention action.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
)

// Action is one append-only audit-log row linked to a pause.
type Action struct {
	ID          string       `json:"id"`
	PauseID     string       `json:"pause_id"`
	Type        ActionType   `json:"type"`
	Status      ActionStatus `json:"status"`
	Detail      string       `json:"detail,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}
