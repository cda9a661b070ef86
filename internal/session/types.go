// Package session owns the session lifecycle state machine, heartbeats,
// and stale-session detection.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusResumed     Status = "resumed"
	StatusBlocked     Status = "blocked"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// transitions is the closed set of legal status changes.
// completed and interrupted are terminal; error can be resumed later.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusError, StatusInterrupted, StatusPaused, StatusBlocked},
	StatusPaused:  {StatusResumed},
	StatusBlocked: {StatusResumed},
	StatusError:   {StatusResumed},
	StatusResumed: {StatusRunning, StatusPaused, StatusBlocked, StatusCompleted, StatusError, StatusInterrupted},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the status counts toward the one-active-session-
// per-project limit.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusResumed, StatusBlocked:
		return true
	}
	return false
}

// Kind distinguishes the first planning session of a project from ordinary
// work sessions.
type Kind string

const (
	// KindPlanning is the initial session that lays out the project's work
	// units. It can only ever run while the project has none.
	KindPlanning Kind = "planning"

	// KindCoding is an ordinary work session.
	KindCoding Kind = "coding"
)

// Valid reports whether the kind is one of the known values.
func (k Kind) Valid() bool {
	return k == KindPlanning || k == KindCoding
}

// Metrics is the per-session metrics bag.
type Metrics struct {
	DurationMS       int64          `json:"duration_ms,omitempty"`
	ToolCalls        int            `json:"tool_calls,omitempty"`
	Errors           int            `json:"errors,omitempty"`
	Verifications    int            `json:"verifications,omitempty"`
	QualityScore     float64        `json:"quality_score,omitempty"`
	PolicyViolations int            `json:"policy_violations,omitempty"`
	EpicsTotal       int            `json:"epics_total,omitempty"`
	EpicsVerified    int            `json:"epics_verified,omitempty"`
	ErrorMessages    map[string]int `json:"error_messages,omitempty"`
}

// Session is one execution attempt against a project.
type Session struct {
	ID                 string     `json:"id"`
	ProjectID          string     `json:"project_id"`
	SequenceNumber     int        `json:"sequence_number"`
	Kind               Kind       `json:"kind"`
	Profile            string     `json:"profile,omitempty"`
	Status             Status     `json:"status"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	InterruptionReason string     `json:"interruption_reason,omitempty"`
	Metrics            Metrics    `json:"metrics"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
}

// Outcome is the driver-reported end state of a session.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeError       Outcome = "error"
	OutcomeInterrupted Outcome = "interrupted"
)

// StatusFor maps an outcome to its terminal session status.
func (o Outcome) StatusFor() (Status, bool) {
	switch o {
	case OutcomeCompleted:
		return StatusCompleted, true
	case OutcomeError:
		return StatusError, true
	case OutcomeInterrupted:
		return StatusInterrupted, true
	}
	return "", false
}
