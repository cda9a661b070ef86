package checkpoint

import (
	"time"
)

// Reason records why a checkpoint was taken.
type Reason string

const (
	// ReasonTaskCompletion marks a checkpoint after a task finished.
	ReasonTaskCompletion Reason = "task_completion"
	// ReasonEpicCompletion marks a checkpoint after an epic finished.
	ReasonEpicCompletion Reason = "epic_completion"
	// ReasonManual marks an operator-requested checkpoint.
	ReasonManual Reason = "manual"
	// ReasonError marks a checkpoint taken while handling an error.
	ReasonError Reason = "error"
)

// Valid reports whether the reason is one of the known values.
func (r Reason) Valid() bool {
	switch r {
	case ReasonTaskCompletion, ReasonEpicCompletion, ReasonManual, ReasonError:
		return true
	}
	return false
}

// Snapshot is the progress state captured in a checkpoint.
type Snapshot struct {
	// ProgressState is the captured conversation/progress blob.
	ProgressState string `json:"progress_state"`

	// CompletedEpics, InProgressEpics, BlockedEpics are work-unit IDs by
	// state at capture time.
	CompletedEpics  []string `json:"completed_epics"`
	InProgressEpics []string `json:"in_progress_epics"`
	BlockedEpics    []string `json:"blocked_epics"`

	// Metrics is a point-in-time copy of the session metrics bag.
	Metrics map[string]int64 `json:"metrics"`

	// ModifiedFiles lists files touched since the session started.
	ModifiedFiles []string `json:"modified_files"`

	// CommitID is the last known external-state marker.
	CommitID string `json:"commit_id"`

	// CanResumeFrom marks the snapshot as safe to resume from.
	CanResumeFrom bool `json:"can_resume_from"`
}

// Checkpoint is an immutable snapshot belonging to exactly one session.
type Checkpoint struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	Number             int        `json:"checkpoint_number"`
	Reason             Reason     `json:"reason"`
	Snapshot           Snapshot   `json:"snapshot"`
	Invalidated        bool       `json:"invalidated"`
	InvalidationReason string     `json:"invalidation_reason,omitempty"`
	RecoveryCount      int        `json:"recovery_count"`
	CreatedAt          time.Time  `json:"created_at"`
	LastResumedAt      *time.Time `json:"last_resumed_at,omitempty"`
}

// RecoveryStatus tracks a recovery attempt lifecycle.
type RecoveryStatus string

const (
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoverySuccess    RecoveryStatus = "success"
	RecoveryFailed     RecoveryStatus = "failed"
)

// Recovery records one attempt to restore a session from a checkpoint.
type Recovery struct {
	ID           string         `json:"id"`
	CheckpointID string         `json:"checkpoint_id"`
	Method       string         `json:"method"`
	Status       RecoveryStatus `json:"status"`
	Diff         string         `json:"diff,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}
