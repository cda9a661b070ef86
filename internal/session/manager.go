package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessiond/internal/checkpoint"
	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/sessiond/internal/session"

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for illegal status changes.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrProjectBusy is returned when the project already has an active
	// session. Callers must not queue silently.
	ErrProjectBusy = errors.New("project already has an active session")

	// ErrPlanningRequired is returned when a non-planning session is
	// requested while the project has no work units yet.
	ErrPlanningRequired = errors.New("session must be a planning session while the project has no work units")

	// ErrPlanningForbidden is returned when a planning session is requested
	// while the project already has work units.
	ErrPlanningForbidden = errors.New("planning session cannot run once work units exist")
)

// WorkUnitSource tells the manager whether a project has any work units.
// Work-unit modeling itself lives outside the core.
type WorkUnitSource interface {
	HasWorkUnits(ctx context.Context, projectID string) (bool, error)
}

// Driver is the external collaborator that executes a session's work.
// Stop is a request; the driver honors it cooperatively and reports the
// final outcome itself.
type Driver interface {
	Start(ctx context.Context, sess *Session) error
	Stop(ctx context.Context, sessionID string) error
}

// StartRequest describes a new session.
type StartRequest struct {
	ProjectID string
	Kind      Kind
	Profile   string
}

// Manager owns the session state machine.
type Manager struct {
	db          *store.DB
	executor    *retry.Executor
	checkpoints checkpoint.Service
	workUnits   WorkUnitSource
	logger      *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	transitionCounter metric.Int64Counter
}

// NewManager creates a session lifecycle manager.
func NewManager(db *store.DB, executor *retry.Executor, checkpoints checkpoint.Service, workUnits WorkUnitSource, logger *zap.Logger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("store is required")
	}
	if executor == nil {
		return nil, errors.New("retry executor is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint service is required")
	}
	if workUnits == nil {
		return nil, errors.New("work unit source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		db:          db,
		executor:    executor,
		checkpoints: checkpoints,
		workUnits:   workUnits,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}

	counter, err := m.meter.Int64Counter(
		"sessiond.session.transitions_total",
		metric.WithDescription("Total session status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		logger.Warn("failed to create transition counter", zap.Error(err))
	}
	m.transitionCounter = counter

	return m, nil
}

// Start validates the project invariants, creates the session, and moves it
// to running in one transaction.
//
// Invariants enforced:
//   - first session of a project must be of the planning kind
//   - a planning session can never run once work units exist
//   - at most one active session per project
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.start")
	defer span.End()

	span.SetAttributes(
		attribute.String("project_id", req.ProjectID),
		attribute.String("kind", string(req.Kind)),
	)

	if req.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("invalid session kind: %q", req.Kind)
	}

	hasUnits, err := m.workUnits.HasWorkUnits(ctx, req.ProjectID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("check work units: %w", err)
	}
	// The session kind is determined by whether the project has work units:
	// planning lays them out, coding requires them.
	if req.Kind == KindPlanning && hasUnits {
		return nil, ErrPlanningForbidden
	}
	if req.Kind != KindPlanning && !hasUnits {
		return nil, ErrPlanningRequired
	}

	now := m.db.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		Kind:      req.Kind,
		Profile:   req.Profile,
		Status:    StatusPending,
		CreatedAt: now,
	}

	err = m.executor.Do(ctx, "session.start", func(ctx context.Context) error {
		return m.db.WithTx(ctx, func(tx *sql.Tx) error {
			var active int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sessions
				 WHERE project_id = ? AND status IN ('pending','running','paused','resumed','blocked')`,
				req.ProjectID,
			).Scan(&active); err != nil {
				return fmt.Errorf("count active sessions: %w", err)
			}
			if active > 0 {
				return retry.Permanent(ErrProjectBusy)
			}

			var max int
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(sequence_number), 0) FROM sessions WHERE project_id = ?`,
				req.ProjectID,
			).Scan(&max); err != nil {
				return fmt.Errorf("read max sequence number: %w", err)
			}
			sess.SequenceNumber = max + 1

			// Sessions pass through pending so the full state machine is
			// auditable, then move to running before the tx commits.
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sessions (
					id, project_id, sequence_number, kind, profile, status,
					created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sess.ID, sess.ProjectID, sess.SequenceNumber, string(sess.Kind),
				sess.Profile, string(StatusPending), now,
			); err != nil {
				return fmt.Errorf("insert session: %w", err)
			}
			return m.transitionTx(ctx, tx, sess.ID, StatusRunning, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`UPDATE sessions SET started_at = ?, last_heartbeat = ? WHERE id = ?`,
					now, now, sess.ID,
				)
				return err
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sess.Status = StatusRunning
	sess.StartedAt = &now
	sess.LastHeartbeat = &now

	m.logger.Info("started session",
		zap.String("id", sess.ID),
		zap.String("project_id", sess.ProjectID),
		zap.Int("sequence", sess.SequenceNumber),
		zap.String("kind", string(sess.Kind)),
	)

	span.SetAttributes(attribute.String("session_id", sess.ID))
	return sess, nil
}

// Transition moves a session to a new status after validating the change
// against the state machine. mutate, when non-nil, runs in the same
// transaction for status-specific column updates.
func (m *Manager) Transition(ctx context.Context, sessionID string, to Status, mutate func(tx *sql.Tx) error) error {
	ctx, span := m.tracer.Start(ctx, "session.transition")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("to", string(to)),
	)

	err := m.executor.Do(ctx, "session.transition", func(ctx context.Context) error {
		return m.db.WithTx(ctx, func(tx *sql.Tx) error {
			return m.transitionTx(ctx, tx, sessionID, to, mutate)
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if m.transitionCounter != nil {
		m.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(to)),
		))
	}

	m.logger.Info("session transition",
		zap.String("session_id", sessionID),
		zap.String("to", string(to)),
	)
	return nil
}

// TransitionTx is Transition for callers already inside a transaction.
// It must run inside tx; invalid transitions come back wrapped permanent.
func (m *Manager) TransitionTx(ctx context.Context, tx *sql.Tx, sessionID string, to Status) error {
	return m.transitionTx(ctx, tx, sessionID, to, nil)
}

func (m *Manager) transitionTx(ctx context.Context, tx *sql.Tx, sessionID string, to Status, mutate func(tx *sql.Tx) error) error {
	var current string
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE id = ?`, sessionID,
	).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, sessionID))
		}
		return fmt.Errorf("read session status: %w", err)
	}

	from := Status(current)
	if !CanTransition(from, to) {
		return retry.Permanent(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, string(to), sessionID,
	); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	if mutate != nil {
		if err := mutate(tx); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat updates the liveness timestamp for a running session using
// server time.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	ctx, span := m.tracer.Start(ctx, "session.heartbeat")
	defer span.End()

	return m.executor.Do(ctx, "session.heartbeat", func(ctx context.Context) error {
		res, err := m.db.SQL().ExecContext(ctx,
			`UPDATE sessions SET last_heartbeat = ? WHERE id = ? AND status = 'running'`,
			m.db.Now(), sessionID,
		)
		if err != nil {
			return fmt.Errorf("write heartbeat: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return retry.Permanent(fmt.Errorf("%w: %s (or not running)", ErrNotFound, sessionID))
		}
		return nil
	})
}

// ReportProgress checkpoints the driver's reported state. Allowed while
// the session is running or paused; checkpoints may continue to be created
// up to the pause point.
func (m *Manager) ReportProgress(ctx context.Context, sessionID string, reason checkpoint.Reason, snap checkpoint.Snapshot) (*checkpoint.Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "session.report_progress")
	defer span.End()

	span.SetAttributes(attribute.String("session_id", sessionID))

	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusRunning && sess.Status != StatusPaused {
		return nil, fmt.Errorf("%w: cannot checkpoint session in status %s", ErrInvalidTransition, sess.Status)
	}

	return m.checkpoints.Create(ctx, sessionID, reason, snap)
}

// ReportCompletion records the driver-reported outcome, final metrics, and
// end timestamp.
func (m *Manager) ReportCompletion(ctx context.Context, sessionID string, outcome Outcome, metrics Metrics, errMsg string) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.report_completion")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("outcome", string(outcome)),
	)

	to, ok := outcome.StatusFor()
	if !ok {
		return nil, fmt.Errorf("invalid session outcome: %q", outcome)
	}

	encoded, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("encode metrics: %w", err)
	}

	now := m.db.Now()
	err = m.Transition(ctx, sessionID, to, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET metrics = ?, ended_at = ?, error_message = ?, interruption_reason = ?
			 WHERE id = ?`,
			string(encoded), now,
			errMsg, interruptionReason(outcome, errMsg), sessionID,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return m.Get(ctx, sessionID)
}

func interruptionReason(outcome Outcome, errMsg string) string {
	if outcome == OutcomeInterrupted {
		return errMsg
	}
	return ""
}

// Reactivate moves a paused, blocked, or errored session through resumed
// back to running, optionally seeding from the latest resumable checkpoint.
func (m *Manager) Reactivate(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	ctx, span := m.tracer.Start(ctx, "session.reactivate")
	defer span.End()

	span.SetAttributes(attribute.String("session_id", sessionID))

	seed, err := m.checkpoints.LatestResumable(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.db.Now()
	err = m.executor.Do(ctx, "session.reactivate", func(ctx context.Context) error {
		return m.db.WithTx(ctx, func(tx *sql.Tx) error {
			sess, err := getTx(ctx, tx, sessionID)
			if err != nil {
				return err
			}

			// Paused, blocked, and errored sessions pass through resumed
			// on their way back to running.
			if sess.Status != StatusResumed {
				if err := m.transitionTx(ctx, tx, sessionID, StatusResumed, nil); err != nil {
					return err
				}
			}
			return m.transitionTx(ctx, tx, sessionID, StatusRunning, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`UPDATE sessions SET last_heartbeat = ?, ended_at = NULL WHERE id = ?`,
					now, sessionID,
				)
				return err
			})
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if seed != nil {
		if _, err := m.checkpoints.StartRecovery(ctx, seed.ID, "latest_resumable"); err != nil {
			m.logger.Warn("failed to record recovery start",
				zap.String("session_id", sessionID),
				zap.String("checkpoint_id", seed.ID),
				zap.Error(err),
			)
		}
	}

	return seed, nil
}

func getTx(ctx context.Context, tx *sql.Tx, sessionID string) (*Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, sessionID))
	}
	return sess, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := m.db.SQL().QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return sess, nil
}

// ListByProject returns a project's sessions, newest first.
func (m *Manager) ListByProject(ctx context.Context, projectID string) ([]*Session, error) {
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE project_id = ? ORDER BY sequence_number DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// ListStale returns running sessions whose heartbeat age exceeds threshold.
// The comparison uses server time; client-reported clocks never factor in.
// Stale sessions are surfaced for intervention, never auto-transitioned.
func (m *Manager) ListStale(ctx context.Context, threshold time.Duration) ([]*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.list_stale")
	defer span.End()

	cutoff := m.db.Now().Add(-threshold)
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = 'running' AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
		 ORDER BY last_heartbeat ASC`,
		cutoff,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stale, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("stale_count", len(stale)))
	return stale, nil
}

const sessionColumns = `id, project_id, sequence_number, kind, profile, status,
	error_message, interruption_reason, metrics, created_at, started_at,
	ended_at, last_heartbeat`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess                              Session
		kind, status, metrics             string
		startedAt, endedAt, lastHeartbeat sql.NullTime
	)

	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.SequenceNumber, &kind, &sess.Profile,
		&status, &sess.ErrorMessage, &sess.InterruptionReason, &metrics,
		&sess.CreatedAt, &startedAt, &endedAt, &lastHeartbeat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Kind = Kind(kind)
	sess.Status = Status(status)
	if err := json.Unmarshal([]byte(metrics), &sess.Metrics); err != nil {
		return nil, fmt.Errorf("decode session metrics: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		sess.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		sess.LastHeartbeat = &t
	}

	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
