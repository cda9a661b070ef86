package intervention

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

	"github.com/fyrsmithlabs/sessiond/internal/notify"
	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/session"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/sessiond/internal/intervention"

var (
	// ErrAlreadyPaused is returned when the session already has an
	// unresolved pause. Two racing pause calls both succeed logically;
	// the loser observes this instead of a constraint failure.
	ErrAlreadyPaused = errors.New("session already has an unresolved pause")

	// ErrPauseNotFound is returned when a pause does not exist.
	ErrPauseNotFound = errors.New("pause not found")
)

// Config configures the coordinator.
type Config struct {
	// MinNotificationInterval is the per-project minimum gap between sent
	// notifications. Pauses inside the window still log a no-op action.
	MinNotificationInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinNotificationInterval: 5 * time.Minute,
	}
}

// PauseRequest describes a blocker that needs a pause.
type PauseRequest struct {
	SessionID     string
	Reason        string
	Type          PauseType
	CurrentTask   string
	BlockerInfo   string
	RetryStats    RetryStats
	CanAutoResume bool
	ResumePrompt  string
}

// Coordinator pauses sessions on blockers and manages their resolution.
type Coordinator struct {
	config   *Config
	db       *store.DB
	executor *retry.Executor
	sessions *session.Manager
	notifier notify.Notifier
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	pauseCounter metric.Int64Counter
}

// NewCoordinator creates an intervention coordinator.
func NewCoordinator(cfg *Config, db *store.DB, executor *retry.Executor, sessions *session.Manager, notifier notify.Notifier, logger *zap.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if db == nil {
		return nil, errors.New("store is required")
	}
	if executor == nil {
		return nil, errors.New("retry executor is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		config:   cfg,
		db:       db,
		executor: executor,
		sessions: sessions,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	counter, err := c.meter.Int64Counter(
		"sessiond.intervention.pauses_total",
		metric.WithDescription("Total session pauses by type"),
		metric.WithUnit("{pause}"),
	)
	if err != nil {
		logger.Warn("failed to create pause counter", zap.Error(err))
	}
	c.pauseCounter = counter

	return c, nil
}

// Pause creates the pause record and transitions the session to paused in
// one transaction. A second pause attempt before resolution returns
// ErrAlreadyPaused; the unique index on unresolved pauses decides the race.
func (c *Coordinator) Pause(ctx context.Context, req PauseRequest) (*Pause, error) {
	ctx, span := c.tracer.Start(ctx, "intervention.pause")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("type", string(req.Type)),
	)

	if req.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("invalid pause type: %q", req.Type)
	}

	stats, err := json.Marshal(req.RetryStats)
	if err != nil {
		return nil, fmt.Errorf("encode retry stats: %w", err)
	}

	p := &Pause{
		ID:            uuid.New().String(),
		SessionID:     req.SessionID,
		Reason:        req.Reason,
		Type:          req.Type,
		CurrentTask:   req.CurrentTask,
		BlockerInfo:   req.BlockerInfo,
		RetryStats:    req.RetryStats,
		CanAutoResume: req.CanAutoResume,
		ResumePrompt:  req.ResumePrompt,
		CreatedAt:     c.db.Now(),
	}

	err = c.executor.Do(ctx, "intervention.pause", func(ctx context.Context) error {
		return c.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pauses (
					id, session_id, reason, pause_type, current_task, blocker_info,
					retry_stats, can_auto_resume, resume_prompt, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, p.SessionID, p.Reason, string(p.Type), p.CurrentTask,
				p.BlockerInfo, string(stats), p.CanAutoResume, p.ResumePrompt, p.CreatedAt,
			); err != nil {
				if store.IsUniqueViolation(err) {
					return retry.Permanent(ErrAlreadyPaused)
				}
				return fmt.Errorf("insert pause: %w", err)
			}

			return c.sessions.TransitionTx(ctx, tx, req.SessionID, session.StatusPaused)
		})
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyPaused) {
			return nil, ErrAlreadyPaused
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if c.pauseCounter != nil {
		c.pauseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(req.Type)),
		))
	}

	c.logger.Warn("paused session",
		zap.String("pause_id", p.ID),
		zap.String("session_id", p.SessionID),
		zap.String("type", string(p.Type)),
		zap.String("reason", p.Reason),
	)

	c.sendNotification(ctx, p)

	return p, nil
}

// Resume resolves a pause, transitions the session to resumed, and appends
// a "resumed" action, all atomically. Returns false without side effects
// if the pause is already resolved, keeping resume idempotent under retry.
func (c *Coordinator) Resume(ctx context.Context, pauseID, resolvedBy, notes string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "intervention.resume")
	defer span.End()

	span.SetAttributes(
		attribute.String("pause_id", pauseID),
		attribute.String("resolved_by", resolvedBy),
	)

	if resolvedBy == "" {
		return false, errors.New("resolved_by is required: resumes must name an actor")
	}

	resumed := false
	now := c.db.Now()

	err := c.executor.Do(ctx, "intervention.resume", func(ctx context.Context) error {
		resumed = false
		return c.db.WithTx(ctx, func(tx *sql.Tx) error {
			var sessionID string
			var resolved bool
			err := tx.QueryRowContext(ctx,
				`SELECT session_id, resolved FROM pauses WHERE id = ?`, pauseID,
			).Scan(&sessionID, &resolved)
			if errors.Is(err, sql.ErrNoRows) {
				return retry.Permanent(fmt.Errorf("%w: %s", ErrPauseNotFound, pauseID))
			}
			if err != nil {
				return fmt.Errorf("read pause: %w", err)
			}
			if resolved {
				// Already resolved: no-op, no duplicate action.
				return nil
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE pauses
				 SET resolved = 1, resolved_by = ?, resolution_notes = ?, resolved_at = ?
				 WHERE id = ? AND resolved = 0`,
				resolvedBy, notes, now, pauseID,
			); err != nil {
				return fmt.Errorf("resolve pause: %w", err)
			}

			if err := c.sessions.TransitionTx(ctx, tx, sessionID, session.StatusResumed); err != nil {
				return err
			}

			if err := insertAction(ctx, tx, &Action{
				ID:        uuid.New().String(),
				PauseID:   pauseID,
				Type:      ActionResumed,
				Status:    ActionSuccess,
				Detail:    fmt.Sprintf("resumed by %s", resolvedBy),
				CreatedAt: now,
			}); err != nil {
				return err
			}

			resumed = true
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	if resumed {
		c.logger.Info("resumed session pause",
			zap.String("pause_id", pauseID),
			zap.String("resolved_by", resolvedBy),
		)
	}

	span.SetAttributes(attribute.Bool("resumed", resumed))
	return resumed, nil
}

// sendNotification delivers a pause notification unless the project is
// inside its minimum notification interval. Skipped sends still append a
// no-op audit action so the trail stays complete.
func (c *Coordinator) sendNotification(ctx context.Context, p *Pause) {
	sess, err := c.sessions.Get(ctx, p.SessionID)
	if err != nil {
		c.logger.Warn("cannot resolve session for notification", zap.Error(err))
		return
	}

	now := c.db.Now()
	var lastSent sql.NullTime
	err = c.db.SQL().QueryRowContext(ctx,
		`SELECT MAX(sent_at) FROM notification_log WHERE project_id = ?`,
		sess.ProjectID,
	).Scan(&lastSent)
	if err != nil {
		c.logger.Warn("cannot read notification log", zap.Error(err))
		return
	}

	if lastSent.Valid && now.Sub(lastSent.Time) < c.config.MinNotificationInterval {
		c.appendAction(ctx, p.ID, ActionNotificationSent, ActionSuccess,
			"skipped: within minimum notification interval")
		return
	}

	n := notify.Notification{
		ProjectID: sess.ProjectID,
		SessionID: p.SessionID,
		PauseID:   p.ID,
		Title:     fmt.Sprintf("session paused: %s", p.Type),
		Body:      p.Reason,
		SentAt:    now,
	}

	if err := c.notifier.Notify(ctx, n); err != nil {
		c.logger.Warn("notification delivery failed",
			zap.String("pause_id", p.ID),
			zap.Error(err),
		)
		c.appendAction(ctx, p.ID, ActionNotificationSent, ActionFailed, err.Error())
		return
	}

	if _, err := c.db.SQL().ExecContext(ctx,
		`INSERT INTO notification_log (id, project_id, pause_id, subject, sent_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), sess.ProjectID, p.ID, n.Title, now,
	); err != nil {
		c.logger.Warn("cannot record notification", zap.Error(err))
	}

	c.appendAction(ctx, p.ID, ActionNotificationSent, ActionSuccess, n.Title)
}

// RecordAction appends an audit action to a pause's trail.
func (c *Coordinator) RecordAction(ctx context.Context, pauseID string, actionType ActionType, status ActionStatus, detail string) (*Action, error) {
	a := &Action{
		ID:        uuid.New().String(),
		PauseID:   pauseID,
		Type:      actionType,
		Status:    status,
		Detail:    detail,
		CreatedAt: c.db.Now(),
	}

	err := c.executor.Do(ctx, "intervention.record_action", func(ctx context.Context) error {
		return c.db.WithTx(ctx, func(tx *sql.Tx) error {
			return insertAction(ctx, tx, a)
		})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (c *Coordinator) appendAction(ctx context.Context, pauseID string, actionType ActionType, status ActionStatus, detail string) {
	if _, err := c.RecordAction(ctx, pauseID, actionType, status, detail); err != nil {
		c.logger.Warn("cannot append intervention action",
			zap.String("pause_id", pauseID),
			zap.String("type", string(actionType)),
			zap.Error(err),
		)
	}
}

func insertAction(ctx context.Context, tx *sql.Tx, a *Action) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO intervention_actions (id, pause_id, action_type, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.PauseID, string(a.Type), string(a.Status), a.Detail, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert intervention action: %w", err)
	}
	return nil
}

// Get retrieves a pause by ID.
func (c *Coordinator) Get(ctx context.Context, pauseID string) (*Pause, error) {
	row := c.db.SQL().QueryRowContext(ctx,
		`SELECT `+pauseColumns+` FROM pauses WHERE id = ?`, pauseID,
	)
	p, err := scanPause(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPauseNotFound, pauseID)
	}
	return p, nil
}

// UnresolvedForSession returns the session's unresolved pause, or nil.
func (c *Coordinator) UnresolvedForSession(ctx context.Context, sessionID string) (*Pause, error) {
	row := c.db.SQL().QueryRowContext(ctx,
		`SELECT `+pauseColumns+` FROM pauses WHERE session_id = ? AND resolved = 0`,
		sessionID,
	)
	return scanPause(row)
}

// Actions returns a pause's audit trail in insertion order.
func (c *Coordinator) Actions(ctx context.Context, pauseID string) ([]*Action, error) {
	rows, err := c.db.SQL().QueryContext(ctx,
		`SELECT id, pause_id, action_type, status, detail, created_at, completed_at
		 FROM intervention_actions WHERE pause_id = ? ORDER BY created_at, id`,
		pauseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query intervention actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*Action
	for rows.Next() {
		var (
			a           Action
			actionType  string
			status      string
			completedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.PauseID, &actionType, &status, &a.Detail, &a.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan intervention action: %w", err)
		}
		a.Type = ActionType(actionType)
		a.Status = ActionStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			a.CompletedAt = &t
		}
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intervention actions: %w", err)
	}
	return actions, nil
}

const pauseColumns = `id, session_id, reason, pause_type, current_task, blocker_info,
	retry_stats, resolved, resolved_by, resolution_notes, resolved_at,
	can_auto_resume, resume_prompt, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPause(row scanner) (*Pause, error) {
	var (
		p          Pause
		pauseType  string
		stats      string
		resolvedAt sql.NullTime
	)

	err := row.Scan(
		&p.ID, &p.SessionID, &p.Reason, &pauseType, &p.CurrentTask, &p.BlockerInfo,
		&stats, &p.Resolved, &p.ResolvedBy, &p.ResolutionNotes, &resolvedAt,
		&p.CanAutoResume, &p.ResumePrompt, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pause: %w", err)
	}

	p.Type = PauseType(pauseType)
	if err := json.Unmarshal([]byte(stats), &p.RetryStats); err != nil {
		return nil, fmt.Errorf("decode retry stats: %w", err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}

	return &p, nil
}
