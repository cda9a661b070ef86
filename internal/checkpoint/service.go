package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/sessiond/internal/checkpoint"

// ErrNotFound is returned when a checkpoint or recovery does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Service provides checkpoint management operations.
type Service interface {
	// Create persists a new checkpoint with the next sequential number
	// for the session.
	Create(ctx context.Context, sessionID string, reason Reason, snap Snapshot) (*Checkpoint, error)

	// LatestResumable returns the highest-numbered resumable, non-invalidated
	// checkpoint for the session, or nil if none exists.
	LatestResumable(ctx context.Context, sessionID string) (*Checkpoint, error)

	// InvalidateAll marks every resumable checkpoint for the session as
	// invalidated, returning how many were affected.
	InvalidateAll(ctx context.Context, sessionID, reason string) (int64, error)

	// StartRecovery records the start of a recovery attempt and bumps the
	// checkpoint's recovery counter.
	StartRecovery(ctx context.Context, checkpointID, method string) (*Recovery, error)

	// CompleteRecovery finishes a recovery attempt.
	CompleteRecovery(ctx context.Context, recoveryID string, status RecoveryStatus, diff string) error

	// List returns all checkpoints for a session, newest first.
	List(ctx context.Context, sessionID string) ([]*Checkpoint, error)
}

// service implements the Service interface.
type service struct {
	db       *store.DB
	executor *retry.Executor
	logger   *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	createCounter     metric.Int64Counter
	invalidateCounter metric.Int64Counter
}

// NewService creates a new checkpoint service.
func NewService(db *store.DB, executor *retry.Executor, logger *zap.Logger) (Service, error) {
	if db == nil {
		return nil, errors.New("store is required")
	}
	if executor == nil {
		return nil, errors.New("retry executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		db:       db,
		executor: executor,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"sessiond.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create checkpoint counter", zap.Error(err))
	}

	s.invalidateCounter, err = s.meter.Int64Counter(
		"sessiond.checkpoint.invalidations_total",
		metric.WithDescription("Total number of checkpoints invalidated"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create invalidation counter", zap.Error(err))
	}
}

// Create persists a new checkpoint. The numbering read and the insert share
// one transaction so concurrent creates for the same session never collide
// or skip; the whole write runs under the retry executor.
func (s *service) Create(ctx context.Context, sessionID string, reason Reason, snap Snapshot) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("reason", string(reason)),
	)

	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("invalid checkpoint reason: %q", reason)
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Reason:    reason,
		Snapshot:  snap,
		CreatedAt: s.db.Now(),
	}

	completed, err := json.Marshal(emptyIfNil(snap.CompletedEpics))
	if err != nil {
		return nil, fmt.Errorf("encode completed epics: %w", err)
	}
	inProgress, err := json.Marshal(emptyIfNil(snap.InProgressEpics))
	if err != nil {
		return nil, fmt.Errorf("encode in-progress epics: %w", err)
	}
	blocked, err := json.Marshal(emptyIfNil(snap.BlockedEpics))
	if err != nil {
		return nil, fmt.Errorf("encode blocked epics: %w", err)
	}
	files, err := json.Marshal(emptyIfNil(snap.ModifiedFiles))
	if err != nil {
		return nil, fmt.Errorf("encode modified files: %w", err)
	}
	metrics, err := json.Marshal(emptyMapIfNil(snap.Metrics))
	if err != nil {
		return nil, fmt.Errorf("encode metrics: %w", err)
	}

	err = s.executor.Do(ctx, "checkpoint.create", func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			var max int
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(checkpoint_number), 0) FROM checkpoints WHERE session_id = ?`,
				sessionID,
			).Scan(&max); err != nil {
				return fmt.Errorf("read max checkpoint number: %w", err)
			}
			cp.Number = max + 1

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO checkpoints (
					id, session_id, checkpoint_number, reason, progress_state,
					completed_epics, in_progress_epics, blocked_epics, metrics,
					modified_files, commit_id, can_resume_from, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				cp.ID, cp.SessionID, cp.Number, string(cp.Reason), snap.ProgressState,
				string(completed), string(inProgress), string(blocked), string(metrics),
				string(files), snap.CommitID, snap.CanResumeFrom, cp.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert checkpoint: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(reason)),
		))
	}

	s.logger.Info("created checkpoint",
		zap.String("id", cp.ID),
		zap.String("session_id", cp.SessionID),
		zap.Int("number", cp.Number),
		zap.String("reason", string(cp.Reason)),
	)

	span.SetAttributes(attribute.Int("checkpoint_number", cp.Number))
	return cp, nil
}

const checkpointColumns = `id, session_id, checkpoint_number, reason, progress_state,
	completed_epics, in_progress_epics, blocked_epics, metrics, modified_files,
	commit_id, can_resume_from, invalidated, invalidation_reason, recovery_count,
	created_at, last_resumed_at`

// LatestResumable returns the highest-numbered usable checkpoint, or nil.
func (s *service) LatestResumable(ctx context.Context, sessionID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.latest_resumable")
	defer span.End()

	span.SetAttributes(attribute.String("session_id", sessionID))

	var cp *Checkpoint
	err := s.executor.Do(ctx, "checkpoint.latest_resumable", func(ctx context.Context) error {
		row := s.db.SQL().QueryRowContext(ctx,
			`SELECT `+checkpointColumns+` FROM checkpoints
			 WHERE session_id = ? AND can_resume_from = 1 AND invalidated = 0
			 ORDER BY checkpoint_number DESC LIMIT 1`,
			sessionID,
		)
		found, err := scanCheckpoint(row)
		if err != nil {
			return err
		}
		cp = found
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Bool("found", cp != nil))
	return cp, nil
}

// InvalidateAll marks every resumable checkpoint for the session invalidated.
func (s *service) InvalidateAll(ctx context.Context, sessionID, reason string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.invalidate_all")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("reason", reason),
	)

	var count int64
	err := s.executor.Do(ctx, "checkpoint.invalidate_all", func(ctx context.Context) error {
		res, err := s.db.SQL().ExecContext(ctx,
			`UPDATE checkpoints
			 SET invalidated = 1, invalidation_reason = ?
			 WHERE session_id = ? AND invalidated = 0 AND can_resume_from = 1`,
			reason, sessionID,
		)
		if err != nil {
			return fmt.Errorf("invalidate checkpoints: %w", err)
		}
		count, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("count invalidated checkpoints: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if s.invalidateCounter != nil {
		s.invalidateCounter.Add(ctx, count)
	}

	s.logger.Info("invalidated checkpoints",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Int64("count", count),
	)

	span.SetAttributes(attribute.Int64("count", count))
	return count, nil
}

// StartRecovery records a recovery attempt and bumps the checkpoint's
// recovery counter and last-resumed timestamp.
func (s *service) StartRecovery(ctx context.Context, checkpointID, method string) (*Recovery, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.start_recovery")
	defer span.End()

	span.SetAttributes(
		attribute.String("checkpoint_id", checkpointID),
		attribute.String("method", method),
	)

	rec := &Recovery{
		ID:           uuid.New().String(),
		CheckpointID: checkpointID,
		Method:       method,
		Status:       RecoveryInProgress,
		StartedAt:    s.db.Now(),
	}

	err := s.executor.Do(ctx, "checkpoint.start_recovery", func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE checkpoints
				 SET recovery_count = recovery_count + 1, last_resumed_at = ?
				 WHERE id = ?`,
				rec.StartedAt, checkpointID,
			)
			if err != nil {
				return fmt.Errorf("bump recovery count: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, checkpointID))
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO checkpoint_recoveries (id, checkpoint_id, method, status, started_at)
				 VALUES (?, ?, ?, ?, ?)`,
				rec.ID, rec.CheckpointID, rec.Method, string(rec.Status), rec.StartedAt,
			); err != nil {
				return fmt.Errorf("insert recovery: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.logger.Info("started checkpoint recovery",
		zap.String("recovery_id", rec.ID),
		zap.String("checkpoint_id", checkpointID),
		zap.String("method", method),
	)

	return rec, nil
}

// CompleteRecovery finishes a recovery attempt with a final status.
func (s *service) CompleteRecovery(ctx context.Context, recoveryID string, status RecoveryStatus, diff string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.complete_recovery")
	defer span.End()

	span.SetAttributes(
		attribute.String("recovery_id", recoveryID),
		attribute.String("status", string(status)),
	)

	if status != RecoverySuccess && status != RecoveryFailed {
		return fmt.Errorf("invalid recovery status: %q", status)
	}

	err := s.executor.Do(ctx, "checkpoint.complete_recovery", func(ctx context.Context) error {
		res, err := s.db.SQL().ExecContext(ctx,
			`UPDATE checkpoint_recoveries
			 SET status = ?, diff = ?, completed_at = ?
			 WHERE id = ? AND status = ?`,
			string(status), diff, s.db.Now(), recoveryID, string(RecoveryInProgress),
		)
		if err != nil {
			return fmt.Errorf("complete recovery: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return retry.Permanent(fmt.Errorf("%w: recovery %s not in progress", ErrNotFound, recoveryID))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.logger.Info("completed checkpoint recovery",
		zap.String("recovery_id", recoveryID),
		zap.String("status", string(status)),
	)

	return nil
}

// List returns all checkpoints for a session, newest first.
func (s *service) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.list")
	defer span.End()

	span.SetAttributes(attribute.String("session_id", sessionID))

	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE session_id = ? ORDER BY checkpoint_number DESC`,
		sessionID,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(checkpoints)))
	return checkpoints, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var (
		cp                             Checkpoint
		reason                         string
		completed, inProgress, blocked string
		metrics, files                 string
		lastResumedAt                  sql.NullTime
	)

	err := row.Scan(
		&cp.ID, &cp.SessionID, &cp.Number, &reason, &cp.Snapshot.ProgressState,
		&completed, &inProgress, &blocked, &metrics, &files,
		&cp.Snapshot.CommitID, &cp.Snapshot.CanResumeFrom, &cp.Invalidated,
		&cp.InvalidationReason, &cp.RecoveryCount, &cp.CreatedAt, &lastResumedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	cp.Reason = Reason(reason)
	if lastResumedAt.Valid {
		t := lastResumedAt.Time
		cp.LastResumedAt = &t
	}

	if err := json.Unmarshal([]byte(completed), &cp.Snapshot.CompletedEpics); err != nil {
		return nil, fmt.Errorf("decode completed epics: %w", err)
	}
	if err := json.Unmarshal([]byte(inProgress), &cp.Snapshot.InProgressEpics); err != nil {
		return nil, fmt.Errorf("decode in-progress epics: %w", err)
	}
	if err := json.Unmarshal([]byte(blocked), &cp.Snapshot.BlockedEpics); err != nil {
		return nil, fmt.Errorf("decode blocked epics: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &cp.Snapshot.ModifiedFiles); err != nil {
		return nil, fmt.Errorf("decode modified files: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &cp.Snapshot.Metrics); err != nil {
		return nil, fmt.Errorf("decode checkpoint metrics: %w", err)
	}

	return &cp, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMapIfNil(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
