// Package project tracks each project's work units: the identifiers and
// completion signals the orchestration core consumes. Task semantics,
// specifications, and planning live with the external planning system.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessiond/internal/retest"
	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

// ErrUnitNotFound is returned when a work unit does not exist.
var ErrUnitNotFound = errors.New("work unit not found")

// WorkUnit is one coarse-grained deliverable registered for a project.
type WorkUnit struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Name        string     `json:"name,omitempty"`
	Dependents  int        `json:"dependents"`
	Critical    bool       `json:"critical"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RegisterRequest describes a work unit to register.
type RegisterRequest struct {
	ID         string
	ProjectID  string
	Name       string
	Dependents int
	Critical   bool
}

// Registry is the store-backed work-unit registry. It serves as the
// work-unit source for session kind checks and as the epic source for
// retest candidate selection.
type Registry struct {
	db       *store.DB
	executor *retry.Executor
	logger   *zap.Logger
}

// NewRegistry creates a work-unit registry.
func NewRegistry(db *store.DB, executor *retry.Executor, logger *zap.Logger) (*Registry, error) {
	if db == nil {
		return nil, errors.New("store is required")
	}
	if executor == nil {
		return nil, errors.New("retry executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: db, executor: executor, logger: logger}, nil
}

// Register records a new work unit. The caller may supply its own ID to
// keep identifiers aligned with the planning system.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*WorkUnit, error) {
	if req.ProjectID == "" {
		return nil, errors.New("project id is required")
	}

	u := &WorkUnit{
		ID:         req.ID,
		ProjectID:  req.ProjectID,
		Name:       req.Name,
		Dependents: req.Dependents,
		Critical:   req.Critical,
		CreatedAt:  r.db.Now(),
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}

	err := r.executor.Do(ctx, "project.register_unit", func(ctx context.Context) error {
		_, err := r.db.SQL().ExecContext(ctx,
			`INSERT INTO work_units (id, project_id, name, dependents, critical, completed, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?)`,
			u.ID, u.ProjectID, u.Name, u.Dependents, u.Critical, u.CreatedAt,
		)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return retry.Permanent(fmt.Errorf("work unit %s already registered", u.ID))
			}
			return fmt.Errorf("insert work unit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("registered work unit",
		zap.String("unit_id", u.ID),
		zap.String("project_id", u.ProjectID),
	)
	return u, nil
}

// Complete marks a unit completed. Completing an already-completed unit
// is a no-op so completion signals stay idempotent under retry.
func (r *Registry) Complete(ctx context.Context, unitID string) (*WorkUnit, error) {
	now := r.db.Now()

	err := r.executor.Do(ctx, "project.complete_unit", func(ctx context.Context) error {
		return r.db.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE work_units SET completed = 1, completed_at = ?
				 WHERE id = ? AND completed = 0`,
				now, unitID,
			)
			if err != nil {
				return fmt.Errorf("complete work unit: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("complete work unit: %w", err)
			}
			if affected == 0 {
				var exists bool
				if err := tx.QueryRowContext(ctx,
					`SELECT 1 FROM work_units WHERE id = ?`, unitID,
				).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
					return retry.Permanent(fmt.Errorf("%w: %s", ErrUnitNotFound, unitID))
				} else if err != nil {
					return fmt.Errorf("read work unit: %w", err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, unitID)
}

// Get retrieves a work unit by ID.
func (r *Registry) Get(ctx context.Context, unitID string) (*WorkUnit, error) {
	row := r.db.SQL().QueryRowContext(ctx,
		`SELECT id, project_id, name, dependents, critical, completed, created_at, completed_at
		 FROM work_units WHERE id = ?`,
		unitID,
	)
	u, err := scanUnit(row)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	return u, nil
}

// ListByProject returns all of a project's work units in registration order.
func (r *Registry) ListByProject(ctx context.Context, projectID string) ([]*WorkUnit, error) {
	rows, err := r.db.SQL().QueryContext(ctx,
		`SELECT id, project_id, name, dependents, critical, completed, created_at, completed_at
		 FROM work_units WHERE project_id = ? ORDER BY created_at, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query work units: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var units []*WorkUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work units: %w", err)
	}
	return units, nil
}

// HasWorkUnits reports whether any unit is registered for the project.
// Satisfies the session manager's work-unit source.
func (r *Registry) HasWorkUnits(ctx context.Context, projectID string) (bool, error) {
	var exists bool
	err := r.db.SQL().QueryRowContext(ctx,
		`SELECT 1 FROM work_units WHERE project_id = ? LIMIT 1`, projectID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check work units: %w", err)
	}
	return true, nil
}

// CompletedCount returns how many units are completed for the project.
// The retest trigger cadence is derived from this so it survives
// process restarts.
func (r *Registry) CompletedCount(ctx context.Context, projectID string) (int, error) {
	var count int
	err := r.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_units WHERE project_id = ? AND completed = 1`, projectID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count completed units: %w", err)
	}
	return count, nil
}

// CompletedEpics returns completed units in completion order. Satisfies
// the retest scheduler's epic source.
func (r *Registry) CompletedEpics(ctx context.Context, projectID string) ([]retest.Epic, error) {
	rows, err := r.db.SQL().QueryContext(ctx,
		`SELECT id, project_id, dependents, critical, completed_at
		 FROM work_units
		 WHERE project_id = ? AND completed = 1
		 ORDER BY completed_at, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed units: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var epics []retest.Epic
	for rows.Next() {
		var e retest.Epic
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Dependents, &e.Critical, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completed unit: %w", err)
		}
		epics = append(epics, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed units: %w", err)
	}
	return epics, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUnit(row scanner) (*WorkUnit, error) {
	var (
		u           WorkUnit
		completedAt sql.NullTime
	)

	err := row.Scan(&u.ID, &u.ProjectID, &u.Name, &u.Dependents, &u.Critical,
		&u.Completed, &u.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan work unit: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		u.CompletedAt = &t
	}
	return &u, nil
}
