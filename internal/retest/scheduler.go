package retest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessiond/internal/config"
	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/session"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/sessiond/internal/retest"

// EpicSource supplies completed epics for candidate selection. Epic CRUD
// lives with the caller; the scheduler only reads.
type EpicSource interface {
	CompletedEpics(ctx context.Context, projectID string) ([]Epic, error)
}

// Config configures the scheduler.
type Config struct {
	// Mode is strict or autonomous. Strict mode blocks the owning session
	// when a critical epic fails its retest.
	Mode config.EpicTestingMode

	// TriggerEvery runs the scheduler after this many newly completed
	// epics, bounding how many can regress silently between checks.
	TriggerEvery int

	// FoundationCount marks the first N completed epics of a project as
	// foundation units.
	FoundationCount int

	// FreshnessThreshold flags epics whose last retest is older than this.
	FreshnessThreshold time.Duration

	// DependentsThreshold marks epics with at least this many downstream
	// dependents as high priority.
	DependentsThreshold int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:                config.ModeAutonomous,
		TriggerEvery:        3,
		FoundationCount:     3,
		FreshnessThreshold:  72 * time.Hour,
		DependentsThreshold: 2,
	}
}

// ApplyDefaults fills zero values from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.TriggerEvery <= 0 {
		c.TriggerEvery = def.TriggerEvery
	}
	if c.FoundationCount <= 0 {
		c.FoundationCount = def.FoundationCount
	}
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = def.FreshnessThreshold
	}
	if c.DependentsThreshold <= 0 {
		c.DependentsThreshold = def.DependentsThreshold
	}
}

// RecordRequest is one retest outcome to persist.
type RecordRequest struct {
	EpicID            string
	ProjectID         string
	TriggeredByEpicID string
	SessionID         string
	Result            Result
	// IsRegression is advisory; the preceding-run rule can override it.
	IsRegression    bool
	Critical        bool
	TestsRun        int
	TestsPassed     int
	TestsFailed     int
	ExecutionTimeMS int64
	SelectionReason string
}

// Scheduler selects epics for regression retesting and records outcomes.
type Scheduler struct {
	config   *Config
	db       *store.DB
	executor *retry.Executor
	sessions *session.Manager
	epics    EpicSource
	logger   *zap.Logger

	tracer            trace.Tracer
	meter             metric.Meter
	runCounter        metric.Int64Counter
	regressionCounter metric.Int64Counter
}

// NewScheduler creates a retest scheduler.
func NewScheduler(cfg *Config, db *store.DB, executor *retry.Executor, sessions *session.Manager, epics EpicSource, logger *zap.Logger) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("invalid epic testing mode: %q", cfg.Mode)
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
	if epics == nil {
		return nil, errors.New("epic source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		config:   cfg,
		db:       db,
		executor: executor,
		sessions: sessions,
		epics:    epics,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	s.runCounter, err = s.meter.Int64Counter(
		"sessiond.retest.runs_total",
		metric.WithDescription("Total epic retest runs by result"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		logger.Warn("failed to create run counter", zap.Error(err))
	}
	s.regressionCounter, err = s.meter.Int64Counter(
		"sessiond.retest.regressions_total",
		metric.WithDescription("Total auto-flagged regressions"),
		metric.WithUnit("{regression}"),
	)
	if err != nil {
		logger.Warn("failed to create regression counter", zap.Error(err))
	}

	return s, nil
}

// ShouldRun reports whether a retest cycle is due after the given number
// of completed epics. The trigger counts completions, not wall-clock time.
func (s *Scheduler) ShouldRun(completedCount int) bool {
	return completedCount > 0 && completedCount%s.config.TriggerEvery == 0
}

// SelectCandidates picks up to limit epics for retesting, highest priority
// first: foundation epics, heavily-depended-on epics, stale-coverage
// epics, then a shuffled catch-all.
func (s *Scheduler) SelectCandidates(ctx context.Context, projectID string, limit int) ([]Candidate, error) {
	ctx, span := s.tracer.Start(ctx, "retest.select_candidates")
	defer span.End()

	span.SetAttributes(attribute.String("project_id", projectID))

	if limit <= 0 {
		return nil, nil
	}

	epics, err := s.epics.CompletedEpics(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list completed epics: %w", err)
	}
	if len(epics) == 0 {
		return nil, nil
	}

	lastRetested, err := s.lastRetestTimes(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := s.db.Now()
	picked := make(map[string]bool, len(epics))
	var candidates []Candidate

	add := func(e Epic, reason string) bool {
		if picked[e.ID] {
			return len(candidates) < limit
		}
		picked[e.ID] = true
		candidates = append(candidates, Candidate{Epic: e, Reason: reason})
		return len(candidates) < limit
	}

	// Tier 1: foundation epics, in completion order. Breakage in the
	// earliest deliverables has the widest blast radius.
	for i, e := range epics {
		if i >= s.config.FoundationCount {
			break
		}
		if !add(e, fmt.Sprintf("foundation epic (%d of first %d completed)", i+1, s.config.FoundationCount)) {
			return candidates, nil
		}
	}

	// Tier 2: epics with many downstream dependents.
	for _, e := range epics {
		if e.Dependents < s.config.DependentsThreshold {
			continue
		}
		if !add(e, fmt.Sprintf("%d downstream dependents", e.Dependents)) {
			return candidates, nil
		}
	}

	// Tier 3: never retested, or last retest older than the freshness
	// threshold.
	for _, e := range epics {
		last, ok := lastRetested[e.ID]
		switch {
		case !ok:
			if !add(e, "never retested") {
				return candidates, nil
			}
		case now.Sub(last) > s.config.FreshnessThreshold:
			if !add(e, fmt.Sprintf("last retest %s ago exceeds freshness threshold", now.Sub(last).Round(time.Minute))) {
				return candidates, nil
			}
		}
	}

	// Tier 4: shuffled catch-all so routine coverage rotates.
	rest := make([]Epic, 0, len(epics))
	for _, e := range epics {
		if !picked[e.ID] {
			rest = append(rest, e)
		}
	}
	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	for _, e := range rest {
		if !add(e, "routine coverage") {
			return candidates, nil
		}
	}

	return candidates, nil
}

// RecordResult persists one retest outcome. A run that fails or errors
// after the epic's previous run passed is flagged as a regression even
// when the caller did not flag it. Strict mode blocks the owning session
// when a critical epic fails.
func (s *Scheduler) RecordResult(ctx context.Context, req RecordRequest) (*Run, error) {
	ctx, span := s.tracer.Start(ctx, "retest.record_result")
	defer span.End()

	span.SetAttributes(
		attribute.String("epic_id", req.EpicID),
		attribute.String("result", string(req.Result)),
	)

	if req.EpicID == "" {
		return nil, errors.New("epic id is required")
	}
	if req.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if !req.Result.Valid() {
		return nil, fmt.Errorf("invalid retest result: %q", req.Result)
	}

	run := &Run{
		ID:                uuid.New().String(),
		EpicID:            req.EpicID,
		ProjectID:         req.ProjectID,
		TriggeredByEpicID: req.TriggeredByEpicID,
		SessionID:         req.SessionID,
		Result:            req.Result,
		IsRegression:      req.IsRegression,
		TestsRun:          req.TestsRun,
		TestsPassed:       req.TestsPassed,
		TestsFailed:       req.TestsFailed,
		ExecutionTimeMS:   req.ExecutionTimeMS,
		SelectionReason:   req.SelectionReason,
		CreatedAt:         s.db.Now(),
	}

	err := s.executor.Do(ctx, "retest.record_result", func(ctx context.Context) error {
		run.IsRegression = req.IsRegression
		return s.db.WithTx(ctx, func(tx *sql.Tx) error {
			var previous string
			err := tx.QueryRowContext(ctx,
				`SELECT result FROM epic_retest_runs
				 WHERE epic_id = ?
				 ORDER BY created_at DESC, rowid DESC
				 LIMIT 1`,
				req.EpicID,
			).Scan(&previous)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read preceding run: %w", err)
			}

			if Result(previous) == ResultPassed &&
				(run.Result == ResultFailed || run.Result == ResultError) {
				run.IsRegression = true
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO epic_retest_runs (
					id, epic_id, project_id, triggered_by_epic_id, session_id,
					result, is_regression, tests_run, tests_passed, tests_failed,
					execution_time_ms, selection_reason, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.ID, run.EpicID, run.ProjectID, run.TriggeredByEpicID,
				run.SessionID, string(run.Result), run.IsRegression,
				run.TestsRun, run.TestsPassed, run.TestsFailed,
				run.ExecutionTimeMS, run.SelectionReason, run.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert retest run: %w", err)
			}

			return s.updateAggregate(ctx, tx, run)
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.runCounter != nil {
		s.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", string(run.Result)),
		))
	}
	if run.IsRegression && s.regressionCounter != nil {
		s.regressionCounter.Add(ctx, 1)
	}

	if run.IsRegression {
		s.logger.Warn("epic regression detected",
			zap.String("epic_id", run.EpicID),
			zap.String("triggered_by", run.TriggeredByEpicID),
			zap.String("result", string(run.Result)),
		)
	}

	s.applyBlockingPolicy(ctx, req, run)

	return run, nil
}

// updateAggregate upserts the epic's stability row inside the run's
// transaction. Skipped runs carry no pass/fail signal and leave the
// aggregate untouched.
func (s *Scheduler) updateAggregate(ctx context.Context, tx *sql.Tx, run *Run) error {
	if run.Result == ResultSkipped {
		return nil
	}

	m := &StabilityMetrics{EpicID: run.EpicID, ProjectID: run.ProjectID}
	err := tx.QueryRowContext(ctx,
		`SELECT total_retests, passed_retests, failed_retests, regression_count,
		        avg_execution_time_ms
		 FROM epic_stability_metrics WHERE epic_id = ?`,
		run.EpicID,
	).Scan(&m.TotalRetests, &m.PassedRetests, &m.FailedRetests,
		&m.RegressionCount, &m.AvgExecutionTimeMS)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read stability metrics: %w", err)
	}

	oldTotal := m.TotalRetests
	m.TotalRetests++
	switch run.Result {
	case ResultPassed:
		m.PassedRetests++
	case ResultFailed, ResultError:
		m.FailedRetests++
	}
	if run.IsRegression {
		m.RegressionCount++
	}
	m.StabilityScore = float64(m.PassedRetests) / float64(m.TotalRetests)
	m.AvgExecutionTimeMS = (m.AvgExecutionTimeMS*float64(oldTotal) +
		float64(run.ExecutionTimeMS)) / float64(m.TotalRetests)

	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE epic_stability_metrics SET
				total_retests = ?, passed_retests = ?, failed_retests = ?,
				regression_count = ?, stability_score = ?, avg_execution_time_ms = ?,
				last_retest_at = ?, last_retest_result = ?
			 WHERE epic_id = ?`,
			m.TotalRetests, m.PassedRetests, m.FailedRetests,
			m.RegressionCount, m.StabilityScore, m.AvgExecutionTimeMS,
			run.CreatedAt, string(run.Result), run.EpicID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO epic_stability_metrics (
				epic_id, project_id, total_retests, passed_retests, failed_retests,
				regression_count, stability_score, avg_execution_time_ms,
				last_retest_at, last_retest_result
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.EpicID, run.ProjectID, m.TotalRetests, m.PassedRetests,
			m.FailedRetests, m.RegressionCount, m.StabilityScore,
			m.AvgExecutionTimeMS, run.CreatedAt, string(run.Result),
		)
	}
	if err != nil {
		return fmt.Errorf("upsert stability metrics: %w", err)
	}

	if run.IsRegression {
		if _, err := tx.ExecContext(ctx,
			`UPDATE epic_stability_metrics
			 SET last_regression_at = ?, last_regression_by = ?
			 WHERE epic_id = ?`,
			run.CreatedAt, run.TriggeredByEpicID, run.EpicID,
		); err != nil {
			return fmt.Errorf("record regression pointer: %w", err)
		}
	}

	return nil
}

// applyBlockingPolicy blocks the owning session in strict mode when a
// critical epic fails its retest. Autonomous mode records and proceeds.
func (s *Scheduler) applyBlockingPolicy(ctx context.Context, req RecordRequest, run *Run) {
	if s.config.Mode != config.ModeStrict {
		return
	}
	if !req.Critical || req.SessionID == "" {
		return
	}
	if run.Result != ResultFailed && run.Result != ResultError {
		return
	}

	if err := s.sessions.Transition(ctx, req.SessionID, session.StatusBlocked, nil); err != nil {
		s.logger.Warn("cannot block session after critical epic failure",
			zap.String("session_id", req.SessionID),
			zap.String("epic_id", req.EpicID),
			zap.Error(err),
		)
		return
	}

	s.logger.Warn("blocked session on critical epic failure",
		zap.String("session_id", req.SessionID),
		zap.String("epic_id", req.EpicID),
		zap.String("result", string(run.Result)),
	)
}

// Stability returns the aggregate for one epic, or nil if it has never
// been retested.
func (s *Scheduler) Stability(ctx context.Context, epicID string) (*StabilityMetrics, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+stabilityColumns+` FROM epic_stability_metrics WHERE epic_id = ?`,
		epicID,
	)
	return scanStability(row)
}

// ProjectStability returns all epic aggregates for a project, least
// stable first.
func (s *Scheduler) ProjectStability(ctx context.Context, projectID string) ([]*StabilityMetrics, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT `+stabilityColumns+` FROM epic_stability_metrics
		 WHERE project_id = ?
		 ORDER BY stability_score, epic_id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stability metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []*StabilityMetrics
	for rows.Next() {
		m, err := scanStability(rows)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stability metrics: %w", err)
	}
	return metrics, nil
}

// RunsForEpic returns an epic's retest history, newest first.
func (s *Scheduler) RunsForEpic(ctx context.Context, epicID string) ([]*Run, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, epic_id, project_id, triggered_by_epic_id, session_id,
		        result, is_regression, tests_run, tests_passed, tests_failed,
		        execution_time_ms, selection_reason, created_at
		 FROM epic_retest_runs
		 WHERE epic_id = ?
		 ORDER BY created_at DESC, rowid DESC`,
		epicID,
	)
	if err != nil {
		return nil, fmt.Errorf("query retest runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		var (
			r      Run
			result string
		)
		if err := rows.Scan(
			&r.ID, &r.EpicID, &r.ProjectID, &r.TriggeredByEpicID, &r.SessionID,
			&result, &r.IsRegression, &r.TestsRun, &r.TestsPassed, &r.TestsFailed,
			&r.ExecutionTimeMS, &r.SelectionReason, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan retest run: %w", err)
		}
		r.Result = Result(result)
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retest runs: %w", err)
	}
	return runs, nil
}

func (s *Scheduler) lastRetestTimes(ctx context.Context, projectID string) (map[string]time.Time, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT epic_id, last_retest_at FROM epic_stability_metrics
		 WHERE project_id = ? AND last_retest_at IS NOT NULL`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query last retest times: %w", err)
	}
	defer func() { _ = rows.Close() }()

	times := make(map[string]time.Time)
	for rows.Next() {
		var (
			epicID string
			at     time.Time
		)
		if err := rows.Scan(&epicID, &at); err != nil {
			return nil, fmt.Errorf("scan last retest time: %w", err)
		}
		times[epicID] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last retest times: %w", err)
	}
	return times, nil
}

const stabilityColumns = `epic_id, project_id, total_retests, passed_retests,
	failed_retests, regression_count, stability_score, avg_execution_time_ms,
	last_retest_at, last_retest_result, last_regression_at, last_regression_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanStability(row scanner) (*StabilityMetrics, error) {
	var (
		m                StabilityMetrics
		lastRetestAt     sql.NullTime
		lastResult       string
		lastRegressionAt sql.NullTime
	)

	err := row.Scan(
		&m.EpicID, &m.ProjectID, &m.TotalRetests, &m.PassedRetests,
		&m.FailedRetests, &m.RegressionCount, &m.StabilityScore,
		&m.AvgExecutionTimeMS, &lastRetestAt, &lastResult,
		&lastRegressionAt, &m.LastRegressionBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan stability metrics: %w", err)
	}

	m.LastRetestResult = Result(lastResult)
	if lastRetestAt.Valid {
		t := lastRetestAt.Time
		m.LastRetestAt = &t
	}
	if lastRegressionAt.Valid {
		t := lastRegressionAt.Time
		m.LastRegressionAt = &t
	}

	return &m, nil
}
