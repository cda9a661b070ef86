package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessiond/internal/gate"
	"github.com/fyrsmithlabs/sessiond/internal/intervention"
	"github.com/fyrsmithlabs/sessiond/internal/notify"
	"github.com/fyrsmithlabs/sessiond/internal/retest"
	"github.com/fyrsmithlabs/sessiond/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/sessiond/internal/orchestrator"

// TestReport is what an epic test driver returns for one epic.
type TestReport struct {
	Result          retest.Result
	TestsRun        int
	TestsPassed     int
	TestsFailed     int
	ExecutionTimeMS int64
}

// EpicTestDriver executes an epic's tests. The engine never runs tests
// itself; it only schedules and records.
type EpicTestDriver interface {
	RunEpicTests(ctx context.Context, epic retest.Epic) (TestReport, error)
}

// Config configures the engine.
type Config struct {
	// StaleThreshold is the heartbeat age beyond which a running session
	// is surfaced as stale.
	StaleThreshold time.Duration

	// ScanInterval is the stale-scanner cadence.
	ScanInterval time.Duration

	// RetestBatchSize caps how many epics one retest cycle selects.
	RetestBatchSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StaleThreshold:  10 * time.Minute,
		ScanInterval:    time.Minute,
		RetestBatchSize: 5,
	}
}

// ApplyDefaults fills zero values from DefaultConfig.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = def.ScanInterval
	}
	if c.RetestBatchSize <= 0 {
		c.RetestBatchSize = def.RetestBatchSize
	}
}

// Engine sequences cross-service flows: completion handling with the
// quality gate, epic-count-triggered retest cycles, and stale-session
// surfacing.
type Engine struct {
	config   *Config
	registry Registry
	driver   EpicTestDriver
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	staleCounter metric.Int64Counter
}

// NewEngine creates the orchestration engine. driver may be nil when no
// in-process test driver is attached; retest cycles are then skipped and
// results are expected through the recording API instead.
func NewEngine(cfg *Config, registry Registry, driver EpicTestDriver, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config:   cfg,
		registry: registry,
		driver:   driver,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	counter, err := e.meter.Int64Counter(
		"sessiond.orchestrator.stale_sessions_total",
		metric.WithDescription("Total stale sessions surfaced by the scanner"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		logger.Warn("failed to create stale counter", zap.Error(err))
	}
	e.staleCounter = counter

	return e, nil
}

// HandleCompletion records a session outcome, evaluates the quality
// gate, and surfaces review decisions through the notifier. The gate
// decision is returned so callers can act on it too.
func (e *Engine) HandleCompletion(ctx context.Context, sessionID string, outcome session.Outcome, metrics session.Metrics, errMsg string) (*session.Session, gate.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.handle_completion")
	defer span.End()

	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("outcome", string(outcome)),
	)

	sess, err := e.registry.Sessions().ReportCompletion(ctx, sessionID, outcome, metrics, errMsg)
	if err != nil {
		return nil, gate.Decision{}, err
	}

	decision := gate.Evaluate(metrics)
	span.SetAttributes(attribute.Bool("should_review", decision.ShouldReview))

	if decision.ShouldReview {
		e.logger.Warn("quality gate flagged session for review",
			zap.String("session_id", sessionID),
			zap.String("project_id", sess.ProjectID),
			zap.Strings("reasons", decision.Reasons),
		)
		if err := e.registry.Notifier().Notify(ctx, notify.Notification{
			ProjectID: sess.ProjectID,
			SessionID: sessionID,
			Title:     "session flagged for review",
			Body:      fmt.Sprintf("%d quality gate rules fired", len(decision.Reasons)),
			SentAt:    e.registry.Store().Now(),
		}); err != nil {
			e.logger.Warn("review notification failed", zap.Error(err))
		}
	}

	return sess, decision, nil
}

// ReportBlocker pauses a session on a driver-reported blocker.
func (e *Engine) ReportBlocker(ctx context.Context, req intervention.PauseRequest) (*intervention.Pause, error) {
	return e.registry.Interventions().Pause(ctx, req)
}

// OnEpicCompleted reads the project's completed-epic count from the
// store and, when the configured trigger cadence is hit, runs one
// retest cycle. Counting from the store keeps the cadence stable
// across process restarts.
func (e *Engine) OnEpicCompleted(ctx context.Context, projectID, epicID, sessionID string) error {
	ctx, span := e.tracer.Start(ctx, "orchestrator.on_epic_completed")
	defer span.End()

	span.SetAttributes(
		attribute.String("project_id", projectID),
		attribute.String("epic_id", epicID),
	)

	count, err := e.registry.WorkUnits().CompletedCount(ctx, projectID)
	if err != nil {
		return fmt.Errorf("count completed epics: %w", err)
	}
	span.SetAttributes(attribute.Int("completed_count", count))

	if !e.registry.Retests().ShouldRun(count) {
		return nil
	}

	return e.runRetestCycle(ctx, projectID, epicID, sessionID)
}

func (e *Engine) runRetestCycle(ctx context.Context, projectID, triggeredBy, sessionID string) error {
	if e.driver == nil {
		e.logger.Debug("retest cycle due but no test driver attached",
			zap.String("project_id", projectID),
		)
		return nil
	}

	candidates, err := e.registry.Retests().SelectCandidates(ctx, projectID, e.config.RetestBatchSize)
	if err != nil {
		return fmt.Errorf("select retest candidates: %w", err)
	}

	e.logger.Info("running retest cycle",
		zap.String("project_id", projectID),
		zap.String("triggered_by", triggeredBy),
		zap.Int("candidates", len(candidates)),
	)

	for _, c := range candidates {
		report, err := e.driver.RunEpicTests(ctx, c.Epic)
		if err != nil {
			e.logger.Warn("epic test driver failed",
				zap.String("epic_id", c.Epic.ID),
				zap.Error(err),
			)
			report = TestReport{Result: retest.ResultError}
		}

		if _, err := e.registry.Retests().RecordResult(ctx, retest.RecordRequest{
			EpicID:            c.Epic.ID,
			ProjectID:         projectID,
			TriggeredByEpicID: triggeredBy,
			SessionID:         sessionID,
			Result:            report.Result,
			Critical:          c.Epic.Critical,
			TestsRun:          report.TestsRun,
			TestsPassed:       report.TestsPassed,
			TestsFailed:       report.TestsFailed,
			ExecutionTimeMS:   report.ExecutionTimeMS,
			SelectionReason:   c.Reason,
		}); err != nil {
			return fmt.Errorf("record retest result for %s: %w", c.Epic.ID, err)
		}
	}

	return nil
}

// CheckStale performs one stale-session sweep, surfacing each stale
// session through the notifier. Sessions are never auto-transitioned.
func (e *Engine) CheckStale(ctx context.Context) ([]*session.Session, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.check_stale")
	defer span.End()

	stale, err := e.registry.Sessions().ListStale(ctx, e.config.StaleThreshold)
	if err != nil {
		return nil, err
	}

	for _, s := range stale {
		e.logger.Warn("stale session detected",
			zap.String("session_id", s.ID),
			zap.String("project_id", s.ProjectID),
		)
		if e.staleCounter != nil {
			e.staleCounter.Add(ctx, 1)
		}
		if err := e.registry.Notifier().Notify(ctx, notify.Notification{
			ProjectID: s.ProjectID,
			SessionID: s.ID,
			Title:     "session heartbeat is stale",
			Body:      fmt.Sprintf("no heartbeat for more than %s", e.config.StaleThreshold),
			SentAt:    e.registry.Store().Now(),
		}); err != nil {
			e.logger.Warn("stale notification failed",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
		}
	}

	span.SetAttributes(attribute.Int("stale_count", len(stale)))
	return stale, nil
}

// RunStaleScanner runs the stale sweep on the configured interval until
// the context is cancelled.
func (e *Engine) RunStaleScanner(ctx context.Context) {
	ticker := time.NewTicker(e.config.ScanInterval)
	defer ticker.Stop()

	e.logger.Info("stale-session scanner started",
		zap.Duration("interval", e.config.ScanInterval),
		zap.Duration("threshold", e.config.StaleThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("stale-session scanner stopped")
			return
		case <-ticker.C:
			if _, err := e.CheckStale(ctx); err != nil {
				e.logger.Error("stale-session sweep failed", zap.Error(err))
			}
		}
	}
}
