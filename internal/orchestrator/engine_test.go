package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sessiond/internal/checkpoint"
	"github.com/fyrsmithlabs/sessiond/internal/notify"
	"github.com/fyrsmithlabs/sessiond/internal/project"
	"github.com/fyrsmithlabs/sessiond/internal/retest"
	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/session"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

type stubEpics struct {
	epics []retest.Epic
}

func (s *stubEpics) CompletedEpics(_ context.Context, projectID string) ([]retest.Epic, error) {
	var out []retest.Epic
	for _, e := range s.epics {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubDriver struct {
	report TestReport
	err    error
	ran    []string
}

func (d *stubDriver) RunEpicTests(_ context.Context, e retest.Epic) (TestReport, error) {
	d.ran = append(d.ran, e.ID)
	if d.err != nil {
		return TestReport{}, d.err
	}
	return d.report, nil
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

type noWorkUnits struct{}

func (noWorkUnits) HasWorkUnits(context.Context, string) (bool, error) { return false, nil }

type fixture struct {
	engine   *Engine
	registry Registry
	db       *store.DB
	units    *project.Registry
	epics    *stubEpics
	driver   *stubDriver
	notifier *recordingNotifier
}

func newFixture(t *testing.T, cfg *Config, withDriver bool) *fixture {
	t.Helper()

	db, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	executor := retry.NewExecutor(&retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, nil)

	checkpoints, err := checkpoint.NewService(db, executor, nil)
	require.NoError(t, err)

	sessions, err := session.NewManager(db, executor, checkpoints, noWorkUnits{}, nil)
	require.NoError(t, err)

	units, err := project.NewRegistry(db, executor, nil)
	require.NoError(t, err)

	epics := &stubEpics{}
	scheduler, err := retest.NewScheduler(&retest.Config{
		TriggerEvery:    2,
		FoundationCount: 2,
	}, db, executor, sessions, epics, nil)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	registry := NewRegistry(Options{
		Store:       db,
		Sessions:    sessions,
		Checkpoints: checkpoints,
		Retests:     scheduler,
		WorkUnits:   units,
		Notifier:    notifier,
	})

	driver := &stubDriver{report: TestReport{Result: retest.ResultPassed, TestsRun: 4, TestsPassed: 4}}
	var engineDriver EpicTestDriver
	if withDriver {
		engineDriver = driver
	}

	engine, err := NewEngine(cfg, registry, engineDriver, nil)
	require.NoError(t, err)

	return &fixture{
		engine:   engine,
		registry: registry,
		db:       db,
		units:    units,
		epics:    epics,
		driver:   driver,
		notifier: notifier,
	}
}

func completeUnit(t *testing.T, f *fixture, projectID, unitID string) {
	t.Helper()

	_, err := f.units.Register(context.Background(), project.RegisterRequest{
		ID:        unitID,
		ProjectID: projectID,
		Name:      unitID,
	})
	require.NoError(t, err)
	_, err = f.units.Complete(context.Background(), unitID)
	require.NoError(t, err)
}

func startSession(t *testing.T, f *fixture, projectID string) *session.Session {
	t.Helper()

	sess, err := f.registry.Sessions().Start(context.Background(), session.StartRequest{
		ProjectID: projectID,
		Kind:      session.KindPlanning,
	})
	require.NoError(t, err)
	return sess
}

func TestHandleCompletion_CleanSession(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	sess := startSession(t, f, "proj-1")

	done, decision, err := f.engine.HandleCompletion(ctx, sess.ID, session.OutcomeCompleted, session.Metrics{
		QualityScore:  0.95,
		ToolCalls:     100,
		Errors:        1,
		EpicsTotal:    3,
		EpicsVerified: 3,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, done.Status)
	assert.False(t, decision.ShouldReview)
	assert.Empty(t, f.notifier.sent)
}

func TestHandleCompletion_GateFlagsReview(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	sess := startSession(t, f, "proj-1")

	_, decision, err := f.engine.HandleCompletion(ctx, sess.ID, session.OutcomeCompleted, session.Metrics{
		QualityScore: 0.30,
		ToolCalls:    10,
		Errors:       9,
	}, "")
	require.NoError(t, err)
	assert.True(t, decision.ShouldReview)
	assert.NotEmpty(t, decision.Reasons)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, sess.ID, f.notifier.sent[0].SessionID)
	assert.Contains(t, f.notifier.sent[0].Title, "review")
}

func TestOnEpicCompleted_TriggersRetestCycle(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	sess := startSession(t, f, "proj-1")

	base := time.Now().UTC().Add(-time.Hour)
	f.epics.epics = []retest.Epic{
		{ID: "epic-1", ProjectID: "proj-1", CompletedAt: base},
		{ID: "epic-2", ProjectID: "proj-1", CompletedAt: base.Add(time.Minute)},
	}

	completeUnit(t, f, "proj-1", "epic-1")
	require.NoError(t, f.engine.OnEpicCompleted(ctx, "proj-1", "epic-1", sess.ID))
	assert.Empty(t, f.driver.ran, "first completion is below the trigger count")

	completeUnit(t, f, "proj-1", "epic-2")
	require.NoError(t, f.engine.OnEpicCompleted(ctx, "proj-1", "epic-2", sess.ID))
	assert.Len(t, f.driver.ran, 2, "second completion triggers the cycle")

	runs, err := f.registry.Retests().RunsForEpic(ctx, "epic-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, retest.ResultPassed, runs[0].Result)
	assert.Equal(t, "epic-2", runs[0].TriggeredByEpicID)
	assert.NotEmpty(t, runs[0].SelectionReason)
}

func TestOnEpicCompleted_DriverErrorRecordedAsError(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	sess := startSession(t, f, "proj-1")
	f.driver.err = errors.New("test harness crashed")
	f.epics.epics = []retest.Epic{
		{ID: "epic-1", ProjectID: "proj-1", CompletedAt: time.Now().UTC().Add(-time.Hour)},
	}

	completeUnit(t, f, "proj-1", "epic-a")
	require.NoError(t, f.engine.OnEpicCompleted(ctx, "proj-1", "epic-a", sess.ID))
	completeUnit(t, f, "proj-1", "epic-b")
	require.NoError(t, f.engine.OnEpicCompleted(ctx, "proj-1", "epic-b", sess.ID))

	runs, err := f.registry.Retests().RunsForEpic(ctx, "epic-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, retest.ResultError, runs[0].Result)
}

func TestOnEpicCompleted_NoDriverSkipsCycle(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()

	sess := startSession(t, f, "proj-1")
	f.epics.epics = []retest.Epic{
		{ID: "epic-1", ProjectID: "proj-1", CompletedAt: time.Now().UTC().Add(-time.Hour)},
	}

	completeUnit(t, f, "proj-1", "epic-a")
	require.NoError(t, f.engine.OnEpicCompleted(ctx, "proj-1", "epic-a", sess.ID))
	completeUnit(t, f, "proj-1", "epic-b")
	require.NoError(t, f.engine.OnEpicCompleted(ctx, "proj-1", "epic-b", sess.ID))

	runs, err := f.registry.Retests().RunsForEpic(ctx, "epic-1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOnEpicCompleted_CountSurvivesRestart(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	sess := startSession(t, f, "proj-1")

	base := time.Now().UTC().Add(-time.Hour)
	f.epics.epics = []retest.Epic{
		{ID: "epic-1", ProjectID: "proj-1", CompletedAt: base},
		{ID: "epic-2", ProjectID: "proj-1", CompletedAt: base.Add(time.Minute)},
	}

	completeUnit(t, f, "proj-1", "epic-1")
	require.NoError(t, f.engine.OnEpicCompleted(ctx, "proj-1", "epic-1", sess.ID))
	assert.Empty(t, f.driver.ran)

	// A freshly constructed engine sees the same completion count
	// because it is read from the store, not held in memory.
	restarted, err := NewEngine(nil, f.registry, f.driver, nil)
	require.NoError(t, err)

	completeUnit(t, f, "proj-1", "epic-2")
	require.NoError(t, restarted.OnEpicCompleted(ctx, "proj-1", "epic-2", sess.ID))
	assert.Len(t, f.driver.ran, 2)
}

func TestCheckStale_SurfacesAgedSessions(t *testing.T) {
	f := newFixture(t, &Config{StaleThreshold: time.Minute}, true)
	ctx := context.Background()

	sess := startSession(t, f, "proj-1")

	// Age the heartbeat past the threshold.
	_, err := f.db.SQL().ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = ? WHERE id = ?`,
		f.db.Now().Add(-2*time.Minute), sess.ID,
	)
	require.NoError(t, err)

	stale, err := f.engine.CheckStale(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, sess.ID, stale[0].ID)

	require.Len(t, f.notifier.sent, 1)
	assert.Contains(t, f.notifier.sent[0].Title, "stale")

	// Surfacing must not change the session's status.
	got, err := f.registry.Sessions().Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, got.Status)
}

func TestCheckStale_FreshSessionNotSurfaced(t *testing.T) {
	f := newFixture(t, &Config{StaleThreshold: time.Hour}, true)
	ctx := context.Background()

	startSession(t, f, "proj-1")

	stale, err := f.engine.CheckStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Empty(t, f.notifier.sent)
}
