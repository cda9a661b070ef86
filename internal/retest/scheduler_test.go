package retest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sessiond/internal/checkpoint"
	"github.com/fyrsmithlabs/sessiond/internal/config"
	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/session"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

type stubEpics struct {
	epics []Epic
}

func (s *stubEpics) CompletedEpics(_ context.Context, projectID string) ([]Epic, error) {
	var out []Epic
	for _, e := range s.epics {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out, nil
}

type noWorkUnits struct{}

func (noWorkUnits) HasWorkUnits(context.Context, string) (bool, error) { return false, nil }

func newTestScheduler(t *testing.T, cfg *Config) (*Scheduler, *session.Manager, *stubEpics) {
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

	epics := &stubEpics{}
	sched, err := NewScheduler(cfg, db, executor, sessions, epics, nil)
	require.NoError(t, err)

	return sched, sessions, epics
}

func TestShouldRun(t *testing.T) {
	sched, _, _ := newTestScheduler(t, &Config{TriggerEvery: 3})

	tests := []struct {
		completed int
		want      bool
	}{
		{0, false},
		{1, false},
		{2, false},
		{3, true},
		{4, false},
		{6, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sched.ShouldRun(tt.completed), "completed=%d", tt.completed)
	}
}

func TestRecordResult_StabilityScore(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	results := []Result{ResultPassed, ResultPassed, ResultFailed, ResultPassed}
	for _, r := range results {
		_, err := sched.RecordResult(ctx, RecordRequest{
			EpicID:    "epic-1",
			ProjectID: "proj-1",
			Result:    r,
		})
		require.NoError(t, err)
	}

	m, err := sched.Stability(ctx, "epic-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 4, m.TotalRetests)
	assert.Equal(t, 3, m.PassedRetests)
	assert.Equal(t, 1, m.FailedRetests)
	assert.InDelta(t, 0.75, m.StabilityScore, 1e-9)
	assert.Equal(t, ResultPassed, m.LastRetestResult)
}

func TestRecordResult_RegressionAutoFlagOverridesCaller(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	_, err := sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    ResultPassed,
	})
	require.NoError(t, err)

	run, err := sched.RecordResult(ctx, RecordRequest{
		EpicID:            "epic-1",
		ProjectID:         "proj-1",
		TriggeredByEpicID: "epic-9",
		Result:            ResultFailed,
		IsRegression:      false, // advisory; overridden by the preceding-run rule
	})
	require.NoError(t, err)
	assert.True(t, run.IsRegression)

	m, err := sched.Stability(ctx, "epic-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.RegressionCount)
	require.NotNil(t, m.LastRegressionAt)
	assert.Equal(t, "epic-9", m.LastRegressionBy)
}

func TestRecordResult_ErrorAfterPassedIsRegression(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	_, err := sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    ResultPassed,
	})
	require.NoError(t, err)

	run, err := sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    ResultError,
	})
	require.NoError(t, err)
	assert.True(t, run.IsRegression)
}

func TestRecordResult_NoRegressionWithoutPrecedingPass(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	first, err := sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    ResultFailed,
	})
	require.NoError(t, err)
	assert.False(t, first.IsRegression, "first run has no preceding pass")

	second, err := sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    ResultFailed,
	})
	require.NoError(t, err)
	assert.False(t, second.IsRegression)
}

func TestRecordResult_IncrementalAverage(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	for _, ms := range []int64{100, 200, 300} {
		_, err := sched.RecordResult(ctx, RecordRequest{
			EpicID:          "epic-1",
			ProjectID:       "proj-1",
			Result:          ResultPassed,
			ExecutionTimeMS: ms,
		})
		require.NoError(t, err)
	}

	m, err := sched.Stability(ctx, "epic-1")
	require.NoError(t, err)
	assert.InDelta(t, 200.0, m.AvgExecutionTimeMS, 1e-9)
}

func TestRecordResult_SkippedLeavesAggregateUntouched(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	_, err := sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    ResultPassed,
	})
	require.NoError(t, err)

	_, err = sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    ResultSkipped,
	})
	require.NoError(t, err)

	m, err := sched.Stability(ctx, "epic-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalRetests)
	assert.InDelta(t, 1.0, m.StabilityScore, 1e-9)

	runs, err := sched.RunsForEpic(ctx, "epic-1")
	require.NoError(t, err)
	assert.Len(t, runs, 2, "skipped run still appended to the history")
}

func TestRecordResult_InvalidResult(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)

	_, err := sched.RecordResult(context.Background(), RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    Result("flaky"),
	})
	require.Error(t, err)
}

func TestRecordResult_StrictModeBlocksSessionOnCriticalFailure(t *testing.T) {
	sched, sessions, _ := newTestScheduler(t, &Config{Mode: config.ModeStrict})
	ctx := context.Background()

	sess, err := sessions.Start(ctx, session.StartRequest{
		ProjectID: "proj-1",
		Kind:      session.KindPlanning,
	})
	require.NoError(t, err)

	_, err = sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		SessionID: sess.ID,
		Result:    ResultFailed,
		Critical:  true,
	})
	require.NoError(t, err)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusBlocked, got.Status)
}

func TestRecordResult_AutonomousModeRecordsAndProceeds(t *testing.T) {
	sched, sessions, _ := newTestScheduler(t, &Config{Mode: config.ModeAutonomous})
	ctx := context.Background()

	sess, err := sessions.Start(ctx, session.StartRequest{
		ProjectID: "proj-1",
		Kind:      session.KindPlanning,
	})
	require.NoError(t, err)

	_, err = sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		SessionID: sess.ID,
		Result:    ResultFailed,
		Critical:  true,
	})
	require.NoError(t, err)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, got.Status)
}

func TestSelectCandidates_FoundationFirst(t *testing.T) {
	sched, _, epics := newTestScheduler(t, &Config{FoundationCount: 2})
	ctx := context.Background()

	base := time.Now().UTC().Add(-24 * time.Hour)
	epics.epics = []Epic{
		{ID: "epic-1", ProjectID: "proj-1", CompletedAt: base},
		{ID: "epic-2", ProjectID: "proj-1", CompletedAt: base.Add(time.Hour)},
		{ID: "epic-3", ProjectID: "proj-1", CompletedAt: base.Add(2 * time.Hour)},
	}

	candidates, err := sched.SelectCandidates(ctx, "proj-1", 2)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "epic-1", candidates[0].Epic.ID)
	assert.Equal(t, "epic-2", candidates[1].Epic.ID)
	assert.Contains(t, candidates[0].Reason, "foundation")
}

func TestSelectCandidates_DependentsTier(t *testing.T) {
	sched, _, epics := newTestScheduler(t, &Config{
		FoundationCount:     1,
		DependentsThreshold: 3,
	})
	ctx := context.Background()

	base := time.Now().UTC().Add(-24 * time.Hour)
	epics.epics = []Epic{
		{ID: "epic-1", ProjectID: "proj-1", CompletedAt: base},
		{ID: "epic-2", ProjectID: "proj-1", CompletedAt: base.Add(time.Hour), Dependents: 5},
		{ID: "epic-3", ProjectID: "proj-1", CompletedAt: base.Add(2 * time.Hour)},
	}

	candidates, err := sched.SelectCandidates(ctx, "proj-1", 2)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "epic-1", candidates[0].Epic.ID)
	assert.Equal(t, "epic-2", candidates[1].Epic.ID)
	assert.Contains(t, candidates[1].Reason, "dependents")
}

func TestSelectCandidates_NeverRetestedBeforeCatchAll(t *testing.T) {
	sched, _, epics := newTestScheduler(t, &Config{
		FoundationCount:     1,
		DependentsThreshold: 100,
	})
	ctx := context.Background()

	base := time.Now().UTC().Add(-24 * time.Hour)
	epics.epics = []Epic{
		{ID: "epic-1", ProjectID: "proj-1", CompletedAt: base},
		{ID: "epic-2", ProjectID: "proj-1", CompletedAt: base.Add(time.Hour)},
	}

	// epic-1 has a fresh retest, epic-2 never ran.
	_, err := sched.RecordResult(ctx, RecordRequest{
		EpicID:    "epic-1",
		ProjectID: "proj-1",
		Result:    ResultPassed,
	})
	require.NoError(t, err)

	candidates, err := sched.SelectCandidates(ctx, "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "never retested", candidates[1].Reason)
}

func TestSelectCandidates_EmptyProject(t *testing.T) {
	sched, _, _ := newTestScheduler(t, nil)

	candidates, err := sched.SelectCandidates(context.Background(), "proj-empty", 5)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	def := DefaultConfig()
	assert.Equal(t, def.Mode, cfg.Mode)
	assert.Equal(t, def.TriggerEvery, cfg.TriggerEvery)
	assert.Equal(t, def.FoundationCount, cfg.FoundationCount)
	assert.Equal(t, def.FreshnessThreshold, cfg.FreshnessThreshold)
	assert.Equal(t, def.DependentsThreshold, cfg.DependentsThreshold)
}
