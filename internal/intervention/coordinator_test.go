package intervention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sessiond/internal/checkpoint"
	"github.com/fyrsmithlabs/sessiond/internal/notify"
	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/session"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

type recordingNotifier struct {
	sent []notify.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

type noWorkUnits struct{}

func (noWorkUnits) HasWorkUnits(context.Context, string) (bool, error) { return false, nil }

func newTestCoordinator(t *testing.T) (*Coordinator, *session.Manager, *recordingNotifier) {
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

	notifier := &recordingNotifier{}
	coord, err := NewCoordinator(&Config{
		MinNotificationInterval: time.Hour,
	}, db, executor, sessions, notifier, nil)
	require.NoError(t, err)

	return coord, sessions, notifier
}

func startSession(t *testing.T, sessions *session.Manager, projectID string) *session.Session {
	t.Helper()

	sess, err := sessions.Start(context.Background(), session.StartRequest{
		ProjectID: projectID,
		Kind:      session.KindPlanning,
	})
	require.NoError(t, err)
	return sess
}

func TestPause_TransitionsSessionAndNotifies(t *testing.T) {
	coord, sessions, notifier := newTestCoordinator(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "proj-1")

	p, err := coord.Pause(ctx, PauseRequest{
		SessionID:   sess.ID,
		Reason:      "retry budget exhausted",
		Type:        PauseRetryLimit,
		CurrentTask: "epic-3",
		RetryStats:  RetryStats{Attempts: 5, MaxAttempts: 5, LastError: "database is locked"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.False(t, p.Resolved)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, got.Status)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "proj-1", notifier.sent[0].ProjectID)
	assert.Equal(t, p.ID, notifier.sent[0].PauseID)

	actions, err := coord.Actions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionNotificationSent, actions[0].Type)
	assert.Equal(t, ActionSuccess, actions[0].Status)
}

func TestPause_SecondUnresolvedPauseRejected(t *testing.T) {
	coord, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "proj-1")

	_, err := coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "first blocker",
		Type:      PauseCriticalError,
	})
	require.NoError(t, err)

	_, err = coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "second blocker",
		Type:      PauseManual,
	})
	require.ErrorIs(t, err, ErrAlreadyPaused)
}

func TestPause_InvalidType(t *testing.T) {
	coord, sessions, _ := newTestCoordinator(t)

	sess := startSession(t, sessions, "proj-1")

	_, err := coord.Pause(context.Background(), PauseRequest{
		SessionID: sess.ID,
		Reason:    "blocker",
		Type:      PauseType("snooze"),
	})
	require.Error(t, err)
}

func TestPause_RequiresPausableSession(t *testing.T) {
	coord, sessions, notifier := newTestCoordinator(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "proj-1")
	_, err := sessions.ReportCompletion(ctx, sess.ID, session.OutcomeCompleted, session.Metrics{}, "")
	require.NoError(t, err)

	_, err = coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "too late",
		Type:      PauseManual,
	})
	require.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.Empty(t, notifier.sent)
}

func TestResume_ResolvesAtomically(t *testing.T) {
	coord, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "proj-1")

	p, err := coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "blocker",
		Type:      PauseCriticalError,
	})
	require.NoError(t, err)

	resumed, err := coord.Resume(ctx, p.ID, "operator@example.com", "bumped the schema")
	require.NoError(t, err)
	assert.True(t, resumed)

	got, err := coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, "operator@example.com", got.ResolvedBy)
	assert.Equal(t, "bumped the schema", got.ResolutionNotes)
	require.NotNil(t, got.ResolvedAt)

	state, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusResumed, state.Status)

	actions, err := coord.Actions(ctx, p.ID)
	require.NoError(t, err)
	var resumedActions int
	for _, a := range actions {
		if a.Type == ActionResumed {
			resumedActions++
		}
	}
	assert.Equal(t, 1, resumedActions)
}

func TestResume_IdempotentOnResolvedPause(t *testing.T) {
	coord, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "proj-1")

	p, err := coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "blocker",
		Type:      PauseManual,
	})
	require.NoError(t, err)

	first, err := coord.Resume(ctx, p.ID, "operator", "")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := coord.Resume(ctx, p.ID, "someone-else", "")
	require.NoError(t, err)
	assert.False(t, second, "second resume must be a no-op")

	got, err := coord.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "operator", got.ResolvedBy, "second resume must not overwrite the resolver")

	actions, err := coord.Actions(ctx, p.ID)
	require.NoError(t, err)
	var resumedActions int
	for _, a := range actions {
		if a.Type == ActionResumed {
			resumedActions++
		}
	}
	assert.Equal(t, 1, resumedActions, "no duplicate resumed action")
}

func TestResume_UnknownPause(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.Resume(context.Background(), "no-such-pause", "operator", "")
	require.ErrorIs(t, err, ErrPauseNotFound)
}

func TestResume_RequiresActor(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.Resume(context.Background(), "any", "", "")
	require.Error(t, err)
}

func TestNotification_SkippedInsideMinInterval(t *testing.T) {
	coord, sessions, notifier := newTestCoordinator(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "proj-1")

	p1, err := coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "first blocker",
		Type:      PauseRetryLimit,
	})
	require.NoError(t, err)
	require.Len(t, notifier.sent, 1)

	_, err = coord.Resume(ctx, p1.ID, "operator", "")
	require.NoError(t, err)
	require.NoError(t, sessions.Transition(ctx, sess.ID, session.StatusRunning, nil))

	p2, err := coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "second blocker",
		Type:      PauseRetryLimit,
	})
	require.NoError(t, err)

	assert.Len(t, notifier.sent, 1, "second notification suppressed by min interval")

	actions, err := coord.Actions(ctx, p2.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionNotificationSent, actions[0].Type)
	assert.Contains(t, actions[0].Detail, "skipped")
}

func TestNotification_FailureRecordedNotFatal(t *testing.T) {
	coord, sessions, notifier := newTestCoordinator(t)
	ctx := context.Background()

	notifier.err = errors.New("broker unavailable")

	sess := startSession(t, sessions, "proj-1")

	p, err := coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "blocker",
		Type:      PauseCriticalError,
	})
	require.NoError(t, err, "pause succeeds even when delivery fails")

	actions, err := coord.Actions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionNotificationSent, actions[0].Type)
	assert.Equal(t, ActionFailed, actions[0].Status)
}

func TestUnresolvedForSession(t *testing.T) {
	coord, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "proj-1")

	none, err := coord.UnresolvedForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	p, err := coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "blocker",
		Type:      PauseManual,
	})
	require.NoError(t, err)

	open, err := coord.UnresolvedForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, p.ID, open.ID)

	_, err = coord.Resume(ctx, p.ID, "operator", "")
	require.NoError(t, err)

	closed, err := coord.UnresolvedForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, closed)
}

func TestRecordAction(t *testing.T) {
	coord, sessions, _ := newTestCoordinator(t)
	ctx := context.Background()

	sess := startSession(t, sessions, "proj-1")

	p, err := coord.Pause(ctx, PauseRequest{
		SessionID: sess.ID,
		Reason:    "blocker",
		Type:      PauseCriticalError,
	})
	require.NoError(t, err)

	a, err := coord.RecordAction(ctx, p.ID, ActionManualFix, ActionPending, "investigating stack trace")
	require.NoError(t, err)

	actions, err := coord.Actions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, a.ID, actions[1].ID)
	assert.Equal(t, ActionManualFix, actions[1].Type)
	assert.Equal(t, ActionPending, actions[1].Status)
}
