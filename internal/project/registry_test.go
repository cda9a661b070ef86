package project

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sessiond/internal/retry"
	"github.com/fyrsmithlabs/sessiond/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	executor := retry.NewExecutor(&retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, nil)

	reg, err := NewRegistry(db, executor, nil)
	require.NoError(t, err)
	return reg
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	u, err := reg.Register(ctx, RegisterRequest{
		ProjectID:  "proj-1",
		Name:       "auth layer",
		Dependents: 3,
		Critical:   true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.False(t, u.Completed)

	got, err := reg.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "auth layer", got.Name)
	assert.True(t, got.Critical)
}

func TestRegister_DuplicateID(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, RegisterRequest{ID: "unit-1", ProjectID: "proj-1"})
	require.NoError(t, err)

	_, err = reg.Register(ctx, RegisterRequest{ID: "unit-1", ProjectID: "proj-1"})
	require.Error(t, err)
}

func TestRegister_RequiresProject(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Register(context.Background(), RegisterRequest{})
	require.Error(t, err)
}

func TestComplete(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	u, err := reg.Register(ctx, RegisterRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	done, err := reg.Complete(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	require.NotNil(t, done.CompletedAt)

	// Idempotent: completing again keeps the original timestamp.
	again, err := reg.Complete(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, done.CompletedAt.Unix(), again.CompletedAt.Unix())
}

func TestComplete_UnknownUnit(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Complete(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnitNotFound)
}

func TestHasWorkUnits(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	has, err := reg.HasWorkUnits(ctx, "proj-1")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = reg.Register(ctx, RegisterRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	has, err = reg.HasWorkUnits(ctx, "proj-1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = reg.HasWorkUnits(ctx, "proj-2")
	require.NoError(t, err)
	assert.False(t, has, "registration is per project")
}

func TestCompletedCount(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	count, err := reg.CompletedCount(ctx, "proj-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	first, err := reg.Register(ctx, RegisterRequest{ProjectID: "proj-1"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, RegisterRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	_, err = reg.Complete(ctx, first.ID)
	require.NoError(t, err)

	count, err = reg.CompletedCount(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only completed units count")
}

func TestCompletedEpics(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, RegisterRequest{ProjectID: "proj-1", Dependents: 2})
	require.NoError(t, err)
	second, err := reg.Register(ctx, RegisterRequest{ProjectID: "proj-1", Critical: true})
	require.NoError(t, err)
	_, err = reg.Register(ctx, RegisterRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	_, err = reg.Complete(ctx, first.ID)
	require.NoError(t, err)
	_, err = reg.Complete(ctx, second.ID)
	require.NoError(t, err)

	epics, err := reg.CompletedEpics(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, epics, 2, "incomplete units are not epics yet")
	assert.Equal(t, first.ID, epics[0].ID)
	assert.Equal(t, 2, epics[0].Dependents)
	assert.True(t, epics[1].Critical)
}

func TestListByProject(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, RegisterRequest{ID: "a", ProjectID: "proj-1"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, RegisterRequest{ID: "b", ProjectID: "proj-1"})
	require.NoError(t, err)

	units, err := reg.ListByProject(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "a", units[0].ID)
}
