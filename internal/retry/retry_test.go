package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(maxAttempts int) *Executor {
	return NewExecutor(&Config{
		MaxAttempts:    maxAttempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		JitterFraction: 0.1,
	}, nil)
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	e := newTestExecutor(3)

	calls := 0
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	e := newTestExecutor(5)

	// Fails exactly k times then succeeds: invoked exactly k+1 times.
	const k = 3
	calls := 0
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls <= k {
			return driver.ErrBadConn
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, k+1, calls)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	e := newTestExecutor(5)

	boom := errors.New("constraint violated")
	calls := 0
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentMarkerStopsRetries(t *testing.T) {
	e := newTestExecutor(5)

	calls := 0
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		// Transient cause, explicitly marked permanent.
		return Permanent(driver.ErrBadConn)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustionReturnsAttemptCount(t *testing.T) {
	e := newTestExecutor(3)

	calls := 0
	err := e.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return driver.ErrBadConn
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "op", exhausted.Op)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, driver.ErrBadConn)
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	e := NewExecutor(&Config{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, "op", func(ctx context.Context) error {
			calls++
			return driver.ErrBadConn
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("executor did not observe cancellation")
	}
}

func TestDelayFor_NonDecreasingUpToMax(t *testing.T) {
	e := NewExecutor(&Config{
		MaxAttempts: 8,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
	}, nil)
	e.config.JitterFraction = 0 // deterministic schedule

	var prev time.Duration
	for attempt := 0; attempt < 8; attempt++ {
		d := e.delayFor(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, e.delayFor(7))
}

func TestDelayFor_JitterStaysNearSchedule(t *testing.T) {
	e := NewExecutor(&Config{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       time.Second,
		JitterFraction: 0.2,
	}, nil)

	for i := 0; i < 50; i++ {
		d := e.delayFor(0)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassPermanent},
		{"bad conn", driver.ErrBadConn, ClassTransient},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, ClassTransient},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, ClassTransient},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, ClassPermanent},
		{"context canceled", context.Canceled, ClassPermanent},
		{"deadline exceeded", context.DeadlineExceeded, ClassPermanent},
		{"conn reset", syscall.ECONNRESET, ClassTransient},
		{"locked text", errors.New("database is locked"), ClassTransient},
		{"deadlock text", errors.New("deadlock detected"), ClassTransient},
		{"plain error", errors.New("no such table"), ClassPermanent},
		{"marked permanent", Permanent(driver.ErrBadConn), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 0.2, cfg.JitterFraction)
}
