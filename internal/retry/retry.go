// Package retry wraps operations prone to transient failure with
// classification, exponential backoff, and jitter. Persistence calls are
// the primary consumer.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/sessiond/internal/retry"

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 5
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 100ms
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	// Default: 5s
	MaxDelay time.Duration

	// JitterFraction randomizes each delay by ±fraction. 0 disables jitter.
	// Default: 0.2
	JitterFraction float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    5,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaults.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = defaults.JitterFraction
	}
}

// ExhaustedError is returned when all attempts failed on transient errors.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor retries operations that fail transiently.
// It is safe for concurrent use; nested executors count attempts for their
// own operation names only, so wrapping does not double-count.
type Executor struct {
	config *Config
	logger *zap.Logger

	retryCounter metric.Int64Counter
}

// NewExecutor creates a retry executor.
func NewExecutor(cfg *Config, logger *zap.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		config: cfg,
		logger: logger,
	}

	meter := otel.Meter(instrumentationName)
	counter, err := meter.Int64Counter(
		"sessiond.retry.attempts_total",
		metric.WithDescription("Total retry attempts per operation"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		logger.Warn("failed to create retry counter", zap.Error(err))
	}
	e.retryCounter = counter

	return e
}

// Do runs fn, retrying on transient errors with exponential backoff.
// Permanent errors and context cancellation return immediately. When all
// attempts are exhausted the final error is returned wrapped in an
// ExhaustedError carrying the attempt count.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	startTime := time.Now()

	for attempt := 0; attempt < e.config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Info("operation recovered after retries",
					zap.String("op", op),
					zap.Int("attempts", attempt+1),
					zap.Duration("total_time", time.Since(startTime)),
				)
			}
			return nil
		}

		lastErr = err

		if Classify(err) != ClassTransient {
			e.logger.Debug("error is not retryable",
				zap.String("op", op),
				zap.Error(err),
			)
			return err
		}

		// Last attempt, stop here.
		if attempt == e.config.MaxAttempts-1 {
			break
		}

		if e.retryCounter != nil {
			e.retryCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("op", op),
			))
		}

		delay := e.delayFor(attempt)
		e.logger.Info("retrying after transient error",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", e.config.MaxAttempts),
			zap.Error(err),
			zap.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation %s canceled: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}

	e.logger.Warn("operation failed after all retries exhausted",
		zap.String("op", op),
		zap.Int("total_attempts", e.config.MaxAttempts),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr),
	)

	return &ExhaustedError{Op: op, Attempts: e.config.MaxAttempts, Err: lastErr}
}

// delayFor computes the backoff delay for the given zero-based attempt:
// min(base * 2^attempt, max), randomized by ±JitterFraction.
func (e *Executor) delayFor(attempt int) time.Duration {
	delay := e.config.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= e.config.MaxDelay {
			delay = e.config.MaxDelay
			break
		}
	}

	if e.config.JitterFraction > 0 {
		jitter := 1 + e.config.JitterFraction*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * jitter)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// permanentError marks an error as non-retryable regardless of its cause.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the executor never retries it. Useful inside an
// operation that detects a non-retryable condition mid-flight.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
