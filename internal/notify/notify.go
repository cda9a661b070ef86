// Package notify delivers best-effort intervention notifications.
// Delivery failures are logged and never block the pause/resume path.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrThrottled is returned when a notification is dropped by rate limiting.
var ErrThrottled = errors.New("notification throttled")

// Notification is one message to a human or automation channel.
type Notification struct {
	ProjectID string    `json:"project_id"`
	SessionID string    `json:"session_id,omitempty"`
	PauseID   string    `json:"pause_id,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards all notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// NATSNotifier publishes notifications to a NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSNotifier connects to NATS and returns a notifier publishing to
// the given subject.
func NewNATSNotifier(url, subject string, logger *zap.Logger) (*NATSNotifier, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if subject == "" {
		return nil, errors.New("nats subject is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.Name("sessiond"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSNotifier{conn: conn, subject: subject, logger: logger}, nil
}

// Notify publishes the notification as JSON.
func (n *NATSNotifier) Notify(ctx context.Context, msg Notification) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if err := n.conn.Publish(n.subject, payload); err != nil {
		n.logger.Warn("failed to publish notification",
			zap.String("subject", n.subject),
			zap.String("project_id", msg.ProjectID),
			zap.Error(err),
		)
		return fmt.Errorf("publish notification: %w", err)
	}

	n.logger.Debug("published notification",
		zap.String("subject", n.subject),
		zap.String("project_id", msg.ProjectID),
		zap.String("pause_id", msg.PauseID),
	)
	return nil
}

// Close drains the NATS connection.
func (n *NATSNotifier) Close() {
	n.conn.Close()
}

// Throttled wraps a Notifier with a global rate limit. Notifications over
// the limit are dropped with ErrThrottled rather than queued; per-project
// minimum intervals are enforced separately by the intervention coordinator.
type Throttled struct {
	inner   Notifier
	limiter *rate.Limiter
}

// NewThrottled wraps inner, allowing at most limit notifications per
// second with the given burst.
func NewThrottled(inner Notifier, limit rate.Limit, burst int) *Throttled {
	return &Throttled{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Notify implements Notifier.
func (t *Throttled) Notify(ctx context.Context, n Notification) error {
	if !t.limiter.Allow() {
		return ErrThrottled
	}
	return t.inner.Notify(ctx, n)
}
