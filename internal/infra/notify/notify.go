// Package notify publishes task lifecycle events to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/you-humble/fileflow/internal/domain"
)

const (
	eventCompleted    = "completed"
	eventFailed       = "failed"
	eventDerivedAdded = "derived_files_added"
)

// Conn is satisfied by *nats.Conn.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

const defaultFlushTimeout = 5 * time.Second

type notifier struct {
	nc           Conn
	prefix       string
	flushTimeout time.Duration
}

type Option func(*notifier)

// WithFlushTimeout bounds the broker round trip when the caller's context
// carries no deadline.
func WithFlushTimeout(d time.Duration) Option {
	return func(n *notifier) {
		if d > 0 {
			n.flushTimeout = d
		}
	}
}

func New(nc Conn, prefix string, opts ...Option) *notifier {
	n := &notifier{nc: nc, prefix: prefix, flushTimeout: defaultFlushTimeout}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *notifier) PublishCompleted(ctx context.Context, ev domain.CompletedEvent) error {
	return n.publish(ctx, eventCompleted, ev.TaskID, ev)
}

func (n *notifier) PublishFailed(ctx context.Context, ev domain.FailedEvent) error {
	return n.publish(ctx, eventFailed, ev.TaskID, ev)
}

func (n *notifier) PublishDerivedFilesAdded(ctx context.Context, ev domain.DerivedFilesEvent) error {
	return n.publish(ctx, eventDerivedAdded, ev.TaskID, ev)
}

func (n *notifier) publish(ctx context.Context, event, taskID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	subject := n.prefix + "." + event
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	// the broker has the event once the flush returns; nats requires a
	// deadline on the flush context
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.flushTimeout)
		defer cancel()
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}

	slog.Debug("event published", slog.String("subject", subject), slog.String("task_id", taskID))
	return nil
}
