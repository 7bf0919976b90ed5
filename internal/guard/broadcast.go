package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSBroadcaster shares validator registrations between nodes over a core
// NATS subject.
type NATSBroadcaster struct {
	nc      *nats.Conn
	subject string
}

func NewNATSBroadcaster(nc *nats.Conn, subject string) *NATSBroadcaster {
	return &NATSBroadcaster{nc: nc, subject: subject}
}

func (b *NATSBroadcaster) BroadcastRegistration(id string) {
	if err := b.nc.Publish(b.subject, []byte(id)); err != nil {
		slog.Warn("broadcast task registration",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Follow applies registrations from peers to v until the subscription is
// drained.
func (b *NATSBroadcaster) Follow(v *Validator) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		v.Apply(string(m.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	return sub, nil
}

type IDSource interface {
	IDs(ctx context.Context, fn func(id string)) error
}

// Seed loads every persisted id into v.
func Seed(ctx context.Context, v *Validator, src IDSource) (int, error) {
	n := 0
	err := src.IDs(ctx, func(id string) {
		v.Apply(id)
		n++
	})
	return n, err
}
