package distributor

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// Delivery is one received dispatch message.
type Delivery interface {
	Data() []byte
	NumDelivered() uint64
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
	InProgress() error
}

type Fetcher interface {
	Fetch(ctx context.Context) ([]Delivery, error)
}

type natsDelivery struct {
	msg *nats.Msg
}

func (d natsDelivery) Data() []byte { return d.msg.Data }

func (d natsDelivery) NumDelivered() uint64 {
	meta, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}

func (d natsDelivery) Ack() error                             { return d.msg.Ack() }
func (d natsDelivery) NakWithDelay(delay time.Duration) error { return d.msg.NakWithDelay(delay) }
func (d natsDelivery) Term() error                            { return d.msg.Term() }
func (d natsDelivery) InProgress() error                      { return d.msg.InProgress() }

type subscriptionFetcher struct {
	sub *nats.Subscription
}

func (f subscriptionFetcher) Fetch(ctx context.Context) ([]Delivery, error) {
	msgs, err := f.sub.Fetch(1, nats.Context(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, len(msgs))
	for i, m := range msgs {
		out[i] = natsDelivery{msg: m}
	}
	return out, nil
}
