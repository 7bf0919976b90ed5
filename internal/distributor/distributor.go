package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/you-humble/fileflow/internal/domain"
	"github.com/you-humble/fileflow/internal/infra/config"
	"github.com/you-humble/fileflow/internal/infra/queue"
	"github.com/you-humble/fileflow/internal/runner"
)

type Runner interface {
	Run(ctx context.Context, taskID string) (runner.Outcome, error)
}

type Idempotency interface {
	Processed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID, taskID string) (bool, error)
}

type DeadLetters interface {
	Put(ctx context.Context, rec domain.DeadLetterRecord) error
}

type natsDistributor struct {
	js          nats.JetStreamContext
	cfg         config.NATS
	nodeID      string
	runner      Runner
	idempotency Idempotency
	deadLetters DeadLetters
	now         func() time.Time

	wg   sync.WaitGroup
	mu   sync.Mutex
	subs []*nats.Subscription
}

func New(
	js nats.JetStreamContext,
	cfg config.NATS,
	nodeID string,
	runner Runner,
	idempotency Idempotency,
	deadLetters DeadLetters,
) *natsDistributor {
	return &natsDistributor{
		js:          js,
		cfg:         cfg,
		nodeID:      nodeID,
		runner:      runner,
		idempotency: idempotency,
		deadLetters: deadLetters,
		now:         time.Now,
	}
}

// Partitions lists the partitions this node consumes: the configured
// subset, or all of them.
func Partitions(cfg config.NATS) []int {
	if len(cfg.Consumers) > 0 {
		return slices.Clone(cfg.Consumers)
	}
	all := make([]int, cfg.Partitions)
	for i := range all {
		all[i] = i
	}
	return all
}

func consumerName(partition int) string {
	return fmt.Sprintf("fileflow-dispatch-p%d", partition)
}

// Run binds one durable pull consumer per partition and starts a worker on
// each. MaxAckPending 1 keeps a partition on a single message at a time
// across every node bound to it.
func (d *natsDistributor) Run(ctx context.Context) error {
	for _, p := range Partitions(d.cfg) {
		subject := queue.Subject(d.cfg.SubjectPrefix, p)
		name := consumerName(p)

		_, err := d.js.AddConsumer(d.cfg.Stream, &nats.ConsumerConfig{
			Durable:       name,
			AckPolicy:     nats.AckExplicitPolicy,
			FilterSubject: subject,
			MaxAckPending: 1,
			AckWait:       d.cfg.AckWait,
			MaxDeliver:    d.cfg.MaxDeliver + 1,
		})
		if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			return fmt.Errorf("JetStream AddConsumer %s: %w", name, err)
		}

		sub, err := d.js.PullSubscribe(subject, name, nats.Bind(d.cfg.Stream, name))
		if err != nil {
			return fmt.Errorf("JetStream PullSubscribe %s: %w", name, err)
		}
		d.mu.Lock()
		d.subs = append(d.subs, sub)
		d.mu.Unlock()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.consume(ctx, subscriptionFetcher{sub: sub}, p)
		}()
	}

	slog.Info("NATS distributor is running",
		slog.Any("partitions", Partitions(d.cfg)),
		slog.String("stream", d.cfg.Stream),
	)
	return nil
}

// Stop waits for in-flight messages once ctx is done and drains the
// subscriptions.
func (d *natsDistributor) Stop() {
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		if err := sub.Drain(); err != nil {
			slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
		}
	}
	slog.Info("NATS distributor stopped")
}

func (d *natsDistributor) consume(ctx context.Context, f Fetcher, partition int) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", slog.Int("partition", partition))
			return
		default:
		}

		msgs, err := f.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			slog.Warn("NATS Fetch", slog.Int("partition", partition), slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			d.handle(ctx, msg)
		}
	}
}

// handle runs one delivery to an acknowledgement decision: ack after a
// final outcome, nak for redelivery, or dead-letter and term once the
// delivery budget is spent.
func (d *natsDistributor) handle(ctx context.Context, msg Delivery) {
	var dm domain.DispatchMessage
	if err := json.Unmarshal(msg.Data(), &dm); err != nil || dm.TaskID == "" || dm.MessageID == "" {
		slog.Error("malformed dispatch message, terminated", slog.Any("err", err))
		_ = msg.Term()
		return
	}
	log := slog.With(slog.String("task_id", dm.TaskID), slog.String("message_id", dm.MessageID))

	done, err := d.idempotency.Processed(ctx, dm.MessageID)
	if err != nil {
		d.retry(ctx, msg, dm, fmt.Errorf("idempotency check: %w", err))
		return
	}
	if done {
		log.Debug("message already processed")
		d.ack(msg, log)
		return
	}

	if !dm.Deadline.IsZero() && d.now().After(dm.Deadline) {
		log.Warn("dispatch past its deadline", slog.Time("deadline", dm.Deadline))
	}

	stop := d.heartbeat(ctx, msg)
	outcome, err := d.runner.Run(ctx, dm.TaskID)
	stop()

	if err != nil {
		if ctx.Err() != nil {
			_ = msg.NakWithDelay(0)
			return
		}
		d.retry(ctx, msg, dm, err)
		return
	}

	if _, err := d.idempotency.MarkProcessed(ctx, dm.MessageID, dm.TaskID); err != nil {
		log.Warn("mark processed", slog.String("error", err.Error()))
	}
	log.Info("dispatch handled", slog.String("outcome", outcome.String()))
	d.ack(msg, log)
}

func (d *natsDistributor) retry(ctx context.Context, msg Delivery, dm domain.DispatchMessage, cause error) {
	log := slog.With(
		slog.String("task_id", dm.TaskID),
		slog.String("message_id", dm.MessageID),
		slog.Uint64("delivery", msg.NumDelivered()),
		slog.String("error", cause.Error()),
	)

	if msg.NumDelivered() < uint64(d.cfg.MaxDeliver) {
		log.Warn("dispatch not handled, redelivering")
		if err := msg.NakWithDelay(d.cfg.NakDelay); err != nil {
			log.Warn("NATS Nak", slog.String("nak_error", err.Error()))
		}
		return
	}

	rec := domain.DeadLetterRecord{
		TaskID:    dm.TaskID,
		MessageID: dm.MessageID,
		Reason:    cause.Error(),
		FailedAt:  d.now().UTC(),
		NodeID:    d.nodeID,
	}
	if err := d.deadLetters.Put(ctx, rec); err != nil {
		log.Error("write dead letter", slog.String("dlq_error", err.Error()))
		_ = msg.NakWithDelay(d.cfg.NakDelay)
		return
	}

	log.Error("dispatch dead-lettered")
	if err := msg.Term(); err != nil {
		log.Warn("NATS Term", slog.String("term_error", err.Error()))
	}
}

func (d *natsDistributor) ack(msg Delivery, log *slog.Logger) {
	if err := msg.Ack(); err != nil {
		log.Warn("NATS Ack", slog.String("error", err.Error()))
	}
}

// heartbeat keeps the message from being redelivered while the chain runs.
func (d *natsDistributor) heartbeat(ctx context.Context, msg Delivery) func() {
	interval := d.cfg.AckWait / 2
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = msg.InProgress()
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
