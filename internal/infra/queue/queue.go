package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/you-humble/fileflow/internal/domain"
)

// Publisher is the subset of JetStream the queue needs.
type Publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type queue struct {
	js         Publisher
	prefix     string
	partitions int
	deadline   time.Duration
	now        func() time.Time
}

func New(js Publisher, prefix string, partitions int, deadline time.Duration) *queue {
	return &queue{
		js:         js,
		prefix:     prefix,
		partitions: partitions,
		deadline:   deadline,
		now:        time.Now,
	}
}

// Partition maps a task to one of n partitions. Every message for a task
// lands on the same subject.
func Partition(taskID string, n int) int {
	return int(xxhash.Sum64String(taskID) % uint64(n))
}

func Subject(prefix string, partition int) string {
	return fmt.Sprintf("%s.%d", prefix, partition)
}

// Enqueue publishes one dispatch message for the task. The message ID is
// sent as Nats-Msg-Id so the stream drops publisher retries.
func (q *queue) Enqueue(ctx context.Context, taskID string) (domain.DispatchMessage, error) {
	if taskID == "" {
		return domain.DispatchMessage{}, fmt.Errorf("empty taskID")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.DispatchMessage{}, fmt.Errorf("message id: %w", err)
	}
	now := q.now().UTC()
	dm := domain.DispatchMessage{
		MessageID: id.String(),
		TaskID:    taskID,
		CreatedAt: now,
		Deadline:  now.Add(q.deadline),
	}

	data, err := json.Marshal(dm)
	if err != nil {
		return domain.DispatchMessage{}, fmt.Errorf("encode dispatch message: %w", err)
	}

	subject := Subject(q.prefix, Partition(taskID, q.partitions))
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}

	ack, err := q.js.PublishMsg(msg, nats.MsgId(dm.MessageID), nats.Context(ctx))
	if err != nil {
		return domain.DispatchMessage{}, fmt.Errorf("enqueue task %s: publish failed: %w", taskID, err)
	}

	slog.Debug(
		"task enqueued",
		slog.String("task_id", taskID),
		slog.String("message_id", dm.MessageID),
		slog.String("subject", subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate),
	)

	return dm, nil
}

// StreamConfig describes the dispatch stream covering every partition.
func StreamConfig(name, prefix string, duplicateWindow time.Duration) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       name,
		Subjects:   []string{prefix + ".*"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: duplicateWindow,
	}
}
