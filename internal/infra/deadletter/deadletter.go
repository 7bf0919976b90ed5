// Package deadletter keeps dispatch messages that ran out of deliveries.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/you-humble/fileflow/internal/domain"
)

const listKey = "fileflow:deadletter"

// Announcer is satisfied by *nats.Conn.
type Announcer interface {
	Publish(subject string, data []byte) error
}

type store struct {
	rdb      redis.Cmdable
	announce Announcer
	subject  string
}

// New stores records in a Redis list. When announce is not nil every record
// is also published on subject for operators.
func New(rdb redis.Cmdable, announce Announcer, subject string) *store {
	return &store{rdb: rdb, announce: announce, subject: subject}
}

func (s *store) Put(ctx context.Context, rec domain.DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	if err := s.rdb.LPush(ctx, listKey, data).Err(); err != nil {
		return fmt.Errorf("redis LPush: %w", err)
	}

	if s.announce != nil {
		if err := s.announce.Publish(s.subject, data); err != nil {
			slog.Warn("announce dead letter",
				slog.String("task_id", rec.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// List returns up to limit records, newest first. A limit <= 0 returns all.
func (s *store) List(ctx context.Context, limit int64) ([]domain.DeadLetterRecord, error) {
	raw, err := s.raw(ctx, limit)
	if err != nil {
		return nil, err
	}

	recs := make([]domain.DeadLetterRecord, 0, len(raw))
	for _, r := range raw {
		rec, err := decode(r)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Remove drops every record of the task, used once it was requeued.
func (s *store) Remove(ctx context.Context, taskID string) (int, error) {
	raw, err := s.raw(ctx, 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, r := range raw {
		rec, err := decode(r)
		if err != nil || rec.TaskID != taskID {
			continue
		}
		n, err := s.rdb.LRem(ctx, listKey, 1, r).Result()
		if err != nil {
			return removed, fmt.Errorf("redis LRem: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *store) raw(ctx context.Context, limit int64) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	raw, err := s.rdb.LRange(ctx, listKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRange: %w", err)
	}
	return raw, nil
}

func decode(raw string) (domain.DeadLetterRecord, error) {
	var rec domain.DeadLetterRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, fmt.Errorf("decode dead letter: %w", err)
	}
	return rec, nil
}
