// Package idempotency remembers which dispatch messages were fully handled.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fileflow:processed:"

type store struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func New(rdb redis.Cmdable, ttl time.Duration) *store {
	return &store{rdb: rdb, ttl: ttl}
}

func (s *store) Processed(ctx context.Context, messageID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("redis Exists: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records the message for the configured TTL. It reports
// false when the message was already marked.
func (s *store) MarkProcessed(ctx context.Context, messageID, taskID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyPrefix+messageID, taskID, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX: %w", err)
	}
	return ok, nil
}
