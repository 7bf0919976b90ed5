package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/fileflow/internal/domain"

	"github.com/redis/go-redis/v9"
)

// PostCommitHook receives files derived by a callback step once the
// checkpoint carrying them is durable. It must not block.
type PostCommitHook func(taskID, sourceKey string, derived []domain.DerivedFile)

// Checkpoint advances a PROCESSING task past step ExpectedIndex.
type Checkpoint struct {
	TaskID        string
	ExpectedIndex int
	PluginOutputs map[string]string
	DerivedFiles  []domain.DerivedFile
	// NewlyDerived is the subset of DerivedFiles produced by this step,
	// derived from the object at SourceKey.
	NewlyDerived []domain.DerivedFile
	SourceKey    string
}

type redisTaskStore struct {
	rdb       redis.Cmdable
	now       func() time.Time
	onDerived PostCommitHook
}

type Option func(*redisTaskStore)

func WithPostCommitHook(h PostCommitHook) Option {
	return func(s *redisTaskStore) { s.onDerived = h }
}

func WithClock(now func() time.Time) Option {
	return func(s *redisTaskStore) { s.now = now }
}

func NewRedisTaskStore(rdb redis.Cmdable, opts ...Option) *redisTaskStore {
	s := &redisTaskStore{rdb: rdb, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *redisTaskStore) Create(ctx context.Context, t domain.Task) error {
	fields, err := encodeTask(t)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), fields)
	pipe.ZAdd(ctx, byExpiryKey(), redis.Z{
		Score:  float64(t.ExpiresAt.Unix()),
		Member: t.ID,
	})
	pipe.SAdd(ctx, allTasksKey(), t.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline Create: %w", err)
	}
	return nil
}

func (s *redisTaskStore) Task(ctx context.Context, id string) (domain.Task, error) {
	res, err := s.rdb.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return domain.Task{}, fmt.Errorf("redis HGetAll: %w", err)
	}
	if len(res) == 0 {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	return decodeTask(id, res)
}

// Transition moves the task to `to` when its current status is one of from.
// Extra fields are written in the same atomic step.
func (s *redisTaskStore) Transition(
	ctx context.Context,
	id string,
	from []domain.TaskStatus,
	to domain.TaskStatus,
	fields map[string]any,
) error {
	src := make([]string, len(from))
	for i, f := range from {
		src[i] = string(f)
	}

	removeFromIndex := "0"
	if to.Terminal() {
		removeFromIndex = "1"
	}

	args := []any{string(to), s.now().UnixNano(), strings.Join(src, ","), removeFromIndex, id}
	for k, v := range fields {
		args = append(args, k, v)
	}

	res, err := transitionScript.Run(ctx, s.rdb, []string{taskKey(id), byExpiryKey()}, args...).Text()
	if err != nil {
		return fmt.Errorf("redis transition %s: %w", to, err)
	}
	return scriptResult(id, to, res)
}

// RecordPart stores or replaces one part record. The first part moves a
// PENDING task to IN_PROGRESS.
func (s *redisTaskStore) RecordPart(ctx context.Context, id string, p domain.PartRecord) error {
	rec, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode part: %w", err)
	}

	res, err := recordPartScript.Run(ctx, s.rdb,
		[]string{taskKey(id), partsKey(id), partSizesKey(id)},
		strconv.Itoa(p.Number), rec, p.Size, s.now().UnixNano(),
	).Text()
	if err != nil {
		return fmt.Errorf("redis record part: %w", err)
	}
	return scriptResult(id, domain.StatusInProgress, res)
}

func (s *redisTaskStore) Parts(ctx context.Context, id string) ([]domain.PartRecord, error) {
	res, err := s.rdb.HGetAll(ctx, partsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGetAll parts: %w", err)
	}

	parts := make([]domain.PartRecord, 0, len(res))
	for _, raw := range res {
		var p domain.PartRecord
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode part: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// Checkpoint persists the outputs of step cp.ExpectedIndex and advances the
// callback index by one. It fails with ErrStaleCheckpoint when another
// worker already moved the index.
func (s *redisTaskStore) Checkpoint(ctx context.Context, cp Checkpoint) error {
	outputs, err := json.Marshal(cp.PluginOutputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	derived, err := json.Marshal(nonNil(cp.DerivedFiles))
	if err != nil {
		return fmt.Errorf("encode derived files: %w", err)
	}

	res, err := checkpointScript.Run(ctx, s.rdb, []string{taskKey(cp.TaskID)},
		cp.ExpectedIndex, outputs, derived, s.now().UnixNano(),
	).Text()
	if err != nil {
		return fmt.Errorf("redis checkpoint: %w", err)
	}
	if err := scriptResult(cp.TaskID, domain.StatusProcessing, res); err != nil {
		return err
	}

	if s.onDerived != nil && len(cp.NewlyDerived) > 0 {
		s.onDerived(cp.TaskID, cp.SourceKey, cp.NewlyDerived)
	}
	return nil
}

// ExpireDue marks every non-terminal task whose deadline passed as EXPIRED
// and returns them as they were before the transition.
func (s *redisTaskStore) ExpireDue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, byExpiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRangeByScore: %w", err)
	}

	var expired []domain.Task
	for _, id := range ids {
		t, err := s.Task(ctx, id)
		if errors.Is(err, domain.ErrTaskNotFound) {
			_ = s.rdb.ZRem(ctx, byExpiryKey(), id).Err()
			continue
		}
		if err != nil {
			return expired, err
		}
		if !t.Expired(now) {
			if t.Status.Terminal() {
				_ = s.rdb.ZRem(ctx, byExpiryKey(), id).Err()
			}
			continue
		}

		err = s.Transition(ctx, id, domain.SourcesOf(domain.StatusExpired), domain.StatusExpired, map[string]any{
			"failure_reason": "task expired",
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			slog.Warn("expire task", slog.String("task_id", id), slog.String("error", err.Error()))
			continue
		}
		expired = append(expired, t)
	}

	return expired, nil
}

// IDs streams every known task id, used to seed the existence validator.
func (s *redisTaskStore) IDs(ctx context.Context, fn func(id string)) error {
	iter := s.rdb.SScan(ctx, allTasksKey(), 0, "", 1000).Iterator()
	for iter.Next(ctx) {
		fn(iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis SScan: %w", err)
	}
	return nil
}

func scriptResult(id string, to domain.TaskStatus, res string) error {
	if res == "ok" {
		return nil
	}

	reason, detail, _ := strings.Cut(strings.TrimPrefix(res, "!"), ":")
	switch reason {
	case "missing":
		return domain.ErrTaskNotFound
	case "conflict":
		return &domain.TransitionError{TaskID: id, From: domain.TaskStatus(detail), To: to}
	case "stale":
		return fmt.Errorf("task %s at index %s: %w", id, detail, domain.ErrStaleCheckpoint)
	case "expired":
		return domain.ErrTaskExpired
	case "size":
		return fmt.Errorf("task %s received %s bytes: %w", id, detail, domain.ErrSizeExceeded)
	default:
		return fmt.Errorf("task %s: unexpected script result %q", id, res)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
