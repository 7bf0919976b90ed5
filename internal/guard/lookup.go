package guard

import (
	"context"
	"errors"

	"github.com/you-humble/fileflow/internal/domain"
)

type TaskReader interface {
	Task(ctx context.Context, id string) (domain.Task, error)
}

// Lookup reads tasks through the validator and the cache before reaching
// the store.
type Lookup struct {
	validator *Validator
	cache     *TaskCache
	store     TaskReader
}

func NewLookup(v *Validator, c *TaskCache, store TaskReader) *Lookup {
	return &Lookup{validator: v, cache: c, store: store}
}

func (l *Lookup) Task(ctx context.Context, id string) (domain.Task, error) {
	ok, err := l.validator.MightExist(id)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	switch t, res := l.cache.Get(id); res {
	case CacheHit:
		return t, nil
	case CacheAbsent:
		return domain.Task{}, domain.ErrTaskNotFound
	}

	t, err := l.store.Task(ctx, id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		l.cache.MarkAbsent(id)
		return domain.Task{}, err
	}
	if err != nil {
		return domain.Task{}, err
	}

	l.cache.Put(t)
	return t, nil
}

// Fresh bypasses the cache, for callers that are about to mutate the task.
func (l *Lookup) Fresh(ctx context.Context, id string) (domain.Task, error) {
	if ok, err := l.validator.MightExist(id); err != nil || !ok {
		if err == nil {
			err = domain.ErrTaskNotFound
		}
		return domain.Task{}, err
	}

	t, err := l.store.Task(ctx, id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		l.cache.MarkAbsent(id)
	}
	return t, err
}

// Created registers a new id and drops any stale absent marker for it.
func (l *Lookup) Created(id string) {
	l.validator.Register(id)
	l.cache.Evict(id)
}

// Changed must be called after every write to the task.
func (l *Lookup) Changed(id string) {
	l.cache.Evict(id)
}
