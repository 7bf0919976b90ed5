package guard

import (
	"time"

	"github.com/zeromicro/go-zero/core/collection"

	"github.com/you-humble/fileflow/internal/domain"
)

type CacheResult int

const (
	CacheMiss CacheResult = iota
	CacheHit
	// CacheAbsent means the store recently confirmed the task does not exist.
	CacheAbsent
)

type absentMarker struct{}

// TaskCache memoizes task reads. Absent markers live for their own, usually
// shorter, TTL so repeated lookups of unknown ids stay off the store.
type TaskCache struct {
	entries   *collection.Cache
	absentTTL time.Duration
}

func NewTaskCache(ttl, absentTTL time.Duration, limit int) (*TaskCache, error) {
	opts := []collection.CacheOption{collection.WithName("fileflow-tasks")}
	if limit > 0 {
		opts = append(opts, collection.WithLimit(limit))
	}

	c, err := collection.NewCache(ttl, opts...)
	if err != nil {
		return nil, err
	}
	if absentTTL <= 0 {
		absentTTL = ttl
	}
	return &TaskCache{entries: c, absentTTL: absentTTL}, nil
}

func (c *TaskCache) Get(id string) (domain.Task, CacheResult) {
	v, ok := c.entries.Get(id)
	if !ok {
		return domain.Task{}, CacheMiss
	}
	switch t := v.(type) {
	case domain.Task:
		return t, CacheHit
	case absentMarker:
		return domain.Task{}, CacheAbsent
	default:
		return domain.Task{}, CacheMiss
	}
}

func (c *TaskCache) Put(t domain.Task) {
	c.entries.Set(t.ID, t)
}

func (c *TaskCache) MarkAbsent(id string) {
	c.entries.SetWithExpire(id, absentMarker{}, c.absentTTL)
}

// Evict drops whatever is cached for id, including an absent marker.
func (c *TaskCache) Evict(id string) {
	c.entries.Del(id)
}
