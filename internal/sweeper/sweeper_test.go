package sweeper

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/fileflow/internal/domain"
	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
	taskstore "github.com/you-humble/fileflow/internal/infra/store/task"
	"github.com/you-humble/fileflow/internal/upload"
)

type evicted struct {
	mu  sync.Mutex
	ids []string
}

func (e *evicted) Changed(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
}

type events struct {
	mu  sync.Mutex
	got []domain.FailedEvent
}

func (e *events) PublishFailed(_ context.Context, ev domain.FailedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

func TestSweepExpiresAndReleasesSessions(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := taskstore.NewRedisTaskStore(rdb)

	files, err := filestore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	start := time.Now()
	session, err := upload.Begin(ctx, files, "in/a.bin", "")
	require.NoError(t, err)
	_, err = session.UploadPart(ctx, 1, strings.NewReader("ab"), 2)
	require.NoError(t, err)

	overdue, err := domain.NewTask(domain.FileRequest{
		Filename: "a.bin", Size: 4, TargetPath: "in/a.bin", TotalParts: 2,
	}, nil, start, time.Minute)
	require.NoError(t, err)
	overdue.UploadSessionID = session.ID()
	require.NoError(t, store.Create(ctx, overdue))

	fresh, err := domain.NewTask(domain.FileRequest{
		Filename: "b.bin", Size: 4, TargetPath: "in/b.bin", TotalParts: 1,
	}, nil, start, 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, fresh))

	ev := &events{}
	changes := &evicted{}
	s := New(store, files, changes, ev)
	s.now = func() time.Time { return start.Add(time.Hour) }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{overdue.ID}, changes.ids)

	got, err := store.Task(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)

	got, err = store.Task(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = files.ListParts(ctx, "in/a.bin", session.ID())
	assert.Error(t, err, "multipart session released")

	require.Len(t, ev.got, 1)
	assert.Equal(t, domain.StatusExpired, ev.got[0].FinalStatus)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(nil, nil, nil, nil)
	assert.Error(t, s.Start(context.Background(), "every now and then"))
	s.Stop()
}
