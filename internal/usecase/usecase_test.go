package usecase

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/fileflow/internal/domain"
	"github.com/you-humble/fileflow/internal/guard"
	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
	taskstore "github.com/you-humble/fileflow/internal/infra/store/task"
	"github.com/you-humble/fileflow/internal/plugin"
)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, taskID string) (domain.DispatchMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return domain.DispatchMessage{}, q.err
	}
	q.ids = append(q.ids, taskID)
	return domain.DispatchMessage{MessageID: uuid.NewString(), TaskID: taskID}, nil
}

type failedEvents struct {
	mu  sync.Mutex
	got []domain.FailedEvent
}

func (f *failedEvents) PublishFailed(_ context.Context, ev domain.FailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	uc     *usecase
	store  TaskStore
	files  filestore.Storage
	queue  *fakeQueue
	events *failedEvents
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &clock{now: time.Now()}
	store := taskstore.NewRedisTaskStore(rdb, taskstore.WithClock(clk.Now))

	cache, err := guard.NewTaskCache(time.Minute, time.Minute, 100)
	require.NoError(t, err)
	lookup := guard.NewLookup(guard.NewValidator(1000, 0.01), cache, store)

	files, err := filestore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	noop := func(name string) plugin.Plugin {
		return plugin.Func{PluginName: name, Fn: func(context.Context, plugin.Request) plugin.Result {
			return plugin.Succeeded(nil)
		}}
	}
	registry, err := plugin.NewRegistry(noop("hash"), noop("scan"), noop("thumbnail"))
	require.NoError(t, err)

	q := &fakeQueue{}
	ev := &failedEvents{}
	uc := New(time.Hour, store, lookup, files, q, registry, WithNotifier(ev), WithClock(clk.Now))
	return &fixture{uc: uc, store: store, files: files, queue: q, events: ev, clock: clk}
}

func chain(names ...string) []domain.CallbackStep {
	out := make([]domain.CallbackStep, len(names))
	for i, n := range names {
		out[i] = domain.CallbackStep{Name: n}
	}
	return out
}

func request(size int64, parts int) domain.FileRequest {
	return domain.FileRequest{
		Filename:    "report.txt",
		Size:        size,
		ContentType: "text/plain",
		TargetPath:  "uploads/report.txt",
		TotalParts:  parts,
	}
}

func (f *fixture) upload(t *testing.T, id string, chunks ...string) []domain.CompletedPart {
	t.Helper()
	parts := make([]domain.CompletedPart, 0, len(chunks))
	for i, c := range chunks {
		rec, err := f.uc.UploadPart(context.Background(), id, i+1, strings.NewReader(c), int64(len(c)))
		require.NoError(t, err)
		parts = append(parts, domain.CompletedPart{Number: rec.Number, Tag: rec.Tag})
	}
	return parts
}

func (f *fixture) status(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	v, err := f.uc.GetTaskInfo(context.Background(), id)
	require.NoError(t, err)
	return v.Summary().Status
}

func TestUploadLifecycleDispatchesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(8, 2), chain("hash", "scan", "thumbnail"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, sum.Status)
	assert.Equal(t, 3, sum.Steps)

	view, err := f.uc.GetTaskInfo(ctx, sum.ID)
	require.NoError(t, err)
	pending, ok := view.(domain.PendingView)
	require.True(t, ok)
	assert.Equal(t, 2, pending.TotalParts)

	parts := f.upload(t, sum.ID, "abcd")
	view, err = f.uc.GetTaskInfo(ctx, sum.ID)
	require.NoError(t, err)
	inProgress, ok := view.(domain.InProgressView)
	require.True(t, ok)
	assert.Equal(t, 1, inProgress.Progress.PartsReceived)
	assert.Equal(t, int64(4), inProgress.Progress.BytesReceived)

	rec, err := f.uc.UploadPart(ctx, sum.ID, 2, strings.NewReader("efgh"), 4)
	require.NoError(t, err)
	parts = append(parts, domain.CompletedPart{Number: 2, Tag: rec.Tag})

	done, err := f.uc.CompleteUpload(ctx, sum.ID, parts)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, done.Status)
	assert.Equal(t, []string{sum.ID}, f.queue.ids)

	view, err = f.uc.GetTaskInfo(ctx, sum.ID)
	require.NoError(t, err)
	processing, ok := view.(domain.ProcessingView)
	require.True(t, ok)
	assert.Zero(t, processing.CurrentCallbackIndex)

	rc, size, err := f.files.Download(ctx, "uploads/report.txt")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int64(8), size)

	_, err = f.uc.CompleteUpload(ctx, sum.ID, parts)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Len(t, f.queue.ids, 1)
}

func TestExpiredWhilePendingRejectsUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(4, 1), chain("hash"))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	_, err = f.uc.UploadPart(ctx, sum.ID, 1, strings.NewReader("abcd"), 4)
	assert.ErrorIs(t, err, domain.ErrTaskExpired)

	view, err := f.uc.GetTaskInfo(ctx, sum.ID)
	require.NoError(t, err)
	_, ok := view.(domain.ExpiredView)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusExpired, view.Summary().Status)

	_, err = f.uc.UploadPart(ctx, sum.ID, 1, strings.NewReader("abcd"), 4)
	assert.ErrorIs(t, err, domain.ErrTaskExpired)

	require.Len(t, f.events.got, 1)
	assert.Equal(t, domain.StatusExpired, f.events.got[0].FinalStatus)
}

func TestGetTaskInfoExpiresOverdueTask(t *testing.T) {
	f := newFixture(t)
	sum, err := f.uc.CreateTask(context.Background(), request(4, 1), chain())
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, domain.StatusExpired, f.status(t, sum.ID))
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.uc.CreateTask(ctx, domain.FileRequest{Filename: "a"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.uc.CreateTask(ctx, request(4, 1), chain("hash", "nope"))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.ErrorIs(t, err, domain.ErrUnknownPlugin)

	_, err = f.uc.CreateTask(ctx, request(4, 1), []domain.CallbackStep{{Name: ""}})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestNonContiguousPartsKeepTaskOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(6, 3), chain("hash"))
	require.NoError(t, err)
	parts := f.upload(t, sum.ID, "ab", "cd", "ef")

	_, err = f.uc.CompleteUpload(ctx, sum.ID, []domain.CompletedPart{parts[0], parts[2]})
	assert.ErrorIs(t, err, domain.ErrInvalidPart)
	assert.Equal(t, domain.StatusInProgress, f.status(t, sum.ID))

	_, err = f.uc.CompleteUpload(ctx, sum.ID, parts)
	require.NoError(t, err)
	assert.Len(t, f.queue.ids, 1)
}

func TestTagMismatchFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(4, 2), chain("hash"))
	require.NoError(t, err)
	parts := f.upload(t, sum.ID, "ab", "cd")
	parts[1].Tag = "0000"

	_, err = f.uc.CompleteUpload(ctx, sum.ID, parts)
	assert.ErrorIs(t, err, domain.ErrPartMismatch)

	view, err := f.uc.GetTaskInfo(ctx, sum.ID)
	require.NoError(t, err)
	failed, ok := view.(domain.FailedView)
	require.True(t, ok)
	assert.Contains(t, failed.Reason, "tag")
	assert.Equal(t, -1, failed.LastCallbackIndex)
	assert.Empty(t, f.queue.ids)
	require.Len(t, f.events.got, 1)
}

func TestSizeExceededFailsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(5, 2), chain("hash"))
	require.NoError(t, err)
	f.upload(t, sum.ID, "abc")

	_, err = f.uc.UploadPart(ctx, sum.ID, 2, strings.NewReader("def"), 3)
	assert.ErrorIs(t, err, domain.ErrSizeExceeded)
	assert.Equal(t, domain.StatusFailed, f.status(t, sum.ID))

	_, err = f.uc.UploadPart(ctx, sum.ID, 2, strings.NewReader("d"), 1)
	assert.ErrorIs(t, err, domain.ErrUploadClosed)
}

func TestPartNumberBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(4, 2), chain())
	require.NoError(t, err)

	_, err = f.uc.UploadPart(ctx, sum.ID, 0, strings.NewReader("a"), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidPart)
	_, err = f.uc.UploadPart(ctx, sum.ID, 3, strings.NewReader("a"), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidPart)
	assert.Equal(t, domain.StatusPending, f.status(t, sum.ID))
}

func TestResubmittedPartOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(4, 2), chain())
	require.NoError(t, err)
	f.upload(t, sum.ID, "xx")
	parts := f.upload(t, sum.ID, "ab", "cd")

	view, err := f.uc.GetTaskInfo(ctx, sum.ID)
	require.NoError(t, err)
	assert.Len(t, view.(domain.InProgressView).Progress.Parts, 2)

	_, err = f.uc.CompleteUpload(ctx, sum.ID, parts)
	require.NoError(t, err)
}

func TestAbortTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(4, 1), chain())
	require.NoError(t, err)

	require.NoError(t, f.uc.AbortTask(ctx, sum.ID))
	assert.Equal(t, domain.StatusAborted, f.status(t, sum.ID))

	err = f.uc.AbortTask(ctx, sum.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.uc.UploadPart(ctx, sum.ID, 1, strings.NewReader("abcd"), 4)
	assert.ErrorIs(t, err, domain.ErrUploadClosed)
}

func TestAbortRejectedWhileProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(2, 1), chain("hash"))
	require.NoError(t, err)
	_, err = f.uc.CompleteUpload(ctx, sum.ID, f.upload(t, sum.ID, "ab"))
	require.NoError(t, err)

	err = f.uc.AbortTask(ctx, sum.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusProcessing, f.status(t, sum.ID))
}

func TestCompletePendingTask(t *testing.T) {
	f := newFixture(t)
	sum, err := f.uc.CreateTask(context.Background(), request(2, 1), chain())
	require.NoError(t, err)

	_, err = f.uc.CompleteUpload(context.Background(), sum.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPart)
}

func TestRequeueTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(2, 1), chain("hash"))
	require.NoError(t, err)

	_, err = f.uc.RequeueTask(ctx, sum.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.uc.CompleteUpload(ctx, sum.ID, f.upload(t, sum.ID, "ab"))
	require.NoError(t, err)

	dm, err := f.uc.RequeueTask(ctx, sum.ID)
	require.NoError(t, err)
	assert.Equal(t, sum.ID, dm.TaskID)
	assert.Equal(t, []string{sum.ID, sum.ID}, f.queue.ids)
}

func TestUnknownAndMalformedIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.uc.GetTaskInfo(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrInvalidTaskID)

	_, err = f.uc.GetTaskInfo(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	err = f.uc.AbortTask(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestResultFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(8, 2), chain("hash"))
	require.NoError(t, err)

	_, err = f.uc.ResultFile(ctx, sum.ID)
	require.ErrorIs(t, err, domain.ErrTaskNotReady)

	parts := f.upload(t, sum.ID, "abcd", "efgh")
	_, err = f.uc.CompleteUpload(ctx, sum.ID, parts)
	require.NoError(t, err)

	_, err = f.uc.ResultFile(ctx, sum.ID)
	require.ErrorIs(t, err, domain.ErrTaskNotReady)

	require.NoError(t, f.store.Transition(ctx, sum.ID,
		[]domain.TaskStatus{domain.StatusProcessing}, domain.StatusCompleted, nil))
	f.uc.lookup.Changed(sum.ID)

	res, err := f.uc.ResultFile(ctx, sum.ID)
	require.NoError(t, err)
	defer res.Content.Close()

	data, err := io.ReadAll(res.Content)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(data))
	assert.Equal(t, "report.txt", res.Filename)
	assert.Equal(t, "text/plain", res.ContentType)
}

func TestResultFileOfAbortedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.uc.CreateTask(ctx, request(8, 1), chain("hash"))
	require.NoError(t, err)
	require.NoError(t, f.uc.AbortTask(ctx, sum.ID))

	_, err = f.uc.ResultFile(ctx, sum.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}
