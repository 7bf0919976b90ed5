package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/fileflow/internal/domain"
	"github.com/you-humble/fileflow/internal/infra/config"
	"github.com/you-humble/fileflow/internal/infra/notify"
	taskstore "github.com/you-humble/fileflow/internal/infra/store/task"
	"github.com/you-humble/fileflow/internal/plugin"
)

type recordingNotifier struct {
	mu        sync.Mutex
	completed []domain.CompletedEvent
	failed    []domain.FailedEvent
	err       error
}

func (n *recordingNotifier) PublishCompleted(_ context.Context, ev domain.CompletedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.completed = append(n.completed, ev)
	return nil
}

func (n *recordingNotifier) PublishFailed(_ context.Context, ev domain.FailedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.failed = append(n.failed, ev)
	return nil
}

type evictions struct {
	n atomic.Int32
}

func (e *evictions) Changed(string) { e.n.Add(1) }

type testStore interface {
	TaskStore
	Create(ctx context.Context, t domain.Task) error
}

type env struct {
	store    testStore
	notifier *recordingNotifier
	workRoot string
	sleeps   []time.Duration
	changes  *evictions
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return &env{
		store:    taskstore.NewRedisTaskStore(rdb),
		notifier: &recordingNotifier{},
		workRoot: t.TempDir(),
		changes:  &evictions{},
	}
}

func (e *env) runner(t *testing.T, cfg config.Runner, plugins ...plugin.Plugin) *Runner {
	t.Helper()
	registry, err := plugin.NewRegistry(plugins...)
	require.NoError(t, err)

	return New(e.store, registry, e.notifier, e.workRoot, cfg,
		slog.New(slog.DiscardHandler),
		WithChangeListener(e.changes),
		withSleep(func(_ context.Context, d time.Duration) error {
			e.sleeps = append(e.sleeps, d)
			return nil
		}),
	)
}

func (e *env) processingTask(t *testing.T, index int, steps ...domain.CallbackStep) domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.FileRequest{
		Filename:    "a.txt",
		Size:        10,
		ContentType: "text/plain",
		TargetPath:  "in/a.txt",
		TotalParts:  1,
	}, steps, time.Now(), time.Hour)
	require.NoError(t, err)
	task.Status = domain.StatusProcessing
	task.CurrentCallbackIndex = index
	require.NoError(t, e.store.Create(context.Background(), task))
	return task
}

func defaultCfg() config.Runner {
	return config.Runner{
		MaxRetriesPerCallback: 3,
		Backoff:               100 * time.Millisecond,
		Multiplier:            2,
		MaxBackoff:            time.Second,
		StepTimeout:           time.Second,
	}
}

// counting returns a plugin that records its invocations and emits one
// output key named after itself.
func counting(name string, calls *atomic.Int32) plugin.Plugin {
	return plugin.Func{PluginName: name, Fn: func(context.Context, plugin.Request) plugin.Result {
		calls.Add(1)
		return plugin.Succeeded(map[string]string{name + ".done": "yes"})
	}}
}

func steps(names ...string) []domain.CallbackStep {
	out := make([]domain.CallbackStep, len(names))
	for i, n := range names {
		out[i] = domain.CallbackStep{Name: n}
	}
	return out
}

func TestRunRetriesThenCompletes(t *testing.T) {
	e := newEnv(t)
	var first, third, attempts atomic.Int32
	flaky := plugin.Func{PluginName: "flaky", Fn: func(context.Context, plugin.Request) plugin.Result {
		if attempts.Add(1) <= 2 {
			return plugin.Failed(true, "temporarily unavailable")
		}
		return plugin.Succeeded(map[string]string{"flaky.done": "yes"})
	}}
	r := e.runner(t, defaultCfg(), counting("first", &first), flaky, counting("third", &third))
	task := e.processingTask(t, 0, steps("first", "flaky", "third")...)

	out, err := r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(1), third.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, e.sleeps)

	got, err := e.store.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentCallbackIndex)
	assert.Equal(t, map[string]string{"first.done": "yes", "flaky.done": "yes", "third.done": "yes"}, got.PluginOutputs)

	require.Len(t, e.notifier.completed, 1)
	ev := e.notifier.completed[0]
	assert.Equal(t, task.ID, ev.TaskID)
	assert.Equal(t, "in/a.txt", ev.StoragePath)
	assert.Len(t, ev.PluginOutputs, 3)
	assert.Positive(t, e.changes.n.Load())
}

// eventConn behaves like nats.Conn on flush: a context without a deadline
// is refused.
type eventConn struct {
	mu       sync.Mutex
	subjects []string
}

func (c *eventConn) Publish(subject string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

func (c *eventConn) FlushWithContext(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return nats.ErrNoDeadlineContext
	}
	return nil
}

func TestRunTerminalEventsUnderWorkerContext(t *testing.T) {
	e := newEnv(t)
	conn := &eventConn{}
	var a atomic.Int32
	broken := plugin.Func{PluginName: "broken", Fn: func(context.Context, plugin.Request) plugin.Result {
		return plugin.Failed(false, "unsupported format")
	}}
	registry, err := plugin.NewRegistry(counting("a", &a), broken)
	require.NoError(t, err)
	r := New(e.store, registry, notify.New(conn, "fileflow.events"), e.workRoot, defaultCfg(),
		slog.New(slog.DiscardHandler))

	// the worker runs under a signal context, which has no deadline
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := e.processingTask(t, 0, steps("a")...)
	out, err := r.Run(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)

	failed := e.processingTask(t, 0, steps("a", "broken")...)
	out, err = r.Run(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)

	// a redelivery of a committed task republishes without error
	out, err = r.Run(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)

	assert.Equal(t, []string{
		"fileflow.events.completed",
		"fileflow.events.failed",
		"fileflow.events.completed",
	}, conn.subjects)
}

func TestRunNonRetryableFailure(t *testing.T) {
	e := newEnv(t)
	var a, b, c atomic.Int32
	broken := plugin.Func{PluginName: "broken", Fn: func(context.Context, plugin.Request) plugin.Result {
		c.Add(1)
		return plugin.Failed(false, "unsupported format")
	}}
	r := e.runner(t, defaultCfg(), counting("a", &a), counting("b", &b), broken)
	task := e.processingTask(t, 0, steps("a", "b", "broken")...)

	out, err := r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Equal(t, int32(1), c.Load())
	assert.Empty(t, e.sleeps)

	got, err := e.store.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 2, got.FailedCallbackIndex)
	assert.Equal(t, 2, got.CurrentCallbackIndex)
	assert.Contains(t, got.FailureReason, "unsupported format")

	require.Len(t, e.notifier.failed, 1)
	assert.Equal(t, 2, e.notifier.failed[0].LastCallbackIndex)
	assert.Equal(t, domain.StatusFailed, e.notifier.failed[0].FinalStatus)
	assert.Empty(t, e.notifier.completed)
}

func TestRunExhaustedRetriesFail(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	down := plugin.Func{PluginName: "down", Fn: func(context.Context, plugin.Request) plugin.Result {
		calls.Add(1)
		return plugin.Failed(true, "still down")
	}}
	cfg := defaultCfg()
	cfg.MaxRetriesPerCallback = 2
	cfg.MaxBackoff = 150 * time.Millisecond
	r := e.runner(t, cfg, down)
	task := e.processingTask(t, 0, steps("down")...)

	out, err := r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, e.sleeps)

	got, err := e.store.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "after 3 attempts")
}

func TestRunResumesAtCheckpoint(t *testing.T) {
	e := newEnv(t)
	var first, second, third atomic.Int32
	r := e.runner(t, defaultCfg(), counting("first", &first), counting("second", &second), counting("third", &third))
	task := e.processingTask(t, 1, steps("first", "second", "third")...)

	out, err := r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Equal(t, int32(1), third.Load())
}

func TestRunTimeoutLeavesCheckpointForNextNode(t *testing.T) {
	e := newEnv(t)
	var first, second atomic.Int32
	hang := plugin.Func{PluginName: "second", Fn: func(ctx context.Context, _ plugin.Request) plugin.Result {
		second.Add(1)
		<-ctx.Done()
		return plugin.Failed(true, "cancelled")
	}}
	cfg := defaultCfg()
	cfg.StepTimeout = 50 * time.Millisecond
	crashing := e.runner(t, cfg, counting("first", &first), hang)
	task := e.processingTask(t, 0, steps("first", "second")...)

	out, err := crashing.Run(context.Background(), task.ID)
	assert.ErrorIs(t, err, domain.ErrStepTimeout)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Equal(t, int32(1), second.Load(), "timeouts are not retried locally")

	got, err := e.store.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.CurrentCallbackIndex)

	var healthy atomic.Int32
	other := e.runner(t, defaultCfg(), counting("first", &first), counting("second", &healthy))
	out, err = other.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), healthy.Load())
}

func TestRunResolvesParamsFromEarlierOutputs(t *testing.T) {
	e := newEnv(t)
	var seen string
	producer := plugin.Func{PluginName: "producer", Fn: func(context.Context, plugin.Request) plugin.Result {
		return plugin.Succeeded(map[string]string{"producer.key": "v1"})
	}}
	consumer := plugin.Func{PluginName: "consumer", Fn: func(_ context.Context, req plugin.Request) plugin.Result {
		seen = req.Params["from"]
		return plugin.Succeeded(nil)
	}}
	r := e.runner(t, defaultCfg(), producer, consumer)
	task := e.processingTask(t, 0,
		domain.CallbackStep{Name: "producer"},
		domain.CallbackStep{Name: "consumer", Params: map[string]string{"from": "${outputs.producer.key}/${task.id}"}},
	)

	_, err := r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1/"+task.ID, seen)
}

func TestRunUnresolvedParamFails(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	r := e.runner(t, defaultCfg(), counting("consumer", &calls))
	task := e.processingTask(t, 0,
		domain.CallbackStep{Name: "consumer", Params: map[string]string{"from": "${outputs.missing}"}},
	)

	out, err := r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Zero(t, calls.Load())
}

func TestRunRemovesWorkDir(t *testing.T) {
	e := newEnv(t)
	var dir string
	writer := plugin.Func{PluginName: "writer", Fn: func(_ context.Context, req plugin.Request) plugin.Result {
		dir = req.WorkDir
		if err := os.WriteFile(filepath.Join(req.WorkDir, "tmp.bin"), []byte("x"), 0o644); err != nil {
			return plugin.Failed(false, "%v", err)
		}
		return plugin.Failed(false, "done with scratch")
	}}
	r := e.runner(t, defaultCfg(), writer)
	task := e.processingTask(t, 0, steps("writer")...)

	_, err := r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, dir)
	_, err = os.Stat(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRunSkipsTasksOutsideProcessing(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	r := e.runner(t, defaultCfg(), counting("a", &calls))

	out, err := r.Run(context.Background(), "0190a8f0-0000-7000-8000-000000000000")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	task := e.processingTask(t, 0, steps("a")...)
	require.NoError(t, e.store.Transition(context.Background(), task.ID,
		[]domain.TaskStatus{domain.StatusProcessing}, domain.StatusExpired, nil))

	out, err = r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Zero(t, calls.Load())
}

func TestRunRepublishesForCommittedTask(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	r := e.runner(t, defaultCfg(), counting("a", &calls))
	task := e.processingTask(t, 0, steps("a")...)

	e.notifier.err = errors.New("broker down")
	out, err := r.Run(context.Background(), task.ID)
	require.Error(t, err)
	assert.Equal(t, OutcomeCompleted, out)

	e.notifier.err = nil
	out, err = r.Run(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, e.notifier.completed, 1)
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	e := newEnv(t)
	flaky := plugin.Func{PluginName: "flaky", Fn: func(context.Context, plugin.Request) plugin.Result {
		return plugin.Failed(true, "again")
	}}
	registry, err := plugin.NewRegistry(flaky)
	require.NoError(t, err)
	cfg := defaultCfg()
	cfg.Backoff = time.Hour
	cfg.MaxBackoff = time.Hour
	r := New(e.store, registry, e.notifier, e.workRoot, cfg, slog.New(slog.DiscardHandler))
	task := e.processingTask(t, 0, steps("flaky")...)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, task.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := e.store.Task(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
}

func TestBackoffCapped(t *testing.T) {
	r := &Runner{cfg: config.Runner{Backoff: time.Second, Multiplier: 3, MaxBackoff: 5 * time.Second}}
	b := r.backoff()
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 3*time.Second, b.NextBackOff())
	assert.Equal(t, 5*time.Second, b.NextBackOff())
	assert.Equal(t, 5*time.Second, b.NextBackOff())
}

func TestBackoffUncapped(t *testing.T) {
	r := &Runner{cfg: config.Runner{Backoff: 100 * time.Millisecond, Multiplier: 2}}
	b := r.backoff()
	for _, want := range []time.Duration{100, 200, 400, 800, 1600} {
		assert.Equal(t, want*time.Millisecond, b.NextBackOff())
	}
}
