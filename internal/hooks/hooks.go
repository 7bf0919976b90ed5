// Package hooks delivers post-commit side effects off the runner's path.
package hooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/you-humble/fileflow/internal/domain"
)

type Publisher interface {
	PublishDerivedFilesAdded(ctx context.Context, ev domain.DerivedFilesEvent) error
}

type Job struct {
	Event   domain.DerivedFilesEvent
	Retries int
}

// Relay is a bounded worker pool announcing derived files. Enqueue never
// blocks; a full queue drops the job with an error log.
type Relay struct {
	publisher Publisher

	queue      chan Job
	workerNum  int
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRelay(publisher Publisher, queueSize, workerNum, maxRetries int) *Relay {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		publisher:  publisher,
		queue:      make(chan Job, queueSize),
		workerNum:  workerNum,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(r.workerNum)
	for range r.workerNum {
		go r.worker()
	}
}

// Stop closes the queue and waits for workers until ctx is done.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	case <-doneCh:
	}

	r.cancel()
	slog.Info("hooks: stopped")
	return nil
}

// OnDerived matches taskstore.PostCommitHook.
func (r *Relay) OnDerived(taskID, sourceKey string, derived []domain.DerivedFile) {
	ok := r.Enqueue(Job{Event: domain.DerivedFilesEvent{
		TaskID:       taskID,
		SourceKey:    sourceKey,
		DerivedFiles: derived,
	}})
	if !ok {
		slog.Error("hooks: derived files dropped",
			slog.String("task_id", taskID),
			slog.Int("files", len(derived)),
		)
	}
}

func (r *Relay) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Relay) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.handleJob(r.ctx, job)
		}
	}
}

func (r *Relay) handleJob(ctx context.Context, job Job) {
	l := slog.With(
		slog.String("task_id", job.Event.TaskID),
		slog.Int("retries", job.Retries),
	)

	err := r.publisher.PublishDerivedFilesAdded(ctx, job.Event)
	if err == nil {
		l.Debug("hooks: derived files announced", slog.Int("files", len(job.Event.DerivedFiles)))
		return
	}

	if job.Retries >= r.maxRetries {
		l.Error("hooks: announce failed, max retries exceeded", slog.String("error", err.Error()))
		return
	}

	job.Retries++
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		l.Error("hooks: announce failed during shutdown", slog.String("error", err.Error()))
		return
	}
	select {
	case r.queue <- job:
		l.Warn("hooks: announce failed, job requeued",
			slog.String("error", err.Error()),
			slog.Int("next_retry", job.Retries),
		)
	default:
		l.Error("hooks: announce failed and queue is full, dropping job",
			slog.String("error", err.Error()),
		)
	}
}
