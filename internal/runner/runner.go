// Package runner executes the callback chain of a PROCESSING task.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/you-humble/fileflow/internal/domain"
	"github.com/you-humble/fileflow/internal/infra/config"
	taskstore "github.com/you-humble/fileflow/internal/infra/store/task"
	"github.com/you-humble/fileflow/internal/plugin"
	"github.com/you-humble/fileflow/internal/plugin/builtin"
)

type TaskStore interface {
	Task(ctx context.Context, id string) (domain.Task, error)
	Transition(ctx context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus, fields map[string]any) error
	Checkpoint(ctx context.Context, cp taskstore.Checkpoint) error
}

type Notifier interface {
	PublishCompleted(ctx context.Context, ev domain.CompletedEvent) error
	PublishFailed(ctx context.Context, ev domain.FailedEvent) error
}

// ChangeListener is told about every task write, the guard cache uses it
// for eviction.
type ChangeListener interface {
	Changed(id string)
}

type Outcome int

const (
	// OutcomeSkipped means there was nothing to run: the task is gone or
	// not in a state the chain runs in.
	OutcomeSkipped Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

type Runner struct {
	store    TaskStore
	registry *plugin.Registry
	notifier Notifier
	changes  ChangeListener
	workRoot string
	cfg      config.Runner
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Runner)

func WithChangeListener(l ChangeListener) Option {
	return func(r *Runner) { r.changes = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// New builds a runner. Scratch space for a task lives at
// <workRoot>/<task id> while its chain runs.
func New(
	store TaskStore,
	registry *plugin.Registry,
	notifier Notifier,
	workRoot string,
	cfg config.Runner,
	logger *slog.Logger,
	opts ...Option,
) *Runner {
	r := &Runner{
		store:    store,
		registry: registry,
		notifier: notifier,
		workRoot: workRoot,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes the remaining steps of the task, starting at the persisted
// callback index. A nil error means the outcome is final and the dispatch
// message can be acknowledged. ErrStepTimeout, ErrStaleCheckpoint and
// infrastructure errors ask for redelivery.
func (r *Runner) Run(ctx context.Context, taskID string) (Outcome, error) {
	log := r.logger.With(slog.String("task_id", taskID))

	t, err := r.store.Task(ctx, taskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		log.Warn("dispatch for unknown task")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("load task: %w", err)
	}

	switch t.Status {
	case domain.StatusProcessing:
	case domain.StatusCompleted:
		// An earlier delivery committed but was not acknowledged, the
		// notification may be missing.
		return OutcomeCompleted, r.notifier.PublishCompleted(ctx, domain.NewCompletedEvent(t))
	case domain.StatusFailed:
		return OutcomeFailed, r.notifier.PublishFailed(ctx, domain.NewFailedEvent(t))
	default:
		log.Info("task not processing, skipped", slog.String("status", string(t.Status)))
		return OutcomeSkipped, nil
	}

	workDir := filepath.Join(r.workRoot, t.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return OutcomeSkipped, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("remove work dir", slog.String("dir", workDir), slog.Any("err", err))
		}
	}()

	if t.CurrentCallbackIndex > 0 {
		log.Info("resuming chain", slog.Int("index", t.CurrentCallbackIndex))
	}

	info := plugin.NewTaskInfo(t)
	outputs := maps.Clone(t.PluginOutputs)
	if outputs == nil {
		outputs = map[string]string{}
	}
	derived := slices.Clone(t.DerivedFiles)

	for i := t.CurrentCallbackIndex; i < len(t.CallbackChain); i++ {
		step := t.CallbackChain[i]
		stepLog := log.With(slog.Int("index", i), slog.String("step", step.Name))

		res, stepErr, err := r.runStep(ctx, info, step, i, outputs, workDir, stepLog)
		if err != nil {
			return OutcomeSkipped, err
		}
		if stepErr != nil {
			return r.fail(ctx, t, stepErr)
		}

		maps.Copy(outputs, res.Outputs)
		derived = append(derived, res.DerivedFiles...)

		err = r.store.Checkpoint(ctx, taskstore.Checkpoint{
			TaskID:        t.ID,
			ExpectedIndex: i,
			PluginOutputs: outputs,
			DerivedFiles:  derived,
			NewlyDerived:  res.DerivedFiles,
			SourceKey:     currentPath(info, outputs),
		})
		r.changed(t.ID)
		if errors.Is(err, domain.ErrInvalidTransition) {
			stepLog.Info("task left PROCESSING during chain", slog.Any("err", err))
			return OutcomeSkipped, nil
		}
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("checkpoint %d: %w", i, err)
		}
		stepLog.Debug("step checkpointed")
	}

	return r.complete(ctx, t, outputs, derived)
}

// runStep resolves parameters and executes one step with local retries.
// A non-nil StepError ends the chain as FAILED; a non-nil error leaves the
// task untouched for redelivery.
func (r *Runner) runStep(
	ctx context.Context,
	info plugin.TaskInfo,
	step domain.CallbackStep,
	index int,
	outputs map[string]string,
	workDir string,
	log *slog.Logger,
) (plugin.Result, *domain.StepError, error) {
	p, err := r.registry.Lookup(step.Name)
	if err != nil {
		return plugin.Result{}, &domain.StepError{Index: index, Step: step.Name, Message: err.Error(), Attempts: 0}, nil
	}

	info.StoragePath = currentPath(info, outputs)
	params, err := plugin.ResolveParams(step.Params, info, outputs)
	if err != nil {
		return plugin.Result{}, &domain.StepError{Index: index, Step: step.Name, Message: err.Error(), Attempts: 0}, nil
	}

	req := plugin.Request{
		Task:    info,
		Step:    step.Name,
		Index:   index,
		Params:  params,
		Outputs: maps.Clone(outputs),
		WorkDir: workDir,
	}

	maxAttempts := r.cfg.MaxRetriesPerCallback + 1
	delays := r.backoff()
	for attempt := 1; ; attempt++ {
		res, err := r.invoke(ctx, p, req)
		if err != nil {
			return plugin.Result{}, nil, err
		}
		if res.Err == nil {
			return res, nil, nil
		}

		if !res.Err.Retryable || attempt >= maxAttempts {
			log.Warn("step failed",
				slog.Int("attempt", attempt),
				slog.Bool("retryable", res.Err.Retryable),
				slog.String("reason", res.Err.Message),
			)
			return plugin.Result{}, &domain.StepError{
				Index:     index,
				Step:      step.Name,
				Message:   res.Err.Message,
				Retryable: res.Err.Retryable,
				Attempts:  attempt,
			}, nil
		}

		delay := delays.NextBackOff()
		log.Info("step failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("reason", res.Err.Message),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return plugin.Result{}, nil, err
		}
	}
}

// invoke runs the plugin under the step timeout. On timeout it stops
// waiting; the plugin goroutine sees a cancelled context and is left to
// finish on its own.
func (r *Runner) invoke(ctx context.Context, p plugin.Plugin, req plugin.Request) (plugin.Result, error) {
	stepCtx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
	defer cancel()

	done := make(chan plugin.Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- plugin.Failed(false, "plugin panicked: %v", rec)
			}
		}()
		done <- p.Execute(stepCtx, req)
	}()

	select {
	case res := <-done:
		return res, nil
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return plugin.Result{}, ctx.Err()
		}
		return plugin.Result{}, fmt.Errorf("callback %d (%s) after %s: %w",
			req.Index, req.Step, r.cfg.StepTimeout, domain.ErrStepTimeout)
	}
}

// backoff yields backoff*multiplier^(n-1) before retry n, capped at
// max_backoff.
func (r *Runner) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = r.cfg.Multiplier
	b.MaxInterval = r.cfg.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = math.MaxInt64
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *Runner) fail(ctx context.Context, t domain.Task, stepErr *domain.StepError) (Outcome, error) {
	now := r.now()
	err := r.store.Transition(ctx, t.ID,
		[]domain.TaskStatus{domain.StatusProcessing}, domain.StatusFailed,
		map[string]any{
			"failure_reason":        stepErr.Error(),
			"failed_callback_index": stepErr.Index,
			"completed_at":          now.UnixNano(),
		})
	r.changed(t.ID)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("mark failed: %w", err)
	}

	r.logger.Warn("task failed",
		slog.String("task_id", t.ID),
		slog.Int("index", stepErr.Index),
		slog.String("reason", stepErr.Error()),
	)

	t.Status = domain.StatusFailed
	t.FailureReason = stepErr.Error()
	t.FailedCallbackIndex = stepErr.Index
	t.CompletedAt = now
	if err := r.notifier.PublishFailed(ctx, domain.NewFailedEvent(t)); err != nil {
		return OutcomeFailed, fmt.Errorf("publish failed: %w", err)
	}
	return OutcomeFailed, nil
}

func (r *Runner) complete(
	ctx context.Context,
	t domain.Task,
	outputs map[string]string,
	derived []domain.DerivedFile,
) (Outcome, error) {
	now := r.now()
	t.StoragePath = currentPath(plugin.NewTaskInfo(t), outputs)
	if h := outputs[builtin.OutputContentHash]; h != "" {
		t.ContentHash = h
	}

	err := r.store.Transition(ctx, t.ID,
		[]domain.TaskStatus{domain.StatusProcessing}, domain.StatusCompleted,
		map[string]any{
			"storage_path": t.StoragePath,
			"content_hash": t.ContentHash,
			"completed_at": now.UnixNano(),
		})
	r.changed(t.ID)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("mark completed: %w", err)
	}

	t.Status = domain.StatusCompleted
	t.PluginOutputs = outputs
	t.DerivedFiles = derived
	t.CompletedAt = now
	r.logger.Info("task completed", slog.String("task_id", t.ID), slog.Int("steps", len(t.CallbackChain)))

	if err := r.notifier.PublishCompleted(ctx, domain.NewCompletedEvent(t)); err != nil {
		return OutcomeCompleted, fmt.Errorf("publish completed: %w", err)
	}
	return OutcomeCompleted, nil
}

func (r *Runner) changed(id string) {
	if r.changes != nil {
		r.changes.Changed(id)
	}
}

// currentPath follows moves made by earlier steps.
func currentPath(info plugin.TaskInfo, outputs map[string]string) string {
	if p := outputs[builtin.OutputStoragePath]; p != "" {
		return p
	}
	return info.StoragePath
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
