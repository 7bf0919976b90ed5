package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/you-humble/fileflow/internal/domain"
	filestore "github.com/you-humble/fileflow/internal/infra/store/file"
	"github.com/you-humble/fileflow/internal/upload"
)

type TaskStore interface {
	Create(ctx context.Context, t domain.Task) error
	Transition(ctx context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus, fields map[string]any) error
	RecordPart(ctx context.Context, id string, p domain.PartRecord) error
	Parts(ctx context.Context, id string) ([]domain.PartRecord, error)
}

// TaskLookup reads tasks through the existence validator and cache.
type TaskLookup interface {
	Task(ctx context.Context, id string) (domain.Task, error)
	Fresh(ctx context.Context, id string) (domain.Task, error)
	Created(id string)
	Changed(id string)
}

type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string) (domain.DispatchMessage, error)
}

type ChainValidator interface {
	Validate(chain []domain.CallbackStep) error
}

type Notifier interface {
	PublishFailed(ctx context.Context, ev domain.FailedEvent) error
}

type DeadLetters interface {
	Remove(ctx context.Context, taskID string) (int, error)
}

type usecase struct {
	taskTTL     time.Duration
	taskStore   TaskStore
	lookup      TaskLookup
	fileStore   filestore.Storage
	queue       TaskQueue
	chains      ChainValidator
	notifier    Notifier
	deadLetters DeadLetters
	validate    *validator.Validate
	now         func() time.Time
}

type Option func(*usecase)

func WithNotifier(n Notifier) Option {
	return func(uc *usecase) { uc.notifier = n }
}

func WithDeadLetters(d DeadLetters) Option {
	return func(uc *usecase) { uc.deadLetters = d }
}

func WithClock(now func() time.Time) Option {
	return func(uc *usecase) { uc.now = now }
}

func New(
	taskTTL time.Duration,
	taskStore TaskStore,
	lookup TaskLookup,
	fileStore filestore.Storage,
	queue TaskQueue,
	chains ChainValidator,
	opts ...Option,
) *usecase {
	uc := &usecase{
		taskTTL:   taskTTL,
		taskStore: taskStore,
		lookup:    lookup,
		fileStore: fileStore,
		queue:     queue,
		chains:    chains,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
	for _, o := range opts {
		o(uc)
	}
	return uc
}

// CreateTask registers a PENDING task and opens its upload session.
func (uc *usecase) CreateTask(
	ctx context.Context,
	req domain.FileRequest,
	chain []domain.CallbackStep,
) (domain.TaskSummary, error) {
	if err := uc.validate.Struct(req); err != nil {
		return domain.TaskSummary{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	for i, step := range chain {
		if err := uc.validate.Struct(step); err != nil {
			return domain.TaskSummary{}, fmt.Errorf("%w: callback %d: %v", domain.ErrInvalidRequest, i, err)
		}
	}
	if err := uc.chains.Validate(chain); err != nil {
		return domain.TaskSummary{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}

	task, err := domain.NewTask(req, chain, uc.now(), uc.taskTTL)
	if err != nil {
		return domain.TaskSummary{}, fmt.Errorf("new task: %w", err)
	}

	session, err := upload.Begin(ctx, uc.fileStore, req.TargetPath, req.ContentType)
	if err != nil {
		return domain.TaskSummary{}, err
	}
	task.UploadSessionID = session.ID()

	if err := uc.taskStore.Create(ctx, task); err != nil {
		if abortErr := session.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			slog.Warn("abort orphan upload session", slog.String("error", abortErr.Error()))
		}
		return domain.TaskSummary{}, fmt.Errorf("create task: %w", err)
	}
	uc.lookup.Created(task.ID)

	slog.Info("task created",
		slog.String("task_id", task.ID),
		slog.String("target_path", req.TargetPath),
		slog.Int("parts", req.TotalParts),
		slog.Int("steps", len(chain)),
	)
	return domain.NewTaskView(task, domain.UploadProgress{}).Summary(), nil
}

// UploadPart stores part number of the task's upload. Re-sending a number
// replaces the earlier part.
func (uc *usecase) UploadPart(
	ctx context.Context,
	taskID string,
	number int,
	data io.Reader,
	size int64,
) (domain.PartRecord, error) {
	task, err := uc.mutable(ctx, taskID)
	if err != nil {
		return domain.PartRecord{}, err
	}
	if !task.Status.AcceptsUpload() {
		return domain.PartRecord{}, fmt.Errorf("%w: task is %s", domain.ErrUploadClosed, task.Status)
	}
	if number < 1 || number > task.Request.TotalParts {
		return domain.PartRecord{}, fmt.Errorf("%w: part %d of %d", domain.ErrInvalidPart, number, task.Request.TotalParts)
	}
	if size > task.Request.Size {
		err := fmt.Errorf("%w: part %d has %d bytes, declared %d", domain.ErrSizeExceeded, number, size, task.Request.Size)
		return domain.PartRecord{}, uc.failUpload(ctx, task, err)
	}

	session := upload.Resume(uc.fileStore, task.Request.TargetPath, task.UploadSessionID)
	part, err := session.UploadPart(ctx, number, data, size)
	if err != nil {
		return domain.PartRecord{}, err
	}

	rec := domain.PartRecord{
		Number:     number,
		Size:       part.Size,
		Tag:        part.Tag,
		ReceivedAt: uc.now(),
	}
	err = uc.taskStore.RecordPart(ctx, task.ID, rec)
	uc.lookup.Changed(task.ID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSizeExceeded):
		return domain.PartRecord{}, uc.failUpload(ctx, task, err)
	case errors.Is(err, domain.ErrTaskExpired):
		return domain.PartRecord{}, uc.expire(ctx, task)
	default:
		return domain.PartRecord{}, err
	}

	slog.Debug("part stored",
		slog.String("task_id", task.ID),
		slog.Int("part", number),
		slog.Int64("size", rec.Size),
	)
	return rec, nil
}

// CompleteUpload finalizes the object, moves the task to PROCESSING and
// publishes its single dispatch message.
func (uc *usecase) CompleteUpload(
	ctx context.Context,
	taskID string,
	parts []domain.CompletedPart,
) (domain.TaskSummary, error) {
	task, err := uc.mutable(ctx, taskID)
	if err != nil {
		return domain.TaskSummary{}, err
	}
	switch task.Status {
	case domain.StatusInProgress:
	case domain.StatusPending:
		return domain.TaskSummary{}, fmt.Errorf("%w: no parts uploaded", domain.ErrInvalidPart)
	default:
		return domain.TaskSummary{}, &domain.TransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusProcessing}
	}

	session := upload.Resume(uc.fileStore, task.Request.TargetPath, task.UploadSessionID)
	res, err := session.Complete(ctx, task.Request.TotalParts, parts)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidPart):
		return domain.TaskSummary{}, err
	default:
		return domain.TaskSummary{}, uc.failUpload(ctx, task, err)
	}

	if res.Size > task.Request.Size {
		err := fmt.Errorf("%w: stored %d bytes, declared %d", domain.ErrSizeExceeded, res.Size, task.Request.Size)
		uc.deleteObject(ctx, res.Path)
		return domain.TaskSummary{}, uc.failUpload(ctx, task, err)
	}

	err = uc.taskStore.Transition(ctx, task.ID,
		[]domain.TaskStatus{domain.StatusInProgress}, domain.StatusProcessing,
		map[string]any{
			"storage_path":           res.Path,
			"content_hash":           res.Checksum,
			"stored_size":            res.Size,
			"current_callback_index": 0,
		})
	uc.lookup.Changed(task.ID)
	if err != nil {
		uc.deleteObject(ctx, res.Path)
		return domain.TaskSummary{}, err
	}
	task.Status = domain.StatusProcessing
	task.StoragePath = res.Path

	dm, err := uc.queue.Enqueue(ctx, task.ID)
	if err != nil {
		slog.Error("Enqueue failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		uc.markFailed(ctx, task, []domain.TaskStatus{domain.StatusProcessing}, "dispatch: "+err.Error())
		return domain.TaskSummary{}, fmt.Errorf("enqueue: %w", err)
	}

	slog.Info("upload completed, task dispatched",
		slog.String("task_id", task.ID),
		slog.String("message_id", dm.MessageID),
		slog.Int64("size", res.Size),
	)
	return domain.NewTaskView(task, domain.UploadProgress{}).Summary(), nil
}

// AbortTask cancels a task that is still uploading.
func (uc *usecase) AbortTask(ctx context.Context, taskID string) error {
	task, err := uc.mutable(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Abortable() {
		return &domain.TransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusAborted}
	}

	err = uc.taskStore.Transition(ctx, task.ID,
		domain.SourcesOf(domain.StatusAborted), domain.StatusAborted,
		map[string]any{
			"failure_reason": "aborted by client",
			"completed_at":   uc.now().UnixNano(),
		})
	uc.lookup.Changed(task.ID)
	if err != nil {
		return err
	}

	uc.releaseSession(ctx, task)
	task.Status = domain.StatusAborted
	task.FailureReason = "aborted by client"
	uc.notifyFailed(ctx, task)
	slog.Info("task aborted", slog.String("task_id", task.ID))
	return nil
}

// GetTaskInfo returns the view matching the task's current status.
func (uc *usecase) GetTaskInfo(ctx context.Context, taskID string) (domain.TaskView, error) {
	if err := domain.ValidateTaskID(taskID); err != nil {
		return nil, err
	}

	task, err := uc.lookup.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Expired(uc.now()) {
		if err := uc.expire(ctx, task); !errors.Is(err, domain.ErrTaskExpired) {
			return nil, err
		}
		if task, err = uc.lookup.Fresh(ctx, taskID); err != nil {
			return nil, err
		}
	}

	var progress domain.UploadProgress
	if task.Status == domain.StatusInProgress {
		parts, err := uc.taskStore.Parts(ctx, taskID)
		if err != nil {
			return nil, err
		}
		progress = domain.NewUploadProgress(task.Request.TotalParts, parts)
	}
	return domain.NewTaskView(task, progress), nil
}

// ResultFile opens the stored object of a COMPLETED task.
func (uc *usecase) ResultFile(ctx context.Context, taskID string) (domain.ResultFile, error) {
	if err := domain.ValidateTaskID(taskID); err != nil {
		return domain.ResultFile{}, err
	}

	task, err := uc.lookup.Task(ctx, taskID)
	if err != nil {
		return domain.ResultFile{}, err
	}
	switch {
	case task.Status == domain.StatusCompleted:
	case task.Status.Terminal():
		return domain.ResultFile{}, &domain.TransitionError{TaskID: taskID, From: task.Status, To: domain.StatusCompleted}
	default:
		return domain.ResultFile{}, domain.ErrTaskNotReady
	}

	rc, size, err := uc.fileStore.Download(ctx, task.StoragePath)
	if err != nil {
		return domain.ResultFile{}, fmt.Errorf("download %s: %w", task.StoragePath, err)
	}
	return domain.ResultFile{
		Content:     rc,
		Size:        size,
		Filename:    path.Base(task.StoragePath),
		ContentType: task.Request.ContentType,
	}, nil
}

// RequeueTask publishes a new dispatch message for a PROCESSING task, used
// by operators once a dead-lettered task's cause is fixed.
func (uc *usecase) RequeueTask(ctx context.Context, taskID string) (domain.DispatchMessage, error) {
	if err := domain.ValidateTaskID(taskID); err != nil {
		return domain.DispatchMessage{}, err
	}
	task, err := uc.lookup.Fresh(ctx, taskID)
	if err != nil {
		return domain.DispatchMessage{}, err
	}
	if task.Status != domain.StatusProcessing {
		return domain.DispatchMessage{}, fmt.Errorf("requeue: %w",
			&domain.TransitionError{TaskID: task.ID, From: task.Status, To: domain.StatusProcessing})
	}

	dm, err := uc.queue.Enqueue(ctx, task.ID)
	if err != nil {
		return domain.DispatchMessage{}, fmt.Errorf("enqueue: %w", err)
	}

	if uc.deadLetters != nil {
		if _, err := uc.deadLetters.Remove(ctx, task.ID); err != nil {
			slog.Warn("drop dead letters", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
	}
	slog.Info("task requeued",
		slog.String("task_id", task.ID),
		slog.String("message_id", dm.MessageID),
		slog.Int("index", task.CurrentCallbackIndex),
	)
	return dm, nil
}

// mutable loads the task bypassing the cache and enforces expiry.
func (uc *usecase) mutable(ctx context.Context, taskID string) (domain.Task, error) {
	if err := domain.ValidateTaskID(taskID); err != nil {
		return domain.Task{}, err
	}
	task, err := uc.lookup.Fresh(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Expired(uc.now()) {
		return domain.Task{}, uc.expire(ctx, task)
	}
	if task.Status == domain.StatusExpired {
		return domain.Task{}, domain.ErrTaskExpired
	}
	return task, nil
}

// expire moves an overdue task to EXPIRED and always reports ErrTaskExpired
// unless the store failed.
func (uc *usecase) expire(ctx context.Context, task domain.Task) error {
	err := uc.taskStore.Transition(ctx, task.ID,
		domain.SourcesOf(domain.StatusExpired), domain.StatusExpired,
		map[string]any{"failure_reason": "task expired"})
	uc.lookup.Changed(task.ID)
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	if err == nil {
		if task.Status.AcceptsUpload() {
			uc.releaseSession(ctx, task)
		}
		task.Status = domain.StatusExpired
		task.FailureReason = "task expired"
		uc.notifyFailed(ctx, task)
		slog.Info("task expired", slog.String("task_id", task.ID))
	}
	return domain.ErrTaskExpired
}

// failUpload ends an upload that cannot succeed and returns cause.
func (uc *usecase) failUpload(ctx context.Context, task domain.Task, cause error) error {
	uc.releaseSession(ctx, task)
	uc.markFailed(ctx, task, []domain.TaskStatus{domain.StatusPending, domain.StatusInProgress}, cause.Error())
	return cause
}

func (uc *usecase) markFailed(ctx context.Context, task domain.Task, from []domain.TaskStatus, reason string) {
	now := uc.now()
	err := uc.taskStore.Transition(context.WithoutCancel(ctx), task.ID, from, domain.StatusFailed,
		map[string]any{
			"failure_reason": reason,
			"completed_at":   now.UnixNano(),
		})
	uc.lookup.Changed(task.ID)
	if err != nil {
		slog.Error("mark task failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	task.Status = domain.StatusFailed
	task.FailureReason = reason
	task.CompletedAt = now
	uc.notifyFailed(ctx, task)
	slog.Warn("task failed", slog.String("task_id", task.ID), slog.String("reason", reason))
}

func (uc *usecase) releaseSession(ctx context.Context, task domain.Task) {
	if task.UploadSessionID == "" {
		return
	}
	session := upload.Resume(uc.fileStore, task.Request.TargetPath, task.UploadSessionID)
	if err := session.Abort(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("abort upload session",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (uc *usecase) deleteObject(ctx context.Context, key string) {
	if err := uc.fileStore.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.Warn("delete stored object", slog.String("path", key), slog.String("error", err.Error()))
	}
}

func (uc *usecase) notifyFailed(ctx context.Context, task domain.Task) {
	if uc.notifier == nil {
		return
	}
	if task.CompletedAt.IsZero() {
		task.CompletedAt = uc.now()
	}
	if err := uc.notifier.PublishFailed(context.WithoutCancel(ctx), domain.NewFailedEvent(task)); err != nil {
		slog.Warn("publish failed event",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}
