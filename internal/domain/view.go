package domain

import (
	"io"
	"maps"
	"time"
)

// TaskSummary is shared by every task view.
type TaskSummary struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Filename  string     `json:"filename"`
	Size      int64      `json:"size"`
	Steps     int        `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// TaskView is one of PendingView, InProgressView, ProcessingView,
// CompletedView, FailedView, AbortedView or ExpiredView.
type TaskView interface {
	Summary() TaskSummary
	isTaskView()
}

type PendingView struct {
	TaskSummary
	TotalParts int `json:"total_parts"`
}

type InProgressView struct {
	TaskSummary
	Progress UploadProgress `json:"progress"`
}

type ProcessingView struct {
	TaskSummary
	CurrentCallbackIndex int `json:"current_callback_index"`
}

type CompletedView struct {
	TaskSummary
	StoragePath   string            `json:"storage_path"`
	ContentHash   string            `json:"content_hash,omitempty"`
	PluginOutputs map[string]string `json:"plugin_outputs"`
	DerivedFiles  []DerivedFile     `json:"derived_files,omitempty"`
	CompletedAt   time.Time         `json:"completed_at"`
}

type FailedView struct {
	TaskSummary
	Reason            string `json:"reason"`
	LastCallbackIndex int    `json:"last_callback_index"`
}

type AbortedView struct {
	TaskSummary
}

type ExpiredView struct {
	TaskSummary
}

func (v PendingView) Summary() TaskSummary    { return v.TaskSummary }
func (v InProgressView) Summary() TaskSummary { return v.TaskSummary }
func (v ProcessingView) Summary() TaskSummary { return v.TaskSummary }
func (v CompletedView) Summary() TaskSummary  { return v.TaskSummary }
func (v FailedView) Summary() TaskSummary     { return v.TaskSummary }
func (v AbortedView) Summary() TaskSummary    { return v.TaskSummary }
func (v ExpiredView) Summary() TaskSummary    { return v.TaskSummary }

func (PendingView) isTaskView()    {}
func (InProgressView) isTaskView() {}
func (ProcessingView) isTaskView() {}
func (CompletedView) isTaskView()  {}
func (FailedView) isTaskView()     {}
func (AbortedView) isTaskView()    {}
func (ExpiredView) isTaskView()    {}

// NewTaskView picks the variant matching the persisted status. Progress is
// only consulted for IN_PROGRESS tasks.
func NewTaskView(t Task, progress UploadProgress) TaskView {
	sum := TaskSummary{
		ID:        t.ID,
		Status:    t.Status,
		Filename:  t.Request.Filename,
		Size:      t.Request.Size,
		Steps:     len(t.CallbackChain),
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	}

	switch t.Status {
	case StatusPending:
		return PendingView{TaskSummary: sum, TotalParts: t.Request.TotalParts}
	case StatusInProgress:
		return InProgressView{TaskSummary: sum, Progress: progress}
	case StatusProcessing:
		return ProcessingView{TaskSummary: sum, CurrentCallbackIndex: t.CurrentCallbackIndex}
	case StatusCompleted:
		return CompletedView{
			TaskSummary:   sum,
			StoragePath:   t.StoragePath,
			ContentHash:   t.ContentHash,
			PluginOutputs: maps.Clone(t.PluginOutputs),
			DerivedFiles:  t.DerivedFiles,
			CompletedAt:   t.CompletedAt,
		}
	case StatusFailed:
		return FailedView{TaskSummary: sum, Reason: t.FailureReason, LastCallbackIndex: t.FailedCallbackIndex}
	case StatusAborted:
		return AbortedView{TaskSummary: sum}
	default:
		return ExpiredView{TaskSummary: sum}
	}
}

// ResultFile streams the final object of a completed task.
type ResultFile struct {
	Content     io.ReadCloser
	Size        int64
	Filename    string
	ContentType string
}
