package domain

import "time"

// CompletedEvent announces a task whose callback chain finished.
type CompletedEvent struct {
	TaskID        string            `json:"task_id"`
	FileKey       string            `json:"file_key"`
	StoragePath   string            `json:"storage_path"`
	ContentHash   string            `json:"content_hash,omitempty"`
	Size          int64             `json:"size"`
	ContentType   string            `json:"content_type,omitempty"`
	Filename      string            `json:"filename"`
	DerivedFiles  []DerivedFile     `json:"derived_files"`
	PluginOutputs map[string]string `json:"plugin_outputs"`
	CompletedAt   time.Time         `json:"completed_at"`
}

// FailedEvent announces a task that ended without completing.
type FailedEvent struct {
	TaskID            string     `json:"task_id"`
	FileKey           string     `json:"file_key"`
	FinalStatus       TaskStatus `json:"final_status"`
	Reason            string     `json:"reason"`
	LastCallbackIndex int        `json:"last_callback_index"`
	FailedAt          time.Time  `json:"failed_at"`
}

// DerivedFilesEvent announces files a step produced from the source object.
type DerivedFilesEvent struct {
	TaskID       string        `json:"task_id"`
	SourceKey    string        `json:"source_key"`
	DerivedFiles []DerivedFile `json:"derived_files"`
}

func NewCompletedEvent(t Task) CompletedEvent {
	size := t.StoredSize
	if size == 0 {
		size = t.Request.Size
	}
	return CompletedEvent{
		TaskID:        t.ID,
		FileKey:       t.Request.TargetPath,
		StoragePath:   t.ObjectKey(),
		ContentHash:   t.ContentHash,
		Size:          size,
		ContentType:   t.Request.ContentType,
		Filename:      t.Request.Filename,
		DerivedFiles:  t.DerivedFiles,
		PluginOutputs: t.PluginOutputs,
		CompletedAt:   t.CompletedAt,
	}
}

func NewFailedEvent(t Task) FailedEvent {
	at := t.CompletedAt
	if at.IsZero() {
		at = t.UpdatedAt
	}
	return FailedEvent{
		TaskID:            t.ID,
		FileKey:           t.Request.TargetPath,
		FinalStatus:       t.Status,
		Reason:            t.FailureReason,
		LastCallbackIndex: t.FailedCallbackIndex,
		FailedAt:          at,
	}
}
