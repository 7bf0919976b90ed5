package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// FileRequest is the file metadata declared by the client at creation.
type FileRequest struct {
	Filename    string `json:"filename" validate:"required,max=255"`
	Size        int64  `json:"size" validate:"gt=0"`
	Checksum    string `json:"checksum,omitempty" validate:"omitempty,hexadecimal"`
	ContentType string `json:"content_type,omitempty" validate:"omitempty,max=127"`
	TargetPath  string `json:"target_path" validate:"required,max=1024"`
	TotalParts  int    `json:"total_parts" validate:"gte=1,lte=10000"`
}

// CallbackStep is one named unit of post-upload processing.
type CallbackStep struct {
	Name   string            `json:"name" validate:"required,max=64"`
	Params map[string]string `json:"params,omitempty"`
}

type DerivedFile struct {
	Key         string `json:"key"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Relation    string `json:"relation"`
}

// Task is the aggregate root of one upload-and-process workflow.
type Task struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`

	CurrentCallbackIndex int    `json:"current_callback_index"`
	UploadSessionID      string `json:"upload_session_id"`

	Request       FileRequest       `json:"request"`
	CallbackChain []CallbackStep    `json:"callback_chain"`
	PluginOutputs map[string]string `json:"plugin_outputs"`
	DerivedFiles  []DerivedFile     `json:"derived_files"`

	// set when the upload is finalized
	StoragePath string `json:"storage_path,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	StoredSize  int64  `json:"stored_size,omitempty"`

	FailureReason       string `json:"failure_reason,omitempty"`
	FailedCallbackIndex int    `json:"failed_callback_index"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// NewTask builds a PENDING task with a fresh time ordered ID.
func NewTask(req FileRequest, chain []CallbackStep, now time.Time, ttl time.Duration) (Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Task{}, err
	}

	steps := make([]CallbackStep, len(chain))
	for i, s := range chain {
		steps[i] = CallbackStep{Name: s.Name, Params: maps.Clone(s.Params)}
	}

	return Task{
		ID:                  id.String(),
		Status:              StatusPending,
		Request:             req,
		CallbackChain:       steps,
		PluginOutputs:       map[string]string{},
		FailedCallbackIndex: -1,
		CreatedAt:           now,
		UpdatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}, nil
}

// ValidateTaskID checks that id is a well formed UUID.
func ValidateTaskID(id string) error {
	if len(id) != 36 {
		return ErrInvalidTaskID
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidTaskID
	}
	return nil
}

// Expired reports whether a non-terminal task has outlived ExpiresAt.
func (t Task) Expired(now time.Time) bool {
	return !t.Status.Terminal() && !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ChainDone is true when every callback step has been checkpointed.
func (t Task) ChainDone() bool {
	return t.CurrentCallbackIndex >= len(t.CallbackChain)
}

// ObjectKey is the storage key the upload is finalized under.
func (t Task) ObjectKey() string {
	if t.StoragePath != "" {
		return t.StoragePath
	}
	return t.Request.TargetPath
}
