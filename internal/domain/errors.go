package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidTaskID     = errors.New("invalid task id")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExpired       = errors.New("task expired")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUploadClosed      = errors.New("task no longer accepts uploads")
	ErrTaskNotReady      = errors.New("task result is not ready")
	ErrInvalidPart       = errors.New("invalid part")
	ErrPartMismatch      = errors.New("part set does not match backend")
	ErrSizeExceeded      = errors.New("declared file size exceeded")
	ErrStaleCheckpoint   = errors.New("checkpoint is stale")
	ErrStepTimeout       = errors.New("callback step timed out")
	ErrUnknownPlugin     = errors.New("unknown plugin")
)

// StepError is the irrecoverable outcome of one callback step. Index is the
// position of the step inside the chain.
type StepError struct {
	Index     int
	Step      string
	Message   string
	Retryable bool
	Attempts  int
}

func (e *StepError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("callback %d (%s) failed after %d attempts: %s", e.Index, e.Step, e.Attempts, e.Message)
	}
	return fmt.Sprintf("callback %d (%s) failed: %s", e.Index, e.Step, e.Message)
}

// TransitionError carries the status that blocked a conditional update.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
