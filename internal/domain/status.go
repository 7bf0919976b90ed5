package domain

type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusAborted    TaskStatus = "ABORTED"
	StatusExpired    TaskStatus = "EXPIRED"
)

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress, StatusAborted, StatusExpired, StatusFailed},
	StatusInProgress: {StatusProcessing, StatusAborted, StatusExpired, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusExpired},
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusProcessing,
		StatusCompleted, StatusFailed, StatusAborted, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	_, ok := transitions[s]
	return s.Valid() && !ok
}

// CanTransition reports whether moving from s to next is a legal edge of the
// task state machine.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// AcceptsUpload is true while parts may still be sent.
func (s TaskStatus) AcceptsUpload() bool {
	return s == StatusPending || s == StatusInProgress
}

// Abortable is true while the client may still cancel the task.
func (s TaskStatus) Abortable() bool {
	return s.AcceptsUpload()
}

// SourcesOf lists every status that may legally move to next.
func SourcesOf(next TaskStatus) []TaskStatus {
	var from []TaskStatus
	for _, s := range []TaskStatus{StatusPending, StatusInProgress, StatusProcessing} {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}
