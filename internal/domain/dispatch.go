package domain

import "time"

// DispatchMessage asks a worker to run the callback chain of a task. It never
// carries the callback index: the worker reads it from the persisted task.
type DispatchMessage struct {
	MessageID string    `json:"message_id"`
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// DeadLetterRecord is written once the broker redelivery budget is spent.
type DeadLetterRecord struct {
	TaskID    string    `json:"task_id"`
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
	NodeID    string    `json:"node_id"`
}
