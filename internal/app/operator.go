package app

import (
	"context"

	"github.com/you-humble/fileflow/internal/domain"
)

// Operator backs the flowctl commands.
type Operator struct {
	di *dependencyInjector
}

func NewOperator() *Operator {
	di := newDI()
	di.Logger()
	return &Operator{di: di}
}

func (o *Operator) Task(ctx context.Context, taskID string) (domain.TaskView, error) {
	return o.di.Usecase(ctx).GetTaskInfo(ctx, taskID)
}

func (o *Operator) DeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetterRecord, error) {
	return o.di.DeadLetters(ctx).List(ctx, limit)
}

// Requeue dispatches a dead-lettered task again and clears its record.
func (o *Operator) Requeue(ctx context.Context, taskID string) (domain.DispatchMessage, error) {
	return o.di.Usecase(ctx).RequeueTask(ctx, taskID)
}

func (o *Operator) Close() {
	o.di.Close()
}
