// Package cli implements flowctl, the operator tool for tasks and the
// dead-letter list.
package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/you-humble/fileflow/internal/domain"
)

// Backend is what the commands talk to.
type Backend interface {
	Task(ctx context.Context, taskID string) (domain.TaskView, error)
	DeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetterRecord, error)
	Requeue(ctx context.Context, taskID string) (domain.DispatchMessage, error)
	Close()
}

type options struct {
	open    func() (Backend, error)
	timeout time.Duration
	output  string
}

// NewRootCmd builds the command tree. open is called lazily by each
// command that needs the backend.
func NewRootCmd(open func() (Backend, error)) *cobra.Command {
	opts := &options{open: open}

	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Inspect tasks and manage dead-lettered dispatches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second,
		"Deadline for each backend call")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text",
		"Output format: text or json")

	root.AddCommand(newTaskCmd(opts))
	root.AddCommand(newDLQCmd(opts))
	return root
}

func (o *options) withBackend(cmd *cobra.Command, fn func(ctx context.Context, b Backend) error) error {
	b, err := o.open()
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, b)
}
