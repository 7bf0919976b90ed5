package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-lettered dispatches",
	}

	var limit int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				records, err := b.DeadLetters(ctx, limit)
				if err != nil {
					return fmt.Errorf("failed to list dead letters: %w", err)
				}
				if opts.output == "json" {
					return writeJSON(cmd.OutOrStdout(), records)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TASK\tMESSAGE\tFAILED AT\tNODE\tREASON")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						r.TaskID, r.MessageID, r.FailedAt.Format(time.RFC3339), r.NodeID, r.Reason)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().Int64VarP(&limit, "limit", "n", 50, "Maximum records to show, 0 for all")

	requeue := &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Dispatch a dead-lettered task again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				msg, err := b.Requeue(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to requeue task: %w", err)
				}
				if opts.output == "json" {
					return writeJSON(cmd.OutOrStdout(), msg)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s as message %s\n", msg.TaskID, msg.MessageID)
				return nil
			})
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}
