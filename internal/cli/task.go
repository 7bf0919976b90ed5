package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/you-humble/fileflow/internal/domain"
)

func newTaskCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <task-id>",
		Short: "Show the current state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b Backend) error {
				view, err := b.Task(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get task: %w", err)
				}
				if opts.output == "json" {
					return writeJSON(cmd.OutOrStdout(), view)
				}
				printTask(cmd.OutOrStdout(), view)
				return nil
			})
		},
	})
	return cmd
}

func printTask(w io.Writer, view domain.TaskView) {
	s := view.Summary()
	fmt.Fprintf(w, "Id: %s\n", s.ID)
	fmt.Fprintf(w, "Status: %s\n", s.Status)
	fmt.Fprintf(w, "Filename: %s\n", s.Filename)
	fmt.Fprintf(w, "Size: %d\n", s.Size)
	fmt.Fprintf(w, "Steps: %d\n", s.Steps)
	fmt.Fprintf(w, "Created At: %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Expires At: %s\n", s.ExpiresAt.Format(time.RFC3339))

	switch v := view.(type) {
	case domain.PendingView:
		fmt.Fprintf(w, "Total Parts: %d\n", v.TotalParts)
	case domain.InProgressView:
		fmt.Fprintf(w, "Parts Received: %d/%d\n", v.Progress.PartsReceived, v.Progress.TotalParts)
	case domain.ProcessingView:
		fmt.Fprintf(w, "Callback Index: %d\n", v.CurrentCallbackIndex)
	case domain.CompletedView:
		fmt.Fprintf(w, "Storage Path: %s\n", v.StoragePath)
		if v.ContentHash != "" {
			fmt.Fprintf(w, "Content Hash: %s\n", v.ContentHash)
		}
		for _, f := range v.DerivedFiles {
			fmt.Fprintf(w, "Derived: %s (%s)\n", f.Key, f.Relation)
		}
	case domain.FailedView:
		fmt.Fprintf(w, "Reason: %s\n", v.Reason)
		fmt.Fprintf(w, "Last Callback Index: %d\n", v.LastCallbackIndex)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
