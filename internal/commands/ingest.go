package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/hydrostage/internal/routing"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// NewIngestCmd creates the ingest command.
func NewIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file|-]",
		Short: "Process one task completion notification",
		Long:  "Routes a notification read from a file, or stdin for \"-\", exactly as the notification Lambda would.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.OutOrStdout(), args[0], verboseFlag(cmd))
		},
	}
}

func runIngest(out io.Writer, path string, verbose bool) error {
	payload, err := readPayload(path, os.Stdin)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	d, err := newDeps(ctx, verbose)
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	res, err := d.Router.Process(ctx, payload, types.SourceNotification)
	if err != nil {
		return fmt.Errorf("processing notification: %w", err)
	}
	printRouting(out, res)
	return nil
}

func printRouting(out io.Writer, res routing.Result) {
	fmt.Fprintf(out, "Outcome:    %s\n", outcomeString(res.Outcome))
	if res.WorkflowID != "" {
		fmt.Fprintf(out, "Workflow:   %s\n", res.WorkflowID)
	}
	if res.TaskRunID != "" {
		fmt.Fprintf(out, "Task run:   %s\n", res.TaskRunID)
	}
	if res.HeaderID != "" {
		fmt.Fprintf(out, "Header:     %s\n", res.HeaderID)
	}
	fmt.Fprintf(out, "Staged:     %d\n", res.Staged)
	fmt.Fprintf(out, "Exceptions: %d\n", res.Exceptions)
}
