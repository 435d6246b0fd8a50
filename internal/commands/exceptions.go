package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// NewExceptionsCmd creates the exceptions command.
func NewExceptionsCmd() *cobra.Command {
	var (
		limit  int
		replay string
	)

	cmd := &cobra.Command{
		Use:   "exceptions",
		Short: "List recent staging exceptions or replay them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if replay != "" {
				ids, err := parseIDs(replay)
				if err != nil {
					return err
				}
				return runReplay(cmd.OutOrStdout(), ids, verboseFlag(cmd))
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return runListExceptions(cmd.OutOrStdout(), limit, verboseFlag(cmd))
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of exceptions to list")
	cmd.Flags().StringVar(&replay, "replay", "", "Comma-separated exception ids to re-send to the notification queue")
	return cmd
}

func runListExceptions(out io.Writer, limit int, verbose bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := newDeps(ctx, verbose)
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	exceptions, err := d.Store.RecentStagingExceptions(ctx, d.Store.Pool(), limit)
	if err != nil {
		return fmt.Errorf("listing staging exceptions: %w", err)
	}
	printExceptions(out, exceptions)
	return nil
}

func printExceptions(out io.Writer, exceptions []types.StagingException) {
	if len(exceptions) == 0 {
		fmt.Fprintln(out, "No staging exceptions.")
		return
	}
	for _, e := range exceptions {
		fmt.Fprintf(out, "%6d  %s  %-12s %-30s %s\n",
			e.ID, e.ExceptionTime.Format(time.RFC3339), e.Source, orDash(e.WorkflowID),
			color.RedString(e.Description))
		if e.TaskRunID != "" {
			fmt.Fprintf(out, "        task run %s\n", e.TaskRunID)
		}
		fmt.Fprintf(out, "        %s\n", truncate(strings.Join(strings.Fields(e.Payload), " "), 100))
	}
}

func runReplay(out io.Writer, ids []int64, verbose bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	d, err := newDeps(ctx, verbose)
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	res, err := d.Replayer.Replay(ctx, ids)
	if err != nil {
		return fmt.Errorf("replaying: %w", err)
	}
	fmt.Fprintf(out, "Replayed %s.\n", color.GreenString("%d", len(res.Replayed)))
	if len(res.Missing) > 0 {
		fmt.Fprintf(out, "Not found: %s\n", color.YellowString("%v", res.Missing))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
