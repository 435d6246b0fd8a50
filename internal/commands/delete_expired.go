package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/hydrostage/internal/retention"
)

// NewDeleteExpiredCmd creates the delete-expired command.
func NewDeleteExpiredCmd() *cobra.Command {
	var hard, soft, batch string

	cmd := &cobra.Command{
		Use:   "delete-expired",
		Short: "Delete staged timeseries past their retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(); err != nil {
				return err
			}
			cfg, err := retention.ParseConfig(
				orEnv(hard, "DELETE_EXPIRED_HARD_LIMIT"),
				orEnv(soft, "DELETE_EXPIRED_SOFT_LIMIT"),
				orEnv(batch, "DELETE_EXPIRED_BATCH_SIZE"),
			)
			if err != nil {
				return err
			}
			return runDeleteExpired(cmd.OutOrStdout(), cfg, verboseFlag(cmd))
		},
	}

	cmd.Flags().StringVar(&hard, "hard-limit", "", "Hours after which every header is deleted (default $DELETE_EXPIRED_HARD_LIMIT)")
	cmd.Flags().StringVar(&soft, "soft-limit", "", "Hours after which completed headers are deleted (default $DELETE_EXPIRED_SOFT_LIMIT)")
	cmd.Flags().StringVar(&batch, "batch-size", "", "Headers deleted per batch, 0 for one batch (default $DELETE_EXPIRED_BATCH_SIZE)")
	return cmd
}

func orEnv(flag, key string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(key)
}

func runDeleteExpired(out io.Writer, cfg retention.Config, verbose bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	d, err := newDeps(ctx, verbose)
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	res, err := retention.New(d.Store, d.Coordinator, cfg,
		retention.WithLogger(d.Logger), retention.WithPublisher(d.Publisher)).
		DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deleting expired records: %w", err)
	}
	printRetention(out, res)
	return nil
}

func printRetention(out io.Writer, res retention.Result) {
	fmt.Fprintf(out, "Hard cutoff: %s\n", res.HardCutoff.Format(time.RFC3339))
	fmt.Fprintf(out, "Soft cutoff: %s\n", res.SoftCutoff.Format(time.RFC3339))
	fmt.Fprintf(out, "Deleted %d headers, %d timeseries, %d jobs and %d staging exceptions in %d batches.\n",
		res.Headers, res.Timeseries, res.Jobs, res.Exceptions, res.Batches)
}
