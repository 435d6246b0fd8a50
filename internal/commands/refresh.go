package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/hydrostage/internal/config"
	"github.com/dwsmith1983/hydrostage/internal/refresh"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// NewRefreshCmd creates the refresh command.
func NewRefreshCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "refresh [feed-name]",
		Short: "Reload CSV reference feeds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("give a feed name or --all")
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runRefresh(cmd.OutOrStdout(), name, verboseFlag(cmd))
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Refresh every feed in the catalogue")
	return cmd
}

// selectFeeds returns the named feed, or every feed for an empty name.
func selectFeeds(cat *config.Catalogue, name string) ([]types.Feed, error) {
	if name == "" {
		return cat.Feeds, nil
	}
	feed, ok := cat.Feed(name)
	if !ok {
		return nil, fmt.Errorf("unknown feed %q (known: %v)", name, cat.Names())
	}
	return []types.Feed{feed}, nil
}

func runRefresh(out io.Writer, name string, verbose bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	d, err := newDeps(ctx, verbose)
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	feeds, err := selectFeeds(d.Catalogue, name)
	if err != nil {
		return err
	}

	var errs []error
	for _, feed := range feeds {
		res, err := d.Refresher.Refresh(ctx, feed)
		if err != nil {
			fmt.Fprintf(out, "  %-36s %s %v\n", feed.Name, color.RedString("FAILED"), err)
			errs = append(errs, fmt.Errorf("%s: %w", feed.Name, err))
			continue
		}
		printRefresh(out, res)
	}
	return errors.Join(errs...)
}

func printRefresh(out io.Writer, res refresh.Result) {
	status := color.GreenString("LOADED")
	switch {
	case res.Skipped:
		status = color.YellowString("SKIPPED")
	case res.Aborted:
		status = color.RedString("ABORTED")
	}
	fmt.Fprintf(out, "  %-36s %s fetched=%d loaded=%d replaced=%d rejected=%d\n",
		res.Feed, status, res.Fetched, res.Loaded, res.Deleted, res.Rejected)
}
