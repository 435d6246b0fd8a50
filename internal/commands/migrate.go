package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the staging schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(verboseFlag(cmd))
		},
	}
}

func runMigrate(verbose bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	d, err := newDeps(ctx, verbose)
	if err != nil {
		return err
	}
	defer d.Close(ctx)

	if err := d.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	color.Green("Schema is up to date.")
	return nil
}
