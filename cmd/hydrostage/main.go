package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/hydrostage/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "hydrostage",
		Short: "Stage forecasting timeseries and reference data into Postgres",
		Long: `Hydrostage stages the timeseries behind forecasting task runs and keeps the
CSV reference tables that route them current. The same operations run as
Lambda functions; this binary runs them by hand against the configured
database. Settings come from the environment or a .env file.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(
		commands.NewMigrateCmd(),
		commands.NewIngestCmd(),
		commands.NewRefreshCmd(),
		commands.NewDeleteExpiredCmd(),
		commands.NewExceptionsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
