// Package commands implements the CLI subcommands for the hydrostage binary.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	intlambda "github.com/dwsmith1983/hydrostage/internal/lambda"
	"github.com/dwsmith1983/hydrostage/internal/routing"
)

// verboseFlag reports the root --verbose flag.
func verboseFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("verbose")
	return v
}

// loadEnv reads .env from the working directory when one exists. Values
// already in the environment win.
func loadEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// newDeps builds the same dependencies the Lambda handlers use, logging as
// text to stderr.
func newDeps(ctx context.Context, verbose bool) (*intlambda.Deps, error) {
	if err := loadEnv(); err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	d, err := intlambda.Build(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	return d, nil
}

// parseIDs splits a comma-separated list of staging exception ids.
func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid exception id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no exception ids given")
	}
	return ids, nil
}

// readPayload reads a notification from path, or stdin for "-".
func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return b, nil
}

func outcomeString(o routing.Outcome) string {
	s := strings.ToUpper(string(o))
	switch o {
	case routing.OutcomeStaged:
		return color.GreenString(s)
	case routing.OutcomeException:
		return color.RedString(s)
	default:
		return color.YellowString(s)
	}
}
