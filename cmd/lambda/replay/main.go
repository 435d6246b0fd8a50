// replay Lambda re-sends staging exceptions to the notification queue.
// Invoked directly with the ids of the exceptions to replay.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/hydrostage/internal/lambda"
	"github.com/dwsmith1983/hydrostage/internal/replay"
	"github.com/dwsmith1983/hydrostage/internal/telemetry"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// Request lists the staging exceptions to replay.
type Request struct {
	ExceptionIDs []int64 `json:"exceptionIds"`
}

// Response reports which exceptions were re-queued.
type Response struct {
	Replayed []int64 `json:"replayed"`
	Missing  []int64 `json:"missing,omitempty"`
}

// Replayer re-queues staging exceptions.
type Replayer interface {
	Replay(ctx context.Context, ids []int64) (replay.Result, error)
}

func handleRequest(ctx context.Context, r Replayer, req Request) (Response, error) {
	if len(req.ExceptionIDs) == 0 {
		return Response{}, types.NonRecoverable(errors.New("exceptionIds is required"))
	}
	res, err := r.Replay(ctx, req.ExceptionIDs)
	if err != nil {
		return Response{}, err
	}
	return Response{Replayed: res.Replayed, Missing: res.Missing}, nil
}

func handler(ctx context.Context, req Request) (Response, error) {
	d, err := intlambda.GetDeps()
	if err != nil {
		return Response{}, err
	}
	ictx, _ := intlambda.StartInvocation(ctx, d.Logger)
	resp, err := handleRequest(ictx, d.Replayer, req)
	if ferr := telemetry.Flush(ctx); ferr != nil {
		d.Logger.Warn("telemetry flush failed", "error", ferr)
	}
	return resp, err
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
