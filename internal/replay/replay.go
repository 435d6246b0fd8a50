// Package replay re-sends recorded staging exceptions to the notification
// queue once the cause (missing configuration, an upstream outage) has been
// fixed.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/dwsmith1983/hydrostage/internal/events"
	"github.com/dwsmith1983/hydrostage/internal/metrics"
	"github.com/dwsmith1983/hydrostage/internal/txn"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// Message attributes set on replayed notifications.
const (
	AttrSource      = "source"
	AttrExceptionID = "exceptionId"
)

// SQSAPI is the subset of the SQS client the replayer uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Repository is the staging exception storage.
type Repository interface {
	StagingExceptions(ctx context.Context, db txn.DBTX, ids []int64) ([]types.StagingException, error)
	DeleteStagingExceptions(ctx context.Context, db txn.DBTX, ids []int64) (int64, error)
}

// Runner runs a unit of work in a transaction.
type Runner interface {
	Run(ctx context.Context, opts txn.Options, fn txn.Func) error
}

// Result summarises one replay.
type Result struct {
	Replayed []int64
	Missing  []int64
}

// Replayer re-queues staging exceptions.
type Replayer struct {
	repo      Repository
	runner    Runner
	client    SQSAPI
	queueURL  string
	publisher *events.Publisher
	logger    *slog.Logger
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithLogger sets the replayer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replayer) { r.logger = l }
}

// WithPublisher sets where replays are announced.
func WithPublisher(p *events.Publisher) Option {
	return func(r *Replayer) { r.publisher = p }
}

// New creates a Replayer sending to queueURL.
func New(repo Repository, runner Runner, client SQSAPI, queueURL string, opts ...Option) *Replayer {
	r := &Replayer{repo: repo, runner: runner, client: client, queueURL: queueURL, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Replay sends the payload of each exception in ids back to the
// notification queue and deletes the exceptions it sent. If any send fails
// no exception is deleted, so a retry re-sends them all; duplicates are
// absorbed by routing deduplication.
func (r *Replayer) Replay(ctx context.Context, ids []int64) (Result, error) {
	var res Result
	if r.queueURL == "" {
		return res, types.NonRecoverable(fmt.Errorf("notification queue URL is not configured"))
	}
	if len(ids) == 0 {
		return res, nil
	}

	err := r.runner.Run(ctx, txn.Default("replay-exceptions"), func(ctx context.Context, tx *txn.Tx) error {
		res = Result{}
		exceptions, err := r.repo.StagingExceptions(ctx, tx, ids)
		if err != nil {
			return err
		}

		for _, e := range exceptions {
			if _, err := r.client.SendMessage(ctx, &sqs.SendMessageInput{
				QueueUrl:    aws.String(r.queueURL),
				MessageBody: aws.String(e.Payload),
				MessageAttributes: map[string]sqstypes.MessageAttributeValue{
					AttrSource:      {DataType: aws.String("String"), StringValue: aws.String(types.SourceReplay)},
					AttrExceptionID: {DataType: aws.String("Number"), StringValue: aws.String(strconv.FormatInt(e.ID, 10))},
				},
			}); err != nil {
				return types.Recoverable(fmt.Errorf("sending staging exception %d: %w", e.ID, err))
			}
			res.Replayed = append(res.Replayed, e.ID)
		}

		if len(res.Replayed) == 0 {
			return nil
		}
		_, err = r.repo.DeleteStagingExceptions(ctx, tx, res.Replayed)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	for _, id := range ids {
		if !slices.Contains(res.Replayed, id) {
			res.Missing = append(res.Missing, id)
		}
	}
	if len(res.Missing) > 0 {
		r.logger.Warn("staging exceptions not found", "ids", res.Missing)
	}

	metrics.Add(metrics.ExceptionsReplayed, int64(len(res.Replayed)))
	if len(res.Replayed) > 0 {
		r.publisher.Publish(ctx, events.ExceptionsReplay, events.Event{Count: int64(len(res.Replayed))})
	}
	r.logger.Info("staging exceptions replayed", "replayed", len(res.Replayed), "missing", len(res.Missing))
	return res, nil
}
