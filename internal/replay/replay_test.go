package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/hydrostage/internal/testutil"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

var (
	_ Repository = (*testutil.MockStore)(nil)
	_ Runner     = (*testutil.MockStore)(nil)
	_ SQSAPI     = (*sqs.Client)(nil)
)

type mockSQS struct {
	sent   []*sqs.SendMessageInput
	failOn string
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.failOn != "" && aws.ToString(in.MessageBody) == m.failOn {
		return nil, errors.New("queue unavailable")
	}
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg")}, nil
}

func seedExceptions(t *testing.T, s *testutil.MockStore, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, s.InsertStagingException(context.Background(), nil, types.StagingException{
			Payload:       p,
			Description:   "Missing input data for workflow W",
			Source:        types.SourceNotification,
			ExceptionTime: time.Date(2020, 3, 30, 10, 0, 0, 0, time.UTC),
		}))
	}
}

const queueURL = "https://sqs.eu-west-2.amazonaws.com/123456789012/notifications"

func TestReplay(t *testing.T) {
	s := testutil.NewMockStore()
	seedExceptions(t, s, "first", "second", "third")
	client := &mockSQS{}

	res, err := New(s, s, client, queueURL).Replay(context.Background(), []int64{1, 3, 9})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, res.Replayed)
	assert.Equal(t, []int64{9}, res.Missing)

	require.Len(t, client.sent, 2)
	assert.Equal(t, queueURL, aws.ToString(client.sent[0].QueueUrl))
	assert.Equal(t, "first", aws.ToString(client.sent[0].MessageBody))
	assert.Equal(t, types.SourceReplay, aws.ToString(client.sent[0].MessageAttributes[AttrSource].StringValue))
	assert.Equal(t, "3", aws.ToString(client.sent[1].MessageAttributes[AttrExceptionID].StringValue))

	remaining := s.Exceptions()
	require.Len(t, remaining, 1)
	assert.Equal(t, "second", remaining[0].Payload)
}

func TestReplay_SendFailureKeepsExceptions(t *testing.T) {
	s := testutil.NewMockStore()
	seedExceptions(t, s, "first", "second")
	client := &mockSQS{failOn: "second"}

	_, err := New(s, s, client, queueURL).Replay(context.Background(), []int64{1, 2})
	testutil.RequireRecoverable(t, err)
	assert.Len(t, s.Exceptions(), 2)
}

func TestReplay_NoQueue(t *testing.T) {
	s := testutil.NewMockStore()
	_, err := New(s, s, &mockSQS{}, "").Replay(context.Background(), []int64{1})
	testutil.RequireNonRecoverable(t, err)
}

func TestReplay_NoIDs(t *testing.T) {
	s := testutil.NewMockStore()
	res, err := New(s, s, &mockSQS{}, queueURL).Replay(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Replayed)
	assert.Empty(t, s.Runs())
}
