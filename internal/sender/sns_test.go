package sender

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/pushgate/internal/notifications"
)

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*sns.PublishOutput)
	return out, args.Error(1)
}

func TestSNS_PublishesPerProtocolMessage(t *testing.T) {
	m := &mockPublisher{}
	var input *sns.PublishInput
	m.On("Publish", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { input = args.Get(1).(*sns.PublishInput) }).
		Return(&sns.PublishOutput{MessageId: aws.String("1")}, nil)

	s := newSNS(m, []int{notifications.PlatformAndroid}, "game")
	now := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return now }
	n := newNotification(1, notifications.PlatformAndroid, "arn:aws:sns:us-east-1:1:endpoint/GCM/app/abc")
	n.TTLMs = now.Add(time.Minute).UnixMilli()

	res := s.Send(context.Background(), []*notifications.Notification{n})

	assert.Equal(t, Delivered, res[0].Verdict)
	require.NotNil(t, input)
	assert.Equal(t, n.ReceiverID, aws.ToString(input.TargetArn))
	assert.Equal(t, "json", aws.ToString(input.MessageStructure))

	var doc map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(input.Message)), &doc))
	assert.Equal(t, "content", doc["default"])

	var gcm struct {
		Data       map[string]string `json:"data"`
		TimeToLive int64             `json:"time_to_live"`
	}
	require.NoError(t, json.Unmarshal([]byte(doc["GCM"]), &gcm))
	assert.Equal(t, "title", gcm.Data["title"])
	assert.Equal(t, int64(60), gcm.TimeToLive)

	var apns map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc["APNS"]), &apns))
	assert.Equal(t, "shop", apns["path"])
	assert.Contains(t, apns, "aps")
	assert.Equal(t, doc["APNS"], doc["APNS_SANDBOX"])
}

func TestSNS_DryRunSkipsPublish(t *testing.T) {
	m := &mockPublisher{}
	s := newSNS(m, []int{1}, "game")
	n := newNotification(1, 1, "arn")
	n.DryRun = true

	res := s.Send(context.Background(), []*notifications.Notification{n})

	assert.Equal(t, Delivered, res[0].Verdict)
	m.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestClassifySNS(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		verdict Verdict
		status  notifications.Status
	}{
		{"endpoint disabled", &types.EndpointDisabledException{Message: aws.String("disabled")}, Unregistered, notifications.StatusSNSEndpointDisabled},
		{"invalid parameter", &types.InvalidParameterException{Message: aws.String("bad arn")}, InvalidToken, notifications.StatusSNSInvalidParameter},
		{"throttled", &types.ThrottledException{}, Retryable, notifications.StatusConnectionError},
		{"other api error", &smithy.GenericAPIError{Code: "AuthorizationError"}, Failed, notifications.StatusSNSFatal},
		{"network", errors.New("dial tcp: i/o timeout"), Retryable, notifications.StatusConnectionError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifySNS(tc.err)
			assert.Equal(t, tc.verdict, got.Verdict)
			assert.Equal(t, tc.status, got.Status)
		})
	}
}
