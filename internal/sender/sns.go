package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"github.com/albapepper/pushgate/internal/notifications"
)

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS delivers through AWS SNS mobile push. The device token of an SNS
// platform is the endpoint ARN.
type SNS struct {
	client       snsPublisher
	platforms    []int
	baseDeeplink string
	now          func() time.Time
}

func NewSNS(ctx context.Context, region string, platforms []int, baseDeeplink string) (*SNS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSNS(sns.NewFromConfig(awsCfg), platforms, baseDeeplink), nil
}

func newSNS(c snsPublisher, platforms []int, baseDeeplink string) *SNS {
	return &SNS{client: c, platforms: platforms, baseDeeplink: baseDeeplink, now: time.Now}
}

func (s *SNS) Name() string { return "sns" }

func (s *SNS) Platforms() []int { return s.platforms }

func (s *SNS) Send(ctx context.Context, batch []*notifications.Notification) []Response {
	out := make([]Response, len(batch))
	for i, n := range batch {
		out[i] = s.send(ctx, n)
	}
	return out
}

func (s *SNS) send(ctx context.Context, n *notifications.Notification) Response {
	if n.DryRun {
		return delivered()
	}
	msg, err := s.message(n)
	if err != nil {
		return Response{Verdict: Malformed, Status: notifications.StatusSNSFatal, Err: err}
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(n.ReceiverID),
		Message:          aws.String(msg),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return classifySNS(err)
	}
	return delivered()
}

// message builds the per-protocol JSON document SNS fans out to the
// platform application behind the endpoint.
func (s *SNS) message(n *notifications.Notification) (string, error) {
	ttl := max(n.Remaining(s.now()), 0)
	android, err := json.Marshal(map[string]any{
		"data":         n.AndroidData(s.baseDeeplink),
		"time_to_live": int64(ttl / time.Second),
	})
	if err != nil {
		return "", err
	}

	apple := map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": n.Title, "body": n.Content},
			"badge": 1,
			"sound": "default",
		},
	}
	for k, v := range n.APNsCustom() {
		apple[k] = v
	}
	ios, err := json.Marshal(apple)
	if err != nil {
		return "", err
	}

	doc, err := json.Marshal(map[string]string{
		"default":      n.Content,
		"GCM":          string(android),
		"APNS":         string(ios),
		"APNS_SANDBOX": string(ios),
	})
	if err != nil {
		return "", err
	}
	return string(doc), nil
}

func classifySNS(err error) Response {
	var (
		disabled *types.EndpointDisabledException
		invalid  *types.InvalidParameterException
		notFound *types.NotFoundException
		throttle *types.ThrottledException
		internal *types.InternalErrorException
	)
	switch {
	case errors.As(err, &disabled), errors.As(err, &notFound):
		return Response{Verdict: Unregistered, Status: notifications.StatusSNSEndpointDisabled, Err: err}
	case errors.As(err, &invalid):
		return Response{Verdict: InvalidToken, Status: notifications.StatusSNSInvalidParameter, Err: err}
	case errors.As(err, &throttle), errors.As(err, &internal):
		return Response{Verdict: Retryable, Status: notifications.StatusConnectionError, BackoffBase: 5, Err: err}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return Response{Verdict: Failed, Status: notifications.StatusSNSFatal, Err: err}
	}
	return connectionError(err)
}
