package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// ErrInvalidTarget is returned when the push target is not an SNS ARN.
var ErrInvalidTarget = errors.New("push target must be an SNS endpoint or topic ARN")

type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends mobile push notifications through SNS platform
// application endpoints (or a topic that fans out to them).
type Publisher struct {
	client publishAPI
}

// PushMessage is the platform-neutral push content.
type PushMessage struct {
	NotificationID string            `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
}

// NewPublisher creates an SNS push publisher
func NewPublisher(ctx context.Context, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{client: sns.NewFromConfig(cfg)}, nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{client: client}, nil
}

// Publish delivers msg to targetARN and returns the SNS message id.
func (p *Publisher) Publish(ctx context.Context, targetARN string, msg PushMessage) (string, error) {
	if !strings.HasPrefix(targetARN, "arn:aws:sns:") {
		return "", ErrInvalidTarget
	}

	payload, err := BuildPayload(msg)
	if err != nil {
		return "", err
	}

	input := &sns.PublishInput{
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
		Subject:          aws.String(msg.Title),
	}
	if strings.Contains(targetARN, ":endpoint/") {
		input.TargetArn = aws.String(targetARN)
	} else {
		input.TopicArn = aws.String(targetARN)
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// BuildPayload renders the per-platform JSON document SNS expects when
// MessageStructure is "json". Each platform value is itself a JSON string.
func BuildPayload(msg PushMessage) (string, error) {
	apns, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": msg.Title, "body": msg.Body},
			"sound": "default",
		},
		"notification_id": msg.NotificationID,
		"data":            msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal APNS payload: %w", err)
	}

	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body},
		"data":         mergeData(msg),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal GCM payload: %w", err)
	}

	doc, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
		"GCM":          string(gcm),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal push message: %w", err)
	}
	return string(doc), nil
}

func mergeData(msg PushMessage) map[string]string {
	out := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		out[k] = v
	}
	out["notification_id"] = msg.NotificationID
	return out
}
