package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS notifications via AWS SNS
type SNSSender struct {
	client   snsAPI
	senderID string
	logger   *zap.Logger
}

type SNSConfig struct {
	Region   string
	SenderID string
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client:   sns.NewFromConfig(awsCfg),
		senderID: cfg.SenderID,
		logger:   logger,
	}, nil
}

func (s *SNSSender) Channel() string { return db.ChannelSMS }

// Send publishes the plain message to the recipient phone number. Alerts
// are sent as Transactional so carriers prioritise them.
func (s *SNSSender) Send(ctx context.Context, notif *db.Notification) Result {
	phone := strings.TrimSpace(notif.Recipient)
	if !strings.HasPrefix(phone, "+") || len(phone) < 8 {
		return Failed("sns", ErrorCodeInvalidRecipient, fmt.Sprintf("phone number %q is not in E.164 format", notif.Recipient))
	}
	if notif.Message == "" {
		return Failed("sns", ErrorCodeInvalidPayload, "sms message is empty")
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(notif.Message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return Failed("sns", ErrorCodeProvider, fmt.Sprintf("sns publish failed: %v", err))
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Debug("SMS sent via SNS",
		zap.String("notification_id", notif.ID.String()),
		zap.String("message_id", messageID),
	)

	return Sent("sns", messageID)
}
