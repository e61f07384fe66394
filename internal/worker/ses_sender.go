package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers email through AWS SES.
type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *SESSender) Channel() string { return db.ChannelEmail }

// Send sends the plain body and, when present, the HTML body as one message.
func (s *SESSender) Send(ctx context.Context, notif *db.Notification) Result {
	if notif.Recipient == "" {
		return Failed("ses", ErrorCodeInvalidRecipient, "email recipient is empty")
	}
	if notif.Message == "" && notif.MessageHTML == nil {
		return Failed("ses", ErrorCodeInvalidPayload, "email has no body")
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(notif.Message),
			Charset: aws.String("UTF-8"),
		},
	}
	if notif.MessageHTML != nil && *notif.MessageHTML != "" {
		body.Html = &types.Content{
			Data:    notif.MessageHTML,
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{notif.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subjectOrDefault(notif)),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return Failed("ses", ErrorCodeProvider, fmt.Sprintf("ses send failed: %v", err))
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Debug("email sent via SES",
		zap.String("notification_id", notif.ID.String()),
		zap.String("message_id", messageID),
	)

	return Sent("ses", messageID)
}

func subjectOrDefault(notif *db.Notification) string {
	if notif.Subject != nil && *notif.Subject != "" {
		return *notif.Subject
	}
	return "Trading signal alert"
}
