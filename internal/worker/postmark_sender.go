package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// ErrInvalidPostmarkConfig is returned when a Postmark sender is built
// without its tokens or sender address.
var ErrInvalidPostmarkConfig = errors.New("invalid postmark config")

type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromEmail    string
}

// PostmarkSender delivers email through Postmark's transactional API.
type PostmarkSender struct {
	client postmarkAPI
	from   string
	logger *zap.Logger
}

func NewPostmarkSender(cfg PostmarkConfig, logger *zap.Logger) (*PostmarkSender, error) {
	var errs []error
	if cfg.ServerToken == "" {
		errs = append(errs, errors.New("server token is required"))
	}
	if cfg.AccountToken == "" {
		errs = append(errs, errors.New("account token is required"))
	}
	if cfg.FromEmail == "" {
		errs = append(errs, errors.New("from email is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrInvalidPostmarkConfig}, errs...)...)
	}

	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *PostmarkSender) Channel() string { return db.ChannelEmail }

func (s *PostmarkSender) Send(ctx context.Context, notif *db.Notification) Result {
	if notif.Recipient == "" {
		return Failed("postmark", ErrorCodeInvalidRecipient, "email recipient is empty")
	}

	email := postmark.Email{
		From:       s.from,
		To:         notif.Recipient,
		Subject:    subjectOrDefault(notif),
		Tag:        "signal-alert",
		TextBody:   notif.Message,
		TrackOpens: true,
	}
	if notif.MessageHTML != nil {
		email.HTMLBody = *notif.MessageHTML
		email.TrackLinks = "HtmlOnly"
	}

	resp, err := s.client.SendEmail(ctx, email)
	if err != nil {
		return Failed("postmark", ErrorCodeProvider, fmt.Sprintf("postmark send failed: %v", err))
	}
	if resp.ErrorCode > 0 {
		return Failed("postmark", ErrorCodeProvider, fmt.Sprintf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}

	s.logger.Debug("email sent via Postmark",
		zap.String("notification_id", notif.ID.String()),
		zap.String("message_id", resp.MessageID),
	)

	return Sent("postmark", resp.MessageID)
}
