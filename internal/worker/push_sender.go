package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/sns"
)

type pushPublisher interface {
	Publish(ctx context.Context, targetARN string, msg sns.PushMessage) (string, error)
}

// PushSender delivers mobile push through SNS platform endpoints. The
// recipient is the endpoint (or topic) ARN.
type PushSender struct {
	publisher pushPublisher
	logger    *zap.Logger
}

func NewPushSender(publisher *sns.Publisher, logger *zap.Logger) *PushSender {
	return &PushSender{publisher: publisher, logger: logger}
}

func (s *PushSender) Channel() string { return db.ChannelPush }

func (s *PushSender) Send(ctx context.Context, notif *db.Notification) Result {
	msg := sns.PushMessage{
		NotificationID: notif.ID.String(),
		Title:          subjectOrDefault(notif),
		Body:           notif.Message,
	}
	if notif.AlertID != nil {
		msg.Data = map[string]string{"alert_id": notif.AlertID.String()}
	}

	messageID, err := s.publisher.Publish(ctx, notif.Recipient, msg)
	if errors.Is(err, sns.ErrInvalidTarget) {
		return Failed("sns-push", ErrorCodeInvalidRecipient, err.Error())
	}
	if err != nil {
		return Failed("sns-push", ErrorCodeProvider, fmt.Sprintf("push publish failed: %v", err))
	}

	s.logger.Debug("push sent via SNS",
		zap.String("notification_id", notif.ID.String()),
		zap.String("message_id", messageID),
	)

	return Sent("sns-push", messageID)
}
