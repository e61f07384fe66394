package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// SandboxSender stands in for a channel with no provider configured when
// sandbox mode is on. It logs the message and reports success.
type SandboxSender struct {
	channel string
	logger  *zap.Logger
}

func NewSandboxSender(channel string, logger *zap.Logger) *SandboxSender {
	return &SandboxSender{channel: channel, logger: logger}
}

func (s *SandboxSender) Channel() string { return s.channel }

func (s *SandboxSender) Send(ctx context.Context, notif *db.Notification) Result {
	messageID := "sandbox-" + uuid.NewString()

	s.logger.Info("sandbox delivery",
		zap.String("notification_id", notif.ID.String()),
		zap.String("channel", notif.Channel),
		zap.String("recipient", notif.Recipient),
		zap.Int("message_length", len(notif.Message)),
		zap.String("message_id", messageID),
	)

	return Sent("sandbox", messageID)
}

// UnconfiguredSender fails every attempt with ErrorCodeNotConfigured. The
// failures go through the normal retry policy and end up visible in stats.
type UnconfiguredSender struct {
	channel string
}

func NewUnconfiguredSender(channel string) *UnconfiguredSender {
	return &UnconfiguredSender{channel: channel}
}

func (s *UnconfiguredSender) Channel() string { return s.channel }

func (s *UnconfiguredSender) Send(ctx context.Context, notif *db.Notification) Result {
	return Failed("none", ErrorCodeNotConfigured, fmt.Sprintf("%s channel is not configured", s.channel))
}
