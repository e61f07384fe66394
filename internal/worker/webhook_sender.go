package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// WebhookSender sends notifications via HTTP webhooks
type WebhookSender struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

// webhookEnvelope wraps messages that are not already JSON.
type webhookEnvelope struct {
	NotificationID string  `json:"notification_id"`
	AlertID        *string `json:"alert_id,omitempty"`
	Subject        *string `json:"subject,omitempty"`
	Message        string  `json:"message"`
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *WebhookSender) Channel() string { return db.ChannelWebhook }

// Send POSTs the message to the recipient URL. A message that is valid JSON
// is sent verbatim; anything else is wrapped in an envelope. Any 2xx is
// success.
func (s *WebhookSender) Send(ctx context.Context, notif *db.Notification) Result {
	target, err := url.Parse(notif.Recipient)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Failed("webhook", ErrorCodeInvalidRecipient, fmt.Sprintf("invalid webhook url %q", notif.Recipient))
	}

	body, err := webhookBody(notif)
	if err != nil {
		return Failed("webhook", ErrorCodeInvalidPayload, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return Failed("webhook", ErrorCodeProvider, fmt.Sprintf("failed to create webhook request: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Herald/1.0")
	req.Header.Set("X-Herald-Notification-ID", notif.ID.String())
	req.Header.Set("X-Herald-Attempt", fmt.Sprint(notif.CurrentAttempts))

	resp, err := s.client.Do(req)
	if err != nil {
		return Failed("webhook", ErrorCodeProvider, fmt.Sprintf("webhook request failed: %v", err))
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failed("webhook", ErrorCodeHTTPStatus,
			fmt.Sprintf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes)))
	}

	s.logger.Debug("webhook delivered",
		zap.String("notification_id", notif.ID.String()),
		zap.String("host", target.Host),
		zap.Int("status_code", resp.StatusCode),
	)

	return Sent("webhook", resp.Header.Get("X-Request-ID"))
}

func webhookBody(notif *db.Notification) ([]byte, error) {
	if json.Valid([]byte(notif.Message)) {
		return []byte(notif.Message), nil
	}

	env := webhookEnvelope{
		NotificationID: notif.ID.String(),
		Subject:        notif.Subject,
		Message:        notif.Message,
	}
	if notif.AlertID != nil {
		id := notif.AlertID.String()
		env.AlertID = &id
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}
	return b, nil
}
