package db

import (
	"time"

	"github.com/google/uuid"
)

// Signal is the trading signal an alert notification is about. Signals are
// produced upstream; this service only reads them.
type Signal struct {
	ID         uuid.UUID `json:"id"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"` // buy | sell
	Price      float64   `json:"price"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	Timeframe  string    `json:"timeframe"`
	Strategy   string    `json:"strategy"`
	Confidence *float64  `json:"confidence,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserSettings holds a user's per-channel opt-ins and addresses. Owned by the
// account service; read-only here.
type UserSettings struct {
	UserID uuid.UUID `json:"user_id"`

	Email        *string `json:"email,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	ChatID       *string `json:"chat_id,omitempty"`
	PushEndpoint *string `json:"push_endpoint,omitempty"`
	WebhookURL   *string `json:"webhook_url,omitempty"`

	EmailEnabled   bool `json:"email_enabled"`
	SMSEnabled     bool `json:"sms_enabled"`
	ChatEnabled    bool `json:"chat_enabled"`
	PushEnabled    bool `json:"push_enabled"`
	WebhookEnabled bool `json:"webhook_enabled"`
}

// Recipients returns channel -> address for every channel that is enabled
// and has a non-empty address.
func (u *UserSettings) Recipients() map[string]string {
	out := make(map[string]string)
	add := func(enabled bool, channel string, addr *string) {
		if enabled && addr != nil && *addr != "" {
			out[channel] = *addr
		}
	}
	add(u.EmailEnabled, ChannelEmail, u.Email)
	add(u.SMSEnabled, ChannelSMS, u.Phone)
	add(u.ChatEnabled, ChannelChat, u.ChatID)
	add(u.PushEnabled, ChannelPush, u.PushEndpoint)
	add(u.WebhookEnabled, ChannelWebhook, u.WebhookURL)
	return out
}
