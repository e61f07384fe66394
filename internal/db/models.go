package db

import (
	"time"

	"github.com/google/uuid"
)

// Notification is one queued unit of delivery work: a single message for a
// single recipient on a single channel.
type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	AlertID   *uuid.UUID `json:"alert_id,omitempty"`
	Channel   string     `json:"channel"`
	Recipient string     `json:"recipient"`

	Subject           *string           `json:"subject,omitempty"`
	Message           string            `json:"message"`
	MessageHTML       *string           `json:"message_html,omitempty"`
	TemplateID        *string           `json:"template_id,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`

	Priority     int       `json:"priority"`
	ScheduledFor time.Time `json:"scheduled_for"`

	Status            string     `json:"status"`
	MaxRetries        int        `json:"max_retries"`
	CurrentAttempts   int        `json:"current_attempts"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Channel constants
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelPush    = "push"
	ChannelChat    = "chat"
	ChannelWebhook = "webhook"
)

// Channels lists every supported channel.
var Channels = []string{ChannelEmail, ChannelSMS, ChannelPush, ChannelChat, ChannelWebhook}

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// ValidChannel reports whether ch is a supported channel.
func ValidChannel(ch string) bool {
	for _, c := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the dispatcher will never pick the status up again.
func IsTerminal(status string) bool {
	return status == StatusFailed || status == StatusCancelled
}

// applyDefaults fills the enqueue-time fields. Priority 0 means "unset".
func applyDefaults(n *Notification, now time.Time) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Priority == 0 {
		n.Priority = DefaultPriority
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = DefaultMaxRetries
	}
	if n.ScheduledFor.IsZero() {
		n.ScheduledFor = now
	}
	n.Status = StatusPending
	n.CurrentAttempts = 0
	n.LastAttemptAt = nil
	n.NextRetryAt = nil
	n.SentAt = nil
	n.DeliveredAt = nil
	n.LastError = nil
	n.ProviderMessageID = nil
	n.CreatedAt = now
	n.UpdatedAt = now
}

// Delivery log statuses. Every attempt ends in exactly one of these.
const (
	LogStatusSent   = "sent"
	LogStatusFailed = "failed"
)

// An attempt that never reported back before the stale sweep is logged as a
// failure with this code.
const (
	ErrorCodeLeaseExpired = "lease_expired"
	leaseExpiredMessage   = "processing lease expired"
	reclaimProvider       = "dispatcher"
)

// DeliveryLog is the audit record of one processing attempt. Rows are
// written once and never updated.
type DeliveryLog struct {
	ID                 uuid.UUID `json:"id"`
	NotificationID     uuid.UUID `json:"notification_id"`
	Channel            string    `json:"channel"`
	Recipient          string    `json:"recipient"`
	Attempt            int       `json:"attempt"`
	Status             string    `json:"status"`
	Provider           string    `json:"provider"`
	ProviderMessageID  *string   `json:"provider_message_id,omitempty"`
	ProcessingDuration int64     `json:"processing_ms"`
	DeliveryDuration   int64     `json:"delivery_ms"`
	ErrorCode          *string   `json:"error_code,omitempty"`
	ErrorMessage       *string   `json:"error_message,omitempty"`
	AttemptedAt        time.Time `json:"attempted_at"`
	CreatedAt          time.Time `json:"created_at"`
}

// StatusCount is one (status, channel) bucket of the queue.
type StatusCount struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Count   int64  `json:"count"`
}

// Stats is the admin aggregate over the queue.
type Stats struct {
	Counts         []StatusCount    `json:"counts"`
	ByStatus       map[string]int64 `json:"by_status"`
	RecentFailures []*Notification  `json:"recent_failures"`
}

func newStats(counts []StatusCount, failures []*Notification) *Stats {
	s := &Stats{
		Counts:         counts,
		ByStatus:       make(map[string]int64),
		RecentFailures: failures,
	}
	if s.Counts == nil {
		s.Counts = []StatusCount{}
	}
	if s.RecentFailures == nil {
		s.RecentFailures = []*Notification{}
	}
	for _, c := range counts {
		s.ByStatus[c.Status] += c.Count
	}
	return s
}
