// Package expander turns one trading signal and one user's channel
// preferences into queued notifications, one per enabled channel.
package expander

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// Channel priorities. Time-sensitive channels go first.
const (
	PrioritySMS     = 8
	PriorityChat    = 7
	PriorityPush    = 7
	PriorityWebhook = 6
	PriorityEmail   = 5
)

type SignalSource interface {
	GetSignal(ctx context.Context, id uuid.UUID) (*db.Signal, error)
}

type PreferenceSource interface {
	GetUserSettings(ctx context.Context, userID uuid.UUID) (*db.UserSettings, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, notif *db.Notification) (uuid.UUID, error)
}

// Deduplicator suppresses a second fan-out of the same alert to the same
// user on the same channel.
type Deduplicator interface {
	FirstSeen(ctx context.Context, alertID, userID uuid.UUID, channel string) (bool, error)
	Forget(ctx context.Context, alertID, userID uuid.UUID, channel string) error
}

type Expander struct {
	signals SignalSource
	prefs   PreferenceSource
	queue   Enqueuer
	dedup   Deduplicator
	logger  *zap.Logger
}

func New(signals SignalSource, prefs PreferenceSource, queue Enqueuer, logger *zap.Logger) *Expander {
	return &Expander{signals: signals, prefs: prefs, queue: queue, logger: logger}
}

// WithDeduplicator turns on duplicate suppression. Without it every call
// enqueues a fresh set of notifications.
func (e *Expander) WithDeduplicator(d Deduplicator) *Expander {
	e.dedup = d
	return e
}

// QueueSignalNotification enqueues one notification per enabled channel
// that has an address. A user with nothing enabled yields an empty slice.
// On a store error the ids enqueued so far are returned with the error. An
// unknown alert id wraps db.ErrNotFound.
func (e *Expander) QueueSignalNotification(ctx context.Context, alertID, userID uuid.UUID) ([]uuid.UUID, error) {
	signal, err := e.signals.GetSignal(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("load signal %s: %w", alertID, err)
	}

	settings, err := e.prefs.GetUserSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load settings for user %s: %w", userID, err)
	}

	recipients := settings.Recipients()
	ids := make([]uuid.UUID, 0, len(recipients))

	for _, channel := range db.Channels {
		recipient, ok := recipients[channel]
		if !ok {
			continue
		}

		if e.dedup != nil {
			first, err := e.dedup.FirstSeen(ctx, alertID, userID, channel)
			if err != nil {
				// fail open: a duplicate is better than a lost alert
				e.logger.Warn("dedup check failed", zap.String("channel", channel), zap.Error(err))
			} else if !first {
				metrics.RecordDuplicateSuppressed(channel)
				continue
			}
		}

		notif := build(signal, channel, recipient)
		notif.UserID = userID
		notif.AlertID = &alertID

		id, err := e.queue.Enqueue(ctx, notif)
		if err != nil {
			if e.dedup != nil {
				_ = e.dedup.Forget(ctx, alertID, userID, channel)
			}
			return ids, fmt.Errorf("enqueue %s notification: %w", channel, err)
		}

		metrics.RecordNotificationEnqueued("signal", channel)
		ids = append(ids, id)
	}

	e.logger.Info("signal expanded",
		zap.String("alert_id", alertID.String()),
		zap.String("user_id", userID.String()),
		zap.String("symbol", signal.Symbol),
		zap.Int("notifications", len(ids)),
	)

	return ids, nil
}

func build(s *db.Signal, channel, recipient string) *db.Notification {
	n := &db.Notification{Channel: channel, Recipient: recipient}

	switch channel {
	case db.ChannelEmail:
		subject := emailSubject(s)
		html := emailHTML(s)
		n.Subject = &subject
		n.Message = longText(s)
		n.MessageHTML = &html
		n.Priority = PriorityEmail
	case db.ChannelSMS:
		n.Message = smsText(s)
		n.Priority = PrioritySMS
	case db.ChannelChat:
		n.Message = longText(s)
		n.Priority = PriorityChat
	case db.ChannelPush:
		title := pushTitle(s)
		n.Subject = &title
		n.Message = compactText(s)
		n.Priority = PriorityPush
	case db.ChannelWebhook:
		n.Message = webhookBody(s)
		n.Priority = PriorityWebhook
	}
	return n
}
