package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deduplicator remembers which (alert, user, channel) triples were already
// expanded so a redelivered signal does not notify twice.
type Deduplicator struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewDeduplicator(client *Client, logger *zap.Logger, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduplicator{client: client, logger: logger, ttl: ttl}
}

func dedupKey(alertID, userID uuid.UUID, channel string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", alertID, userID, channel)
}

// FirstSeen marks the triple and reports whether this call was the first.
func (d *Deduplicator) FirstSeen(ctx context.Context, alertID, userID uuid.UUID, channel string) (bool, error) {
	ok, err := d.client.rdb.SetNX(ctx, dedupKey(alertID, userID, channel), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		d.logger.Debug("duplicate signal fan-out",
			zap.String("alert_id", alertID.String()),
			zap.String("user_id", userID.String()),
			zap.String("channel", channel),
		)
	}
	return ok, nil
}

// Forget clears a mark, used when the enqueue after FirstSeen failed.
func (d *Deduplicator) Forget(ctx context.Context, alertID, userID uuid.UUID, channel string) error {
	return d.client.rdb.Del(ctx, dedupKey(alertID, userID, channel)).Err()
}
