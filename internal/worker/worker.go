package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

const resultWriteTimeout = 10 * time.Second

// ErrCycleInProgress is returned by RunOnce when another cycle holds the guard.
var ErrCycleInProgress = errors.New("dispatch cycle already in progress")

// Store is the part of the notification store the dispatcher drives.
type Store interface {
	SelectDue(ctx context.Context, limit int) ([]*db.Notification, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt *time.Time) error
	AppendLog(ctx context.Context, entry *db.DeliveryLog) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	PollInterval time.Duration
	InitialDelay time.Duration
	BatchSize    int
	// StaleAfter is how long a row may sit in processing before Start
	// hands it back to the queue. Zero disables the sweep.
	StaleAfter time.Duration
}

// CycleResult summarises one processing cycle.
type CycleResult struct {
	Selected int `json:"selected"`
	Sent     int `json:"sent"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Dispatcher polls the store for due notifications and hands each one to the
// adapter registered for its channel. At most one cycle runs at a time.
type Dispatcher struct {
	store    Store
	registry *Registry
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewDispatcher(store Store, registry *Registry, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	return &Dispatcher{
		store:    store,
		registry: registry,
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs cycles on every tick until ctx is cancelled, plus one extra
// cycle InitialDelay after start. A tick that fires while a cycle is still
// running is dropped. Start returns after the in-flight cycle finishes.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher starting",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Int("batch_size", d.config.BatchSize),
		zap.Strings("channels", d.registry.Channels()),
	)

	d.reclaimStale(ctx)

	initial := time.NewTimer(d.config.InitialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			d.wg.Wait()
			return
		case <-initial.C:
			d.tick(ctx)
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Running reports whether a cycle is in progress.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// RunOnce runs a single cycle synchronously. It returns ErrCycleInProgress
// instead of waiting when another cycle is running.
func (d *Dispatcher) RunOnce(ctx context.Context) (CycleResult, error) {
	if !d.running.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer d.running.Store(false)

	return d.processBatch(ctx)
}

func (d *Dispatcher) tick(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		metrics.RecordDispatchCycle(false)
		d.logger.Warn("previous dispatch cycle still running, skipping tick")
		return
	}
	metrics.RecordDispatchCycle(true)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.running.Store(false)

		result, err := d.processBatch(ctx)
		if err != nil {
			d.logger.Error("dispatch cycle failed", zap.Error(err))
			return
		}
		if result.Selected > 0 {
			d.logger.Info("dispatch cycle complete",
				zap.Int("selected", result.Selected),
				zap.Int("sent", result.Sent),
				zap.Int("retried", result.Retried),
				zap.Int("failed", result.Failed),
				zap.Int("skipped", result.Skipped),
			)
		}
	}()
}

func (d *Dispatcher) reclaimStale(ctx context.Context) {
	if d.config.StaleAfter <= 0 {
		return
	}

	n, err := d.store.ReclaimStale(ctx, d.now().Add(-d.config.StaleAfter))
	if err != nil {
		d.logger.Error("failed to reclaim stale notifications", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.RecordStaleReclaimed(n)
		d.logger.Warn("reclaimed notifications stuck in processing",
			zap.Int("count", n),
			zap.Duration("stale_after", d.config.StaleAfter),
		)
	}
}

func (d *Dispatcher) processBatch(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	notifications, err := d.store.SelectDue(ctx, d.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("select due notifications: %w", err)
	}
	result.Selected = len(notifications)
	metrics.SetDispatchBatchSize(len(notifications))

	for _, notif := range notifications {
		if ctx.Err() != nil {
			break
		}
		d.processNotification(ctx, notif, &result)
	}

	return result, nil
}

func (d *Dispatcher) processNotification(ctx context.Context, notif *db.Notification, result *CycleResult) {
	started := time.Now()

	claimed, err := d.store.MarkProcessing(ctx, notif.ID)
	if errors.Is(err, db.ErrNotClaimable) {
		result.Skipped++
		d.logger.Debug("notification no longer claimable",
			zap.String("notification_id", notif.ID.String()),
		)
		return
	}
	if err != nil {
		result.Skipped++
		d.logger.Error("failed to claim notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return
	}

	attemptedAt := d.now()
	sendStart := time.Now()
	res := d.deliver(ctx, claimed)
	deliveryDuration := time.Since(sendStart)

	// Once the adapter has answered, the outcome is recorded even if the
	// cycle's context is cancelled. Otherwise the row stays in processing
	// and the stale sweep sends it a second time.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()

	entry := &db.DeliveryLog{
		NotificationID:   claimed.ID,
		Channel:          claimed.Channel,
		Recipient:        claimed.Recipient,
		Attempt:          claimed.CurrentAttempts,
		Provider:         res.Provider,
		DeliveryDuration: deliveryDuration.Milliseconds(),
		AttemptedAt:      attemptedAt,
	}

	if res.Success {
		result.Sent++
		if err := d.store.MarkSent(writeCtx, claimed.ID, res.MessageID); err != nil {
			d.logger.Error("failed to mark notification sent",
				zap.Error(err),
				zap.String("notification_id", claimed.ID.String()),
			)
		}

		metrics.RecordDeliveryAttempt("sent", claimed.Channel, deliveryDuration)
		metrics.RecordNotificationLatency(claimed.Channel, d.now().Sub(claimed.CreatedAt))

		d.logger.Info("notification sent",
			zap.String("notification_id", claimed.ID.String()),
			zap.String("channel", claimed.Channel),
			zap.String("provider", res.Provider),
			zap.Int("attempt", claimed.CurrentAttempts),
		)

		entry.Status = db.LogStatusSent
		if res.MessageID != "" {
			entry.ProviderMessageID = &res.MessageID
		}
	} else {
		shouldRetry := claimed.CurrentAttempts < claimed.MaxRetries

		var nextRetryAt *time.Time
		outcome := "failed"
		if shouldRetry {
			at := d.now().Add(Backoff(claimed.CurrentAttempts))
			nextRetryAt = &at
			outcome = "retry"
			result.Retried++
		} else {
			result.Failed++
		}

		if err := d.store.MarkFailed(writeCtx, claimed.ID, res.Error, nextRetryAt); err != nil {
			d.logger.Error("failed to mark notification failed",
				zap.Error(err),
				zap.String("notification_id", claimed.ID.String()),
			)
		}

		metrics.RecordDeliveryAttempt(outcome, claimed.Channel, deliveryDuration)

		fields := []zap.Field{
			zap.String("notification_id", claimed.ID.String()),
			zap.String("channel", claimed.Channel),
			zap.String("error", res.Error),
			zap.String("error_code", res.ErrorCode),
			zap.Int("attempt", claimed.CurrentAttempts),
			zap.Int("max_retries", claimed.MaxRetries),
		}
		if nextRetryAt != nil {
			d.logger.Warn("notification failed, retry scheduled", append(fields, zap.Time("next_retry_at", *nextRetryAt))...)
		} else {
			d.logger.Error("notification failed permanently", fields...)
		}

		entry.Status = db.LogStatusFailed
		entry.ErrorMessage = &res.Error
		if res.ErrorCode != "" {
			entry.ErrorCode = &res.ErrorCode
		}
	}

	entry.ProcessingDuration = time.Since(started).Milliseconds()
	if err := d.store.AppendLog(writeCtx, entry); err != nil {
		d.logger.Error("failed to write delivery log",
			zap.Error(err),
			zap.String("notification_id", claimed.ID.String()),
			zap.Int("attempt", entry.Attempt),
		)
	}
}

// deliver calls the adapter for notif's channel. It always returns a Result:
// a missing adapter or a panic inside Send become failures.
func (d *Dispatcher) deliver(ctx context.Context, notif *db.Notification) (res Result) {
	adapter, ok := d.registry.Lookup(notif.Channel)
	if !ok {
		return Failed(notif.Channel, ErrorCodeNoAdapter, fmt.Sprintf("no adapter registered for channel %q", notif.Channel))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("adapter panicked",
				zap.Any("panic", r),
				zap.String("notification_id", notif.ID.String()),
				zap.String("channel", notif.Channel),
			)
			res = Failed(notif.Channel, ErrorCodePanic, fmt.Sprintf("adapter panic: %v", r))
		}
	}()

	res = adapter.Send(ctx, notif)
	if res.Provider == "" {
		res.Provider = notif.Channel
	}
	if !res.Success && res.Error == "" {
		res.Error = "delivery failed"
	}
	return res
}

// Backoff is the wait before the next attempt after attempts failures:
// 2^attempts minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		attempts = 16
	}
	return time.Duration(1<<attempts) * time.Minute
}
