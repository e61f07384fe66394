package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, user_id, alert_id, channel, recipient,
	subject, message, message_html, template_id, template_variables,
	priority, scheduled_for, status, max_retries, current_attempts,
	last_attempt_at, next_retry_at, sent_at, delivered_at,
	last_error, provider_message_id, created_at, updated_at`

const deliveryLogColumns = `
	id, notification_id, channel, recipient, attempt, status, provider,
	provider_message_id, processing_ms, delivery_ms, error_code, error_message,
	attempted_at, created_at`

// Repository is the Postgres-backed notification store.
type Repository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue inserts a new pending notification and returns its id.
func (r *Repository) Enqueue(ctx context.Context, notif *Notification) (uuid.UUID, error) {
	applyDefaults(notif, r.now())

	vars, err := encodeVariables(notif.TemplateVariables)
	if err != nil {
		return uuid.Nil, err
	}

	query := `
		INSERT INTO notification_queue (
			id, user_id, alert_id, channel, recipient,
			subject, message, message_html, template_id, template_variables,
			priority, scheduled_for, status, max_retries, current_attempts,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		notif.ID,
		notif.UserID,
		notif.AlertID,
		notif.Channel,
		notif.Recipient,
		notif.Subject,
		notif.Message,
		notif.MessageHTML,
		notif.TemplateID,
		vars,
		notif.Priority,
		notif.ScheduledFor,
		notif.Status,
		notif.MaxRetries,
		notif.CurrentAttempts,
		notif.CreatedAt,
		notif.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return uuid.Nil, fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification enqueued",
		zap.String("notification_id", notif.ID.String()),
		zap.String("channel", notif.Channel),
		zap.Int("priority", notif.Priority),
	)

	return notif.ID, nil
}

// Get retrieves a notification by ID
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_queue WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return notif, nil
}

// SelectDue returns up to limit pending notifications whose schedule and retry
// time have both passed, most urgent first and FIFO within a priority.
func (r *Repository) SelectDue(ctx context.Context, limit int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notification_queue
		WHERE status = 'pending'
		  AND scheduled_for <= $1
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, r.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	return collectNotifications(rows)
}

// MarkProcessing claims a pending notification for one attempt. The update is
// conditional, so two cycles racing for the same row cannot both win.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notification_queue
		SET status = 'processing',
		    current_attempts = current_attempts + 1,
		    last_attempt_at = $2,
		    next_retry_at = NULL,
		    updated_at = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND current_attempts < max_retries
		RETURNING ` + notificationColumns

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, r.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claim notification: %w", err)
	}
	return notif, nil
}

// MarkSent records a successful attempt.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	query := `
		UPDATE notification_queue
		SET status = 'sent',
		    sent_at = $2,
		    provider_message_id = NULLIF($3, ''),
		    last_error = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`
	return r.transition(ctx, query, id, r.now(), providerMessageID)
}

// MarkFailed records a failed attempt. A non-nil nextRetryAt puts the row back
// to pending; nil makes the failure terminal.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt *time.Time) error {
	status := StatusFailed
	if nextRetryAt != nil {
		status = StatusPending
	}

	query := `
		UPDATE notification_queue
		SET status = $3,
		    next_retry_at = $4,
		    last_error = $5,
		    updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`
	return r.transition(ctx, query, id, r.now(), status, nextRetryAt, errMsg)
}

// MarkDelivered records a provider delivery confirmation.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notification_queue
		SET status = 'delivered', delivered_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'sent'
	`
	return r.transition(ctx, query, id, r.now())
}

// Cancel stops a pending notification from ever being selected.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notification_queue
		SET status = 'cancelled', next_retry_at = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`
	return r.transition(ctx, query, id, r.now())
}

// Retry moves a failed notification back to pending. Attempts are kept; when
// none are left, max_retries is raised by extraAttempts (minimum 1) so the
// row becomes claimable again.
func (r *Repository) Retry(ctx context.Context, id uuid.UUID, extraAttempts int) (*Notification, error) {
	if extraAttempts <= 0 {
		extraAttempts = 1
	}

	query := `
		UPDATE notification_queue
		SET status = 'pending',
		    next_retry_at = NULL,
		    last_error = NULL,
		    max_retries = GREATEST(max_retries, current_attempts + $3),
		    updated_at = $2
		WHERE id = $1 AND status = 'failed'
		RETURNING ` + notificationColumns

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, r.now(), extraAttempts))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("retry notification: %w", err)
	}

	r.logger.Info("notification reset for retry",
		zap.String("notification_id", id.String()),
		zap.Int("current_attempts", notif.CurrentAttempts),
		zap.Int("max_retries", notif.MaxRetries),
	)

	return notif, nil
}

// ReclaimStale returns processing rows whose last attempt started before
// cutoff to pending (retry now) or to failed when no attempts are left. The
// abandoned attempt gets its failed log row in the same statement.
func (r *Repository) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		WITH reclaimed AS (
			UPDATE notification_queue
			SET status = CASE WHEN current_attempts >= max_retries THEN 'failed' ELSE 'pending' END,
			    next_retry_at = CASE WHEN current_attempts >= max_retries THEN NULL ELSE $2 END,
			    last_error = $4,
			    updated_at = $2
			WHERE status = 'processing' AND last_attempt_at < $1
			RETURNING id, channel, recipient, current_attempts, last_attempt_at
		)
		INSERT INTO notification_delivery_log (` + deliveryLogColumns + `)
		SELECT gen_random_uuid(), id, channel, recipient, current_attempts, 'failed', $5,
		       NULL, 0, 0, $3, $4, last_attempt_at, $2
		FROM reclaimed
	`

	tag, err := r.db.Pool().Exec(ctx, query, cutoff, r.now(),
		ErrorCodeLeaseExpired, leaseExpiredMessage, reclaimProvider)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendLog writes one delivery attempt to the audit log.
func (r *Repository) AppendLog(ctx context.Context, entry *DeliveryLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = r.now()

	query := `
		INSERT INTO notification_delivery_log (` + deliveryLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		entry.ID,
		entry.NotificationID,
		entry.Channel,
		entry.Recipient,
		entry.Attempt,
		entry.Status,
		entry.Provider,
		entry.ProviderMessageID,
		entry.ProcessingDuration,
		entry.DeliveryDuration,
		entry.ErrorCode,
		entry.ErrorMessage,
		entry.AttemptedAt,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// ListLogs returns every delivery attempt for a notification, oldest first.
func (r *Repository) ListLogs(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryLog, error) {
	query := `
		SELECT ` + deliveryLogColumns + `
		FROM notification_delivery_log
		WHERE notification_id = $1
		ORDER BY attempted_at ASC, attempt ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	logs := []*DeliveryLog{}
	for rows.Next() {
		var l DeliveryLog
		err := rows.Scan(
			&l.ID,
			&l.NotificationID,
			&l.Channel,
			&l.Recipient,
			&l.Attempt,
			&l.Status,
			&l.Provider,
			&l.ProviderMessageID,
			&l.ProcessingDuration,
			&l.DeliveryDuration,
			&l.ErrorCode,
			&l.ErrorMessage,
			&l.AttemptedAt,
			&l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return logs, nil
}

// ListRecent returns the newest notifications for the admin surface.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notification_queue
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collectNotifications(rows)
}

// Stats counts notifications by (status, channel) and returns the most
// recently failed ones.
func (r *Repository) Stats(ctx context.Context, recentFailures int) (*Stats, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT status, channel, COUNT(*)
		FROM notification_queue
		GROUP BY status, channel
		ORDER BY status, channel
	`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StatusCount, error) {
		var c StatusCount
		err := row.Scan(&c.Status, &c.Channel, &c.Count)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan stats: %w", err)
	}

	failRows, err := r.db.Pool().Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_queue
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1
	`, recentFailures)
	if err != nil {
		return nil, fmt.Errorf("query recent failures: %w", err)
	}
	failures, err := collectNotifications(failRows)
	if err != nil {
		return nil, err
	}

	return newStats(counts, failures), nil
}

// GetSignal loads a trading signal by id.
func (r *Repository) GetSignal(ctx context.Context, id uuid.UUID) (*Signal, error) {
	query := `
		SELECT id, symbol, direction, price, stop_loss, take_profit,
		       timeframe, strategy, confidence, COALESCE(note, ''), created_at
		FROM signals
		WHERE id = $1
	`

	var s Signal
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.Symbol,
		&s.Direction,
		&s.Price,
		&s.StopLoss,
		&s.TakeProfit,
		&s.Timeframe,
		&s.Strategy,
		&s.Confidence,
		&s.Note,
		&s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query signal: %w", err)
	}
	return &s, nil
}

// GetUserSettings loads a user's channel preferences. A user without a
// settings row gets everything disabled rather than an error.
func (r *Repository) GetUserSettings(ctx context.Context, userID uuid.UUID) (*UserSettings, error) {
	query := `
		SELECT user_id, email, phone, chat_id, push_endpoint, webhook_url,
		       email_enabled, sms_enabled, chat_enabled, push_enabled, webhook_enabled
		FROM user_notification_settings
		WHERE user_id = $1
	`

	var u UserSettings
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&u.UserID,
		&u.Email,
		&u.Phone,
		&u.ChatID,
		&u.PushEndpoint,
		&u.WebhookURL,
		&u.EmailEnabled,
		&u.SMSEnabled,
		&u.ChatEnabled,
		&u.PushEnabled,
		&u.WebhookEnabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &UserSettings{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user settings: %w", err)
	}
	return &u, nil
}

// transition runs a conditional single-row UPDATE. Zero affected rows means
// either the id is unknown or the row is in the wrong state.
func (r *Repository) transition(ctx context.Context, query string, id uuid.UUID, args ...any) error {
	tag, err := r.db.Pool().Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		r.logger.Error("failed to update notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return fmt.Errorf("update notification: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var vars []byte

	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.AlertID,
		&n.Channel,
		&n.Recipient,
		&n.Subject,
		&n.Message,
		&n.MessageHTML,
		&n.TemplateID,
		&vars,
		&n.Priority,
		&n.ScheduledFor,
		&n.Status,
		&n.MaxRetries,
		&n.CurrentAttempts,
		&n.LastAttemptAt,
		&n.NextRetryAt,
		&n.SentAt,
		&n.DeliveredAt,
		&n.LastError,
		&n.ProviderMessageID,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &n.TemplateVariables); err != nil {
			return nil, fmt.Errorf("decode template variables: %w", err)
		}
	}

	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()

	notifications := []*Notification{}
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}

func encodeVariables(vars map[string]string) ([]byte, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode template variables: %w", err)
	}
	return b, nil
}
