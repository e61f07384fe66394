package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/metrics"
)

// SignalHandler expands one signal for one user.
type SignalHandler interface {
	QueueSignalNotification(ctx context.Context, alertID, userID uuid.UUID) ([]uuid.UUID, error)
}

type ListenerConfig struct {
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// RetryVisibility hides a message that failed transiently for this many
	// seconds before SQS redelivers it.
	RetryVisibility int32
	ErrorBackoff    time.Duration
}

func (c *ListenerConfig) applyDefaults() {
	if c.MaxMessages <= 0 || c.MaxMessages > 10 {
		c.MaxMessages = 10
	}
	if c.WaitTimeSeconds <= 0 {
		c.WaitTimeSeconds = 20
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 60
	}
	if c.RetryVisibility <= 0 {
		c.RetryVisibility = 30
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
}

// Listener long-polls the signal queue and feeds each message to the
// handler. A message is deleted once handled, or when it can never succeed
// (malformed body, unknown alert). Other failures are left for redelivery.
type Listener struct {
	client   queueAPI
	queueURL string
	handler  SignalHandler
	config   ListenerConfig
	logger   *zap.Logger
}

func NewListener(ctx context.Context, cfg Config, handler SignalHandler, lcfg ListenerConfig, logger *zap.Logger) (*Listener, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newListener(client, cfg.QueueURL, handler, lcfg, logger), nil
}

func newListener(client queueAPI, queueURL string, handler SignalHandler, lcfg ListenerConfig, logger *zap.Logger) *Listener {
	lcfg.applyDefaults()
	return &Listener{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
		config:   lcfg,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("signal listener started",
		zap.String("queue_url", l.queueURL),
		zap.Int32("max_messages", l.config.MaxMessages),
	)

	for {
		if ctx.Err() != nil {
			l.logger.Info("signal listener stopped")
			return nil
		}

		if _, err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.logger.Error("signal poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(l.config.ErrorBackoff):
			}
		}
	}
}

// Poll runs one receive and handles what came back. It returns how many
// messages were handled and deleted.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	out, err := l.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(l.queueURL),
		MaxNumberOfMessages: l.config.MaxMessages,
		WaitTimeSeconds:     l.config.WaitTimeSeconds,
		VisibilityTimeout:   l.config.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	metrics.SetSignalMessagesInFlight(len(out.Messages))
	defer metrics.SetSignalMessagesInFlight(0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handled int
	)
	for _, m := range out.Messages {
		wg.Add(1)
		go func(m types.Message) {
			defer wg.Done()
			if l.handle(ctx, m) {
				mu.Lock()
				handled++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	return handled, nil
}

func (l *Listener) handle(ctx context.Context, m types.Message) bool {
	msgID := aws.ToString(m.MessageId)

	var msg SignalMessage
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil || msg.AlertID == uuid.Nil || msg.UserID == uuid.Nil {
		l.logger.Warn("dropping malformed signal message",
			zap.String("message_id", msgID),
			zap.Error(err),
		)
		return l.delete(ctx, m)
	}

	ids, err := l.handler.QueueSignalNotification(ctx, msg.AlertID, msg.UserID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		l.logger.Warn("dropping signal message for unknown alert",
			zap.String("message_id", msgID),
			zap.String("alert_id", msg.AlertID.String()),
		)
		return l.delete(ctx, m)
	case err != nil:
		l.logger.Error("signal expansion failed, leaving for redelivery",
			zap.String("message_id", msgID),
			zap.String("alert_id", msg.AlertID.String()),
			zap.Error(err),
		)
		l.hide(ctx, m)
		return false
	}

	l.logger.Debug("signal message handled",
		zap.String("message_id", msgID),
		zap.Int("notifications", len(ids)),
	)
	return l.delete(ctx, m)
}

func (l *Listener) delete(ctx context.Context, m types.Message) bool {
	_, err := l.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(l.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		l.logger.Error("sqs delete failed",
			zap.String("message_id", aws.ToString(m.MessageId)),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (l *Listener) hide(ctx context.Context, m types.Message) {
	_, err := l.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(l.queueURL),
		ReceiptHandle:     m.ReceiptHandle,
		VisibilityTimeout: l.config.RetryVisibility,
	})
	if err != nil {
		l.logger.Warn("sqs change visibility failed", zap.Error(err))
	}
}
