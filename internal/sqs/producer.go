package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Producer publishes signal events. The API uses it to hand signals to the
// listener fleet instead of expanding them in the request.
type Producer struct {
	client   queueAPI
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized", zap.String("queue_url", cfg.QueueURL))
	return &Producer{client: client, queueURL: cfg.QueueURL, logger: logger}, nil
}

// Publish sends one signal message and returns the SQS message id.
func (p *Producer) Publish(ctx context.Context, msg SignalMessage) (string, error) {
	if msg.SentAt == 0 {
		msg.SentAt = nowUnix()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal signal message: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("sqs send failed",
			zap.String("alert_id", msg.AlertID.String()),
			zap.Error(err),
		)
		return "", fmt.Errorf("sqs send: %w", err)
	}

	return aws.ToString(out.MessageId), nil
}
