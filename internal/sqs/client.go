// Package sqs carries trading signal events over AWS SQS: a Producer for
// upstream publishers and a Listener that fans them out into notifications.
package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the AWS endpoint (localstack, elasticmq).
	Endpoint string
}

// SignalMessage is the body of one SQS message: "notify this user about
// this alert".
type SignalMessage struct {
	AlertID uuid.UUID `json:"alert_id"`
	UserID  uuid.UUID `json:"user_id"`
	SentAt  int64     `json:"sent_at,omitempty"`
}

// queueAPI is the part of *sqs.Client used here.
type queueAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func nowUnix() int64 { return time.Now().UnixNano() }
