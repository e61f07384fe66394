package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/render"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/worker"
)

// buildRegistry picks one adapter per channel. Real providers sit behind a
// circuit breaker; channels without a provider get the sandbox or the
// unconfigured adapter. Every adapter renders templates first.
func buildRegistry(ctx context.Context, cfg *config.Config, catalog *render.Catalog, logger *zap.Logger) (*worker.Registry, *circuitbreaker.Group) {
	registry := worker.NewRegistry()
	breakers := circuitbreaker.NewGroup()

	providers := map[string]worker.Adapter{}
	names := map[string]string{}

	if email := emailAdapter(ctx, cfg, logger); email != nil {
		providers[db.ChannelEmail] = email
		names[db.ChannelEmail] = cfg.EmailProvider
	}

	if cfg.SMSEnabled {
		smsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{
			Region:   cfg.SNSRegion,
			SenderID: cfg.SNSSenderID,
		}, logger)
		if err != nil {
			logger.Warn("SNS SMS sender unavailable", zap.Error(err))
		} else {
			providers[db.ChannelSMS] = smsSender
			names[db.ChannelSMS] = "sns-sms"
		}
	}

	if cfg.PushEnabled {
		var (
			publisher *sns.Publisher
			err       error
		)
		if cfg.AWSEndpoint != "" {
			publisher, err = sns.NewPublisherWithEndpoint(ctx, cfg.AWSEndpoint, cfg.SNSRegion)
		} else {
			publisher, err = sns.NewPublisher(ctx, awsconfig.WithRegion(cfg.SNSRegion))
		}
		if err != nil {
			logger.Warn("SNS push publisher unavailable", zap.Error(err))
		} else {
			providers[db.ChannelPush] = worker.NewPushSender(publisher, logger)
			names[db.ChannelPush] = "sns-push"
		}
	}

	if cfg.ChatBotToken != "" {
		providers[db.ChannelChat] = worker.NewChatSender(worker.ChatConfig{
			BotToken: cfg.ChatBotToken,
			BaseURL:  cfg.ChatAPIBaseURL,
			Timeout:  cfg.WebhookTimeout,
		}, logger)
		names[db.ChannelChat] = "chat"
	}

	providers[db.ChannelWebhook] = worker.NewWebhookSender(logger, worker.WebhookConfig{Timeout: cfg.WebhookTimeout})
	names[db.ChannelWebhook] = "webhook"

	for _, channel := range db.Channels {
		var adapter worker.Adapter

		if p, ok := providers[channel]; ok {
			breaker := circuitbreaker.New(circuitbreaker.Config{
				Name:            names[channel],
				MaxFailures:     cfg.BreakerMaxFailures,
				RecoveryTimeout: cfg.BreakerRecovery,
			}, logger)
			breakers.Add(breaker)
			adapter = circuitbreaker.NewProtectedAdapter(p, breaker, logger)
		} else if cfg.SandboxMode {
			adapter = worker.NewSandboxSender(channel, logger)
		} else {
			adapter = worker.NewUnconfiguredSender(channel)
		}

		registry.Register(render.NewTemplatingAdapter(adapter, catalog, logger))
	}

	logger.Info("channel adapters configured",
		zap.Any("providers", names),
		zap.Bool("sandbox_mode", cfg.SandboxMode),
	)

	return registry, breakers
}

func emailAdapter(ctx context.Context, cfg *config.Config, logger *zap.Logger) worker.Adapter {
	switch cfg.EmailProvider {
	case "postmark":
		sender, err := worker.NewPostmarkSender(worker.PostmarkConfig{
			ServerToken:  cfg.PostmarkServer,
			AccountToken: cfg.PostmarkAcct,
			FromEmail:    cfg.PostmarkFrom,
		}, logger)
		if err != nil {
			logger.Warn("postmark sender unavailable", zap.Error(err))
			return nil
		}
		return sender
	default:
		if cfg.SESFromEmail == "" {
			return nil
		}
		sender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES sender unavailable", zap.Error(err))
			return nil
		}
		return sender
	}
}
