package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// Store backend: postgres, or memory for local runs without a database
	Store string `env:"STORE" envDefault:"postgres"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"herald"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"herald"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// Redis config
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Rate limiting on the /v1 API, per tenant key
	RateLimit       int           `env:"RATE_LIMIT" envDefault:"100"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Suppress duplicate signal fan-out per (alert, user, channel)
	DedupSignals bool          `env:"DEDUP_SIGNALS" envDefault:"false"`
	DedupTTL     time.Duration `env:"DEDUP_TTL" envDefault:"24h"`

	// SQS signal intake
	SQSRegion         string `env:"SQS_REGION"`
	SignalQueueURL    string `env:"SIGNAL_QUEUE_URL"`
	SignalListenerOff bool   `env:"SIGNAL_LISTENER_DISABLED" envDefault:"false"`
	// POST /v1/signals publishes to the queue instead of expanding inline
	SignalPublish bool `env:"SIGNAL_PUBLISH" envDefault:"false"`

	// AWS Services
	AWSRegion      string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSEndpoint    string `env:"AWS_ENDPOINT"` // LocalStack override for SQS and push
	EmailProvider  string `env:"EMAIL_PROVIDER" envDefault:"ses"` // ses | postmark
	SESFromEmail   string `env:"SES_FROM_EMAIL"`
	SNSRegion      string `env:"SNS_REGION"` // AWS region for SNS (SMS + push)
	SMSEnabled     bool   `env:"SMS_ENABLED" envDefault:"false"`
	PushEnabled    bool   `env:"PUSH_ENABLED" envDefault:"false"`
	SNSSenderID    string `env:"SNS_SENDER_ID"`
	PostmarkServer string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAcct   string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkFrom   string `env:"POSTMARK_FROM_EMAIL"`

	// Chat bot
	ChatBotToken   string `env:"CHAT_BOT_TOKEN"`
	ChatAPIBaseURL string `env:"CHAT_API_BASE_URL" envDefault:"https://api.telegram.org"`

	// Webhook config
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`

	// Unconfigured channels succeed with a sandbox id instead of failing
	SandboxMode bool `env:"SANDBOX_MODE" envDefault:"false"`

	// Dispatcher
	PollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"30s"`
	InitialDelay time.Duration `env:"DISPATCH_INITIAL_DELAY" envDefault:"1s"`
	BatchSize    int           `env:"DISPATCH_BATCH_SIZE" envDefault:"50"`
	StaleAfter   time.Duration `env:"DISPATCH_STALE_AFTER" envDefault:"10m"`

	// Circuit breaker per adapter
	BreakerMaxFailures int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerRecovery    time.Duration `env:"BREAKER_RECOVERY" envDefault:"30s"`
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_POLL_INTERVAL must be > 0"))
	}
	if c.EmailProvider != "ses" && c.EmailProvider != "postmark" {
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER must be ses or postmark, got %q", c.EmailProvider))
	}
	if c.Store != "postgres" && c.Store != "memory" {
		errs = append(errs, fmt.Errorf("STORE must be postgres or memory, got %q", c.Store))
	}
	if c.SignalPublish && c.SignalQueueURL == "" {
		errs = append(errs, errors.New("SIGNAL_PUBLISH requires SIGNAL_QUEUE_URL"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT must be > 0"))
	}

	return errors.Join(errs...)
}
