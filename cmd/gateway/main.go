package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/expander"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/render"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/worker"
)

// store is what both the Postgres and the in-memory repository provide.
type store interface {
	api.Store
	worker.Store
	GetSignal(ctx context.Context, id uuid.UUID) (*db.Signal, error)
	GetUserSettings(ctx context.Context, userID uuid.UUID) (*db.UserSettings, error)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo     store
		database *db.DB
	)
	switch cfg.Store {
	case "memory":
		repo = db.NewMemoryRepository(nil)
		logger.Warn("using in-memory store, queue is lost on restart")
	default:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		repo = db.NewRepository(database, logger)
	}

	// Redis is optional: without it there is no idempotency, rate limiting
	// or signal dedup.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.String("host", cfg.RedisHost),
			zap.Error(err),
		)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	catalog := render.DefaultCatalog()
	registry, breakers := buildRegistry(ctx, cfg, catalog, logger)

	dispatcher := worker.NewDispatcher(repo, registry, worker.Config{
		PollInterval: cfg.PollInterval,
		InitialDelay: cfg.InitialDelay,
		BatchSize:    cfg.BatchSize,
		StaleAfter:   cfg.StaleAfter,
	}, logger)

	exp := expander.New(repo, repo, repo, logger)
	if signalDedup(cfg) {
		if redisClient != nil {
			exp.WithDeduplicator(redis.NewDeduplicator(redisClient, logger, cfg.DedupTTL))
		} else {
			logger.Warn("signal dedup wanted but redis is unavailable, redelivered signals may fan out twice")
		}
	}

	handler := api.NewHandler(logger, repo).
		WithExpander(exp).
		WithDispatcher(dispatcher).
		WithBreakers(breakers).
		WithTemplates(catalog)

	var limiter api.Limiter
	if redisClient != nil {
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger))
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
	}

	sqsCfg := sqs.Config{
		Region:   cfg.SQSRegion,
		QueueURL: cfg.SignalQueueURL,
		Endpoint: cfg.AWSEndpoint,
	}

	if cfg.SignalPublish {
		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create signal producer: %w", err)
		}
		handler.WithPublisher(producer)
	}

	var listener *sqs.Listener
	if listenForSignals(cfg) {
		listener, err = sqs.NewListener(ctx, sqsCfg, exp, sqs.ListenerConfig{}, logger)
		if err != nil {
			return fmt.Errorf("failed to create signal listener: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(limiter, logger, api.ClientOrIPKeyFunc))
		handler.Routes(r)
	})

	r.Get("/health", healthHandler(database, redisClient))
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})

	if listener != nil {
		g.Go(func() error { return listener.Run(gctx) })
	}

	g.Go(func() error {
		reportPoolGauges(gctx, database, redisClient)
		return nil
	})

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("gateway stopped")
	return nil
}

func listenForSignals(cfg *config.Config) bool {
	return cfg.SignalQueueURL != "" && !cfg.SignalListenerOff
}

// signalDedup is forced on while the SQS listener runs: a partly expanded
// message is redelivered, and the channels already enqueued must not fan out
// again.
func signalDedup(cfg *config.Config) bool {
	return cfg.DedupSignals || listenForSignals(cfg)
}

// healthHandler fails on a database outage only. Redis is reported but
// optional.
func healthHandler(database *db.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		checks := map[string]string{"database": "ok", "redis": "disabled"}

		if database == nil {
			checks["database"] = "memory"
		} else if err := database.Health(r.Context()); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(r.Context()); err != nil {
				checks["redis"] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(checks)
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func reportPoolGauges(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		if database != nil {
			metrics.SetDBConnections(database.AcquiredConns())
		}
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.TotalConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
