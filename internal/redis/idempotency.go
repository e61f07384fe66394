package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL applies to keys derived from the request body.
	IdempotencyTTL = 5 * time.Minute
	// IdempotencyTTLExact applies to client-supplied Idempotency-Key headers.
	IdempotencyTTLExact = 24 * time.Hour

	processingTTL    = 5 * time.Minute
	processingMarker = "processing"
)

// ErrDuplicateRequest means the key is held by a request still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key in use")

// IdempotencyResult is the cached outcome of an enqueue call.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger, now: time.Now}
}

// keys are scoped by caller so two API clients can reuse the same key.
func (s *IdempotencyService) buildKey(caller, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", caller, key)
}

// Check returns (nil, nil) for an unseen key, the cached result for a
// finished one, and ErrDuplicateRequest while the key is reserved.
func (s *IdempotencyService) Check(ctx context.Context, caller, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(caller, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("bad idempotency payload", zap.String("caller", caller), zap.Error(err))
		return nil, fmt.Errorf("decode cached result: %w", err)
	}

	s.logger.Debug("idempotency hit",
		zap.String("caller", caller),
		zap.String("notification_id", result.NotificationID),
	)
	return &result, nil
}

// Store overwrites the reservation with the final result.
func (s *IdempotencyService) Store(ctx context.Context, caller, key string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = s.now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(caller, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Reserve takes the key with SET NX. false means someone else holds it.
func (s *IdempotencyService) Reserve(ctx context.Context, caller, key string) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, s.buildKey(caller, key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release drops a reservation so a failed request can be retried.
func (s *IdempotencyService) Release(ctx context.Context, caller, key string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(caller, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// CheckOrReserve returns the cached result when there is one, otherwise
// reserves the key and returns (nil, nil).
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, caller, key string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, caller, key)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.Reserve(ctx, caller, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
