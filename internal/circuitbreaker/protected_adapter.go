package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/worker"
)

// ProtectedAdapter wraps a worker.Adapter with a CircuitBreaker. While the
// breaker is open, Send fails fast with ErrorCodeCircuitOpen and the
// dispatcher schedules a retry as for any other failure.
type ProtectedAdapter struct {
	adapter worker.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedAdapter(adapter worker.Adapter, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedAdapter) Channel() string {
	return p.adapter.Channel()
}

// Send only counts provider-side failures against the breaker. A bad
// recipient or payload says nothing about the provider's health.
func (p *ProtectedAdapter) Send(ctx context.Context, notif *db.Notification) worker.Result {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", notif.Channel),
		)
		return worker.Failed(p.breaker.Name(), worker.ErrorCodeCircuitOpen,
			fmt.Sprintf("%v: %s provider unavailable", ErrCircuitOpen, p.breaker.Name()))
	}

	// A panicking provider counts as a failure, so a half-open slot is
	// never left taken. The panic itself is for the caller to recover.
	defer func() {
		if r := recover(); r != nil {
			p.breaker.RecordFailure()
			panic(r)
		}
	}()

	res := p.adapter.Send(ctx, notif)
	switch {
	case res.Success:
		p.breaker.RecordSuccess()
	case res.ErrorCode == worker.ErrorCodeInvalidRecipient || res.ErrorCode == worker.ErrorCodeInvalidPayload:
		p.breaker.Release()
	default:
		p.breaker.RecordFailure()
	}
	return res
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
