package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Breaker stops calling a failing gateway for a while. Only InitTransaction
// errors count as failures; declined payments and buyer abandonment do not.
type Breaker struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker wraps next in a circuit breaker that opens after maxFailures
// consecutive init failures and probes again after openTimeout.
func NewBreaker(next Gateway, maxFailures uint32, openTimeout time.Duration) *Breaker {
	logger := util.GetLogger()
	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAbandoned)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			util.GatewayBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("Gateway breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Breaker{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// InitTransaction implements Gateway
func (b *Breaker) InitTransaction(ctx context.Context, req TransactionRequest, cb Callback) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.InitTransaction(ctx, req, cb)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrAbandoned) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
