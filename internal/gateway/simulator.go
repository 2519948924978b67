package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Simulator stands in for a real gateway in development. It answers every
// transaction asynchronously after a short delay.
type Simulator struct {
	successRate float64
	minDelay    time.Duration
	jitter      time.Duration
	logger      *zap.Logger
}

// NewSimulator creates a simulator that succeeds with the given probability
// and cancels otherwise, as if the buyer closed the payment dialog.
func NewSimulator(successRate float64) *Simulator {
	return &Simulator{
		successRate: successRate,
		minDelay:    100 * time.Millisecond,
		jitter:      400 * time.Millisecond,
		logger:      util.GetLogger(),
	}
}

// InitTransaction implements Gateway
func (s *Simulator) InitTransaction(_ context.Context, req TransactionRequest, cb Callback) error {
	delay := s.minDelay
	if s.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(s.jitter)))
	}

	go func() {
		time.Sleep(delay)

		gatewayRef := fmt.Sprintf("SIM-%s", uuid.New().String()[:8])
		if rand.Float64() < s.successRate {
			s.logger.Info("Simulated payment succeeded",
				zap.String("reference", req.Reference),
				zap.String("gateway_reference", gatewayRef))
			cb(Result{Outcome: OutcomeSuccess, GatewayReference: gatewayRef})
			return
		}

		s.logger.Warn("Simulated payment cancelled", zap.String("reference", req.Reference))
		cb(Result{Outcome: OutcomeCancelled, GatewayReference: gatewayRef, Message: "buyer closed the payment dialog"})
	}()

	return nil
}
