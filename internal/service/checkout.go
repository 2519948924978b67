package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StartCheckoutRequest is the buyer's checkout form
type StartCheckoutRequest struct {
	CustomerID      string         `json:"customer_id"`
	Contact         models.Contact `json:"contact"`
	ShippingAddress string         `json:"shipping_address"`
	PaymentMethod   string         `json:"payment_method"`
	Zone            models.Zone    `json:"zone"`
	IdempotencyKey  string         `json:"-"`
}

// CheckoutService is the entry point for checkout sessions
type CheckoutService struct {
	carts        CartStore
	runs         RunStore
	idempotency  IdempotencyStore
	partitioner  *Partitioner
	orchestrator *Orchestrator
	currency     string
	runTTL       time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	carts CartStore,
	runs RunStore,
	idempotency IdempotencyStore,
	partitioner *Partitioner,
	orchestrator *Orchestrator,
	currency string,
	runTTL time.Duration,
) *CheckoutService {
	return &CheckoutService{
		carts:        carts,
		runs:         runs,
		idempotency:  idempotency,
		partitioner:  partitioner,
		orchestrator: orchestrator,
		currency:     currency,
		runTTL:       runTTL,
		logger:       util.GetLogger(),
		inflight:     make(map[string]context.CancelFunc),
	}
}

// StartCheckout validates the form, partitions the customer's cart and
// persists a fresh batch run. No gateway call happens here.
func (s *CheckoutService) StartCheckout(ctx context.Context, req StartCheckoutRequest) (*models.BatchRun, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartCheckout", attribute.String("customer_id", req.CustomerID))
	defer span.End()

	if req.Zone == "" {
		req.Zone = models.ZoneLocal
	}
	if err := validateCheckout(req); err != nil {
		return nil, err
	}

	items, err := s.carts.GetCart(ctx, req.CustomerID)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if err := validateItems(items); err != nil {
		return nil, err
	}

	run, err := s.partitioner.Partition(ctx, PartitionInput{
		CustomerID:      req.CustomerID,
		Contact:         req.Contact,
		ShippingAddress: strings.TrimSpace(req.ShippingAddress),
		PaymentMethod:   req.PaymentMethod,
		Zone:            req.Zone,
		Currency:        s.currency,
		Items:           items,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, claimed, err := s.idempotency.ClaimIdempotencyKey(ctx, req.IdempotencyKey, run.SessionID, s.runTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if !claimed {
			s.logger.Info("Duplicate checkout request",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("session_id", existing))
			previous, err := s.runs.LoadRun(ctx, existing)
			if err != nil {
				if errors.Is(err, models.ErrRunNotFound) {
					return nil, newError(KindConflict, "checkout for this idempotency key has expired")
				}
				return nil, fmt.Errorf("failed to load checkout run: %w", err)
			}
			return previous, nil
		}
	}

	if err := s.runs.SaveRun(ctx, run, s.runTTL); err != nil {
		util.RecordError(span, err)
		if req.IdempotencyKey != "" {
			// Let the buyer's retry with the same key start over.
			if relErr := s.idempotency.ReleaseIdempotencyKey(context.WithoutCancel(ctx), req.IdempotencyKey, run.SessionID); relErr != nil {
				s.logger.Error("Failed to release idempotency key",
					zap.String("idempotency_key", req.IdempotencyKey),
					zap.Error(relErr))
			}
		}
		return nil, fmt.Errorf("failed to save checkout run: %w", err)
	}

	util.CheckoutRunsStartedTotal.Inc()
	s.logger.Info("Checkout started",
		zap.String("session_id", run.SessionID),
		zap.String("customer_id", run.CustomerID),
		zap.Int("groups", len(run.Groups)))

	return run, nil
}

// ChangeZone reprices every group for a new delivery zone. Only runs that
// have not started paying can change zone.
func (s *CheckoutService) ChangeZone(ctx context.Context, sessionID string, zone models.Zone) (*models.BatchRun, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ChangeZone", attribute.String("session_id", sessionID))
	defer span.End()

	if !zone.Valid() {
		return nil, newError(KindValidation, fmt.Sprintf("unknown delivery zone %q", zone))
	}

	run, err := s.loadRun(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if run.Started() {
		return nil, newError(KindConflict, "delivery zone cannot change after payment has started")
	}

	s.partitioner.Reprice(run, zone)

	if err := s.runs.SaveRun(ctx, run, s.runTTL); err != nil {
		if errors.Is(err, models.ErrStaleRun) {
			return nil, wrapError(KindConflict, err, "checkout was modified by another request")
		}
		return nil, fmt.Errorf("failed to save checkout run: %w", err)
	}
	return run, nil
}

// GetRun returns the run with its current summary
func (s *CheckoutService) GetRun(ctx context.Context, sessionID string) (*models.BatchRun, *BatchSummary, error) {
	run, err := s.loadRun(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return run, Summarize(run), nil
}

// Resume settles a run after a reload without calling the gateway
func (s *CheckoutService) Resume(ctx context.Context, sessionID string) (*models.BatchRun, *BatchSummary, error) {
	run, err := s.orchestrator.Resume(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return run, Summarize(run), nil
}

// StartProcessing runs ProcessAll in the background. The batch keeps going
// after the request that started it returns; Abandon stops it.
func (s *CheckoutService) StartProcessing(ctx context.Context, sessionID string) error {
	if _, err := s.loadRun(ctx, sessionID); err != nil {
		return err
	}
	return s.runBackground(ctx, sessionID, func(bctx context.Context) (*BatchSummary, error) {
		return s.orchestrator.ProcessAll(bctx, sessionID)
	})
}

// StartRetry retries one failed group in the background
func (s *CheckoutService) StartRetry(ctx context.Context, sessionID, sellerKey string) error {
	run, err := s.loadRun(ctx, sessionID)
	if err != nil {
		return err
	}
	group := run.GroupByKey(sellerKey)
	if group == nil {
		return newError(KindNotFound, fmt.Sprintf("no seller group %q in this checkout", sellerKey))
	}
	if group.PaymentStatus != models.PaymentStatusFailed {
		return newError(KindConflict, fmt.Sprintf("seller group %q is %s and cannot be retried", sellerKey, group.PaymentStatus))
	}
	return s.runBackground(ctx, sessionID, func(bctx context.Context) (*BatchSummary, error) {
		return s.orchestrator.RetryPayment(bctx, sessionID, sellerKey)
	})
}

// HandleUnmatchedCharge records a successful gateway outcome that nothing was
// waiting for
func (s *CheckoutService) HandleUnmatchedCharge(ctx context.Context, reference string, result gateway.Result) error {
	return s.orchestrator.HandleUnmatchedCharge(ctx, reference, result)
}

// Abandon cancels the in-flight batch of a session. Paid groups stay paid.
func (s *CheckoutService) Abandon(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *CheckoutService) runBackground(ctx context.Context, sessionID string, fn func(context.Context) (*BatchSummary, error)) error {
	s.mu.Lock()
	if _, busy := s.inflight[sessionID]; busy {
		s.mu.Unlock()
		return newError(KindConflict, "checkout is already being processed")
	}
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.inflight[sessionID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, sessionID)
			s.mu.Unlock()
			cancel()
		}()

		summary, err := fn(bctx)
		if err != nil {
			s.logger.Error("Checkout processing failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		s.logger.Info("Checkout processing stopped",
			zap.String("session_id", sessionID),
			zap.Bool("complete", summary.Complete),
			zap.String("summary", summary.Message))
	}()
	return nil
}

func (s *CheckoutService) loadRun(ctx context.Context, sessionID string) (*models.BatchRun, error) {
	run, err := s.runs.LoadRun(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			return nil, newError(KindNotFound, "checkout session not found")
		}
		return nil, fmt.Errorf("failed to load checkout run: %w", err)
	}
	return run, nil
}

func validateCheckout(req StartCheckoutRequest) error {
	if strings.TrimSpace(req.CustomerID) == "" {
		return newError(KindValidation, "customer id is required")
	}
	if strings.TrimSpace(req.ShippingAddress) == "" {
		return newError(KindValidation, "shipping address is required")
	}
	if strings.TrimSpace(req.Contact.Name) == "" {
		return newError(KindValidation, "contact name is required")
	}
	if strings.TrimSpace(req.Contact.Email) == "" && strings.TrimSpace(req.Contact.Phone) == "" {
		return newError(KindValidation, "an email or phone number is required")
	}
	if !req.Zone.Valid() {
		return newError(KindValidation, fmt.Sprintf("unknown delivery zone %q", req.Zone))
	}
	return nil
}

func validateItems(items []models.CartItem) error {
	if len(items) == 0 {
		return newError(KindValidation, "cart is empty")
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return newError(KindValidation, fmt.Sprintf("invalid quantity for product %s", item.ProductID))
		}
		if item.UnitPrice < 0 {
			return newError(KindValidation, fmt.Sprintf("invalid price for product %s", item.ProductID))
		}
	}
	return nil
}
