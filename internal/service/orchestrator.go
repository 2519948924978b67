package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrchestratorConfig holds batch timing settings
type OrchestratorConfig struct {
	AdvanceDelay    time.Duration
	RunTTL          time.Duration
	CompletedRunTTL time.Duration
	LockTTL         time.Duration
}

// Orchestrator drives one gateway transaction per seller group, strictly one
// at a time, and keeps the run's persisted cursor and statuses current so a
// reload can pick up where it left off.
type Orchestrator struct {
	runs      RunStore
	locker    SessionLocker
	gateway   gateway.Gateway
	orders    OrderCommitter
	carts     CartStore
	publisher EventPublisher
	cfg       OrchestratorConfig
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates a new payment orchestrator
func NewOrchestrator(
	runs RunStore,
	locker SessionLocker,
	gw gateway.Gateway,
	orders OrderCommitter,
	carts CartStore,
	publisher EventPublisher,
	cfg OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		runs:      runs,
		locker:    locker,
		gateway:   gw,
		orders:    orders,
		carts:     carts,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errAbandoned stops the batch loop. Remaining groups stay pending.
var errAbandoned = errors.New("checkout abandoned")

// ProcessAll processes every remaining group in order, starting at the
// persisted cursor. Group failures never stop the loop; only abandonment
// (context cancellation) does.
func (o *Orchestrator) ProcessAll(ctx context.Context, sessionID string) (*BatchSummary, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ProcessAll", attribute.String("session_id", sessionID))
	defer span.End()

	var summary *BatchSummary
	err := o.withSession(ctx, sessionID, func(ctx context.Context, run *models.BatchRun) error {
		for run.CurrentIndex < len(run.Groups) {
			if ctx.Err() != nil {
				return nil
			}
			group := run.Groups[run.CurrentIndex]

			invoked := false
			if group.PaymentStatus == models.PaymentStatusPending {
				invoked = true
				if err := o.processGroup(ctx, run, group, false); err != nil {
					if errors.Is(err, errAbandoned) {
						o.logger.Info("Checkout abandoned",
							zap.String("session_id", run.SessionID),
							zap.Int("current_index", run.CurrentIndex))
						return nil
					}
					return err
				}
			}

			run.CurrentIndex++
			if err := o.save(ctx, run); err != nil {
				return err
			}

			if invoked && run.CurrentIndex < len(run.Groups) {
				if err := o.sleep(ctx, o.cfg.AdvanceDelay); err != nil {
					return nil
				}
			}
		}

		return o.finish(ctx, run)
	}, func(run *models.BatchRun) {
		summary = Summarize(run)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return summary, nil
}

// RetryPayment re-runs a single failed group. Its reference is unchanged and
// no other group is touched.
func (o *Orchestrator) RetryPayment(ctx context.Context, sessionID, sellerKey string) (*BatchSummary, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.RetryPayment",
		attribute.String("session_id", sessionID),
		attribute.String("seller_key", sellerKey))
	defer span.End()

	var summary *BatchSummary
	err := o.withSession(ctx, sessionID, func(ctx context.Context, run *models.BatchRun) error {
		group := run.GroupByKey(sellerKey)
		if group == nil {
			return newError(KindNotFound, fmt.Sprintf("no seller group %q in this checkout", sellerKey))
		}
		if group.PaymentStatus != models.PaymentStatusFailed {
			return newError(KindConflict, fmt.Sprintf("seller group %q is %s and cannot be retried", sellerKey, group.PaymentStatus))
		}

		util.SellerGroupRetriesTotal.Inc()
		o.logger.Info("Retrying seller group",
			zap.String("session_id", run.SessionID),
			zap.String("seller_key", sellerKey),
			zap.Int("attempt", group.Attempts+1))

		if err := o.processGroup(ctx, run, group, true); err != nil {
			if errors.Is(err, errAbandoned) {
				return nil
			}
			return err
		}

		if run.CurrentIndex >= len(run.Groups) {
			return o.finish(ctx, run)
		}
		return nil
	}, func(run *models.BatchRun) {
		summary = Summarize(run)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return summary, nil
}

// Resume loads a run after a reload and settles groups whose outcome was
// lost mid-flight. It never calls the gateway.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*models.BatchRun, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Resume", attribute.String("session_id", sessionID))
	defer span.End()

	var resumed *models.BatchRun
	err := o.withSession(ctx, sessionID, func(context.Context, *models.BatchRun) error {
		return nil
	}, func(run *models.BatchRun) {
		resumed = run
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return resumed, nil
}

// withSession locks the session, loads and reconciles the run, then runs fn.
// done sees the run as it was last saved, even when fn fails. The lock is
// refreshed while fn runs; if it is lost, fn's context is cancelled.
func (o *Orchestrator) withSession(ctx context.Context, sessionID string, fn func(context.Context, *models.BatchRun) error, done func(*models.BatchRun)) error {
	lockKey := "checkout:" + sessionID
	token, acquired, err := o.locker.AcquireLock(ctx, lockKey, o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire checkout lock: %w", err)
	}
	if !acquired {
		return newError(KindConflict, "checkout is already being processed")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	stopRefresh := o.keepLock(ctx, cancel, sessionID, lockKey, token)
	defer func() {
		stopRefresh()
		cancel(nil)
		if err := o.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			o.logger.Error("Failed to release checkout lock", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	run, err := o.runs.LoadRun(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			return newError(KindNotFound, "checkout session not found")
		}
		return fmt.Errorf("failed to load checkout run: %w", err)
	}

	if err := o.reconcile(ctx, run); err != nil {
		return err
	}

	fnErr := fn(ctx, run)
	done(run)
	if fnErr == nil && errors.Is(context.Cause(ctx), errLockLost) {
		return wrapError(KindConflict, errLockLost, "checkout was interrupted, please resume")
	}
	return fnErr
}

// errLockLost cancels work whose session lock expired under it
var errLockLost = errors.New("checkout lock lost")

// keepLock refreshes the session lock every third of its ttl until the
// returned stop func is called.
func (o *Orchestrator) keepLock(ctx context.Context, lost context.CancelCauseFunc, sessionID, lockKey, token string) func() {
	interval := o.cfg.LockTTL / 3
	if interval <= 0 {
		return func() {}
	}
	refreshCtx := context.WithoutCancel(ctx)

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			held, err := o.locker.RefreshLock(refreshCtx, lockKey, token, o.cfg.LockTTL)
			if err != nil {
				o.logger.Warn("Failed to refresh checkout lock", zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if !held {
				o.logger.Error("Checkout lock lost", zap.String("session_id", sessionID))
				lost(errLockLost)
				return
			}
		}
	}()

	return func() {
		close(stop)
		<-stopped
	}
}

// reconcile settles groups persisted as processing. An order recorded for the
// group means the charge went through; anything else is marked failed so the
// buyer can retry. Paid groups are left alone.
func (o *Orchestrator) reconcile(ctx context.Context, run *models.BatchRun) error {
	changed := false
	for _, group := range run.Groups {
		if group.PaymentStatus != models.PaymentStatusProcessing {
			continue
		}

		orderID, found, err := o.orders.FindCommitted(ctx, run.SessionID, group.Index)
		if err != nil {
			return fmt.Errorf("failed to verify group %d: %w", group.Index, err)
		}

		if found {
			if err := group.Transition(models.PaymentStatusPaid, false); err != nil {
				return err
			}
			group.OrderID = orderID
			group.FailureReason = ""
			group.FailureKind = ""
			run.ClearFailure(group.Key())
			o.logger.Info("Recovered paid group after reload",
				zap.String("session_id", run.SessionID),
				zap.Int("group_index", group.Index),
				zap.Int64("order_id", orderID))
		} else {
			if err := o.fail(run, group, KindGatewayUnavailable, "payment interrupted before it was confirmed"); err != nil {
				return err
			}
			o.logger.Warn("Marked interrupted group as failed",
				zap.String("session_id", run.SessionID),
				zap.Int("group_index", group.Index))
		}
		changed = true
	}

	if !changed {
		return nil
	}
	return o.save(ctx, run)
}

// processGroup runs one gateway transaction for the group and records its
// outcome. Per-group failures are recorded on the group and return nil; the
// returned error is reserved for abandonment and run persistence failures.
func (o *Orchestrator) processGroup(ctx context.Context, run *models.BatchRun, group *models.SellerGroup, retry bool) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.processGroup",
		attribute.String("session_id", run.SessionID),
		attribute.Int("group_index", group.Index))
	defer span.End()

	if err := group.Transition(models.PaymentStatusProcessing, retry); err != nil {
		return fmt.Errorf("group %d: %w", group.Index, err)
	}
	group.Reference = TransactionReference(run.SessionID, group.Index)
	group.Attempts++
	group.FailureReason = ""
	group.FailureKind = ""

	if err := o.save(ctx, run); err != nil {
		return err
	}

	req := gateway.TransactionRequest{
		Amount:    group.Total,
		Currency:  run.Currency,
		Reference: group.Reference,
		Email:     run.Contact.Email,
		Metadata: map[string]string{
			"session_id":  run.SessionID,
			"group_index": strconv.Itoa(group.Index),
			"seller_id":   group.SellerID,
		},
	}
	if group.IsSplit() {
		req.Split = &gateway.Split{
			DestinationAccount: group.PayoutDestination,
			PlatformCharge:     group.Breakdown.PlatformTake,
			Bearer:             gateway.BearerPlatform,
		}
	}

	o.logger.Info("Starting seller group payment",
		zap.String("session_id", run.SessionID),
		zap.Int("group_index", group.Index),
		zap.String("seller", group.SellerName),
		zap.String("reference", group.Reference),
		zap.Int64("amount", req.Amount),
		zap.Bool("split", req.Split != nil))

	start := time.Now()
	result, err := gateway.Await(ctx, o.gateway, req)
	util.GatewayLatency.Observe(time.Since(start).Seconds())

	// From here on the run must be written even if the buyer has gone away.
	persistCtx := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, gateway.ErrAbandoned) {
			kind, reason := KindUserCancelled, "checkout was closed before the payment finished"
			if errors.Is(context.Cause(ctx), errLockLost) {
				kind, reason = KindGatewayUnavailable, "payment interrupted before it was confirmed"
			}
			if failErr := o.fail(run, group, kind, reason); failErr != nil {
				return failErr
			}
			if err := o.save(persistCtx, run); err != nil {
				return err
			}
			return errAbandoned
		}
		util.RecordError(span, err)
		o.logger.Warn("Gateway unavailable", zap.String("reference", group.Reference), zap.Error(err))
		return o.failAndSave(persistCtx, run, group, KindGatewayUnavailable, err.Error())
	}

	switch result.Outcome {
	case gateway.OutcomeSuccess:
	case gateway.OutcomeCancelled:
		return o.failAndSave(persistCtx, run, group, KindUserCancelled, "payment was cancelled")
	default:
		reason := result.Message
		if reason == "" {
			reason = "payment was declined"
		}
		return o.failAndSave(persistCtx, run, group, KindGatewayUnavailable, reason)
	}

	group.GatewayReference = result.GatewayReference

	orderID, err := o.orders.CommitOrder(persistCtx, CommitRequest{
		SessionID:        run.SessionID,
		CustomerID:       run.CustomerID,
		Currency:         run.Currency,
		Group:            group,
		ShippingAddress:  run.ShippingAddress,
		PaymentMethod:    run.PaymentMethod,
		GatewayReference: result.GatewayReference,
	})
	if err != nil {
		util.RecordError(span, err)
		o.raiseReconciliationAlert(persistCtx, run, group, err)
		return o.failAndSave(persistCtx, run, group, KindCommitFailed, err.Error())
	}

	if err := o.carts.RemoveLines(persistCtx, run.CustomerID, group.ProductIDs()); err != nil {
		o.logger.Error("Failed to remove paid lines from cart",
			zap.String("customer_id", run.CustomerID),
			zap.Int("group_index", group.Index),
			zap.Error(err))
	}

	if err := group.Transition(models.PaymentStatusPaid, false); err != nil {
		return err
	}
	group.OrderID = orderID
	run.ClearFailure(group.Key())
	util.SellerGroupPaymentsTotal.WithLabelValues("paid").Inc()

	o.logger.Info("Seller group paid",
		zap.String("session_id", run.SessionID),
		zap.Int("group_index", group.Index),
		zap.Int64("order_id", orderID),
		zap.String("gateway_reference", result.GatewayReference))

	return o.save(persistCtx, run)
}

func (o *Orchestrator) fail(run *models.BatchRun, group *models.SellerGroup, kind ErrorKind, reason string) error {
	if err := group.Transition(models.PaymentStatusFailed, false); err != nil {
		return fmt.Errorf("group %d: %w", group.Index, err)
	}
	group.FailureKind = string(kind)
	group.FailureReason = reason
	run.RecordFailure(group.Key())
	util.SellerGroupPaymentsTotal.WithLabelValues(string(kind)).Inc()

	o.logger.Warn("Seller group payment failed",
		zap.String("session_id", run.SessionID),
		zap.Int("group_index", group.Index),
		zap.String("seller", group.SellerName),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
	return nil
}

func (o *Orchestrator) failAndSave(ctx context.Context, run *models.BatchRun, group *models.SellerGroup, kind ErrorKind, reason string) error {
	if err := o.fail(run, group, kind, reason); err != nil {
		return err
	}
	return o.save(ctx, run)
}

func (o *Orchestrator) raiseReconciliationAlert(ctx context.Context, run *models.BatchRun, group *models.SellerGroup, cause error) {
	o.alert(ctx, &models.ReconciliationAlertEvent{
		BaseEvent:        newBaseEvent(models.EventTypeReconciliationAlert),
		SessionID:        run.SessionID,
		GroupIndex:       group.Index,
		SellerID:         group.SellerID,
		GatewayReference: group.GatewayReference,
		Amount:           group.Total,
		Currency:         run.Currency,
		Reason:           cause.Error(),
	})
}

func (o *Orchestrator) alert(ctx context.Context, event *models.ReconciliationAlertEvent) {
	util.ReconciliationAlertsTotal.Inc()

	o.logger.Error("RECONCILIATION ALERT",
		zap.String("session_id", event.SessionID),
		zap.Int("group_index", event.GroupIndex),
		zap.String("seller_id", event.SellerID),
		zap.String("gateway_reference", event.GatewayReference),
		zap.Int64("amount", event.Amount),
		zap.String("reason", event.Reason))

	if err := o.publisher.PublishReconciliationAlert(ctx, event); err != nil {
		o.logger.Error("Failed to publish ReconciliationAlert event", zap.Error(err))
	}
}

const (
	lateChargeReason   = "payment confirmed after checkout was closed"
	lateChargeAttempts = 10
	lateChargeBackoff  = 200 * time.Millisecond
)

// HandleUnmatchedCharge handles a successful gateway outcome that arrived
// after nothing was waiting for it any more, typically because the buyer
// abandoned the batch. The buyer has been charged without an order, so an
// alert is raised and the group is marked commit_failed with the gateway
// reference recorded. A repeat delivery for a group already paid under the
// same gateway reference is ignored.
func (o *Orchestrator) HandleUnmatchedCharge(ctx context.Context, reference string, result gateway.Result) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.HandleUnmatchedCharge", attribute.String("reference", reference))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	sessionID, index, ok := ParseTransactionReference(reference)
	if !ok {
		o.alert(ctx, &models.ReconciliationAlertEvent{
			BaseEvent:        newBaseEvent(models.EventTypeReconciliationAlert),
			GroupIndex:       -1,
			GatewayReference: result.GatewayReference,
			Reason:           fmt.Sprintf("charge confirmed for unknown reference %q", reference),
		})
		return nil
	}

	var err error
	for attempt := 0; attempt < lateChargeAttempts; attempt++ {
		err = o.withSession(ctx, sessionID, func(ctx context.Context, run *models.BatchRun) error {
			return o.settleLateCharge(ctx, run, index, reference, result)
		}, func(*models.BatchRun) {})
		if !IsKind(err, KindConflict) {
			break
		}
		if sleepErr := o.sleep(ctx, lateChargeBackoff); sleepErr != nil {
			break
		}
	}
	if err == nil {
		return nil
	}

	// The run could not be annotated. Alert with what the reference tells us.
	util.RecordError(span, err)
	o.logger.Warn("Could not record late charge on checkout run",
		zap.String("session_id", sessionID),
		zap.Int("group_index", index),
		zap.Error(err))
	o.alert(ctx, &models.ReconciliationAlertEvent{
		BaseEvent:        newBaseEvent(models.EventTypeReconciliationAlert),
		SessionID:        sessionID,
		GroupIndex:       index,
		GatewayReference: result.GatewayReference,
		Reason:           fmt.Sprintf("%s: %v", lateChargeReason, err),
	})
	if IsKind(err, KindNotFound) {
		return nil
	}
	return err
}

func (o *Orchestrator) settleLateCharge(ctx context.Context, run *models.BatchRun, index int, reference string, result gateway.Result) error {
	if index >= len(run.Groups) {
		return newError(KindNotFound, fmt.Sprintf("no seller group %d in this checkout", index))
	}
	group := run.Groups[index]

	if group.PaymentStatus == models.PaymentStatusPaid && group.GatewayReference == result.GatewayReference {
		o.logger.Info("Ignoring repeated gateway confirmation",
			zap.String("session_id", run.SessionID),
			zap.Int("group_index", index),
			zap.String("reference", reference))
		return nil
	}

	group.GatewayReference = result.GatewayReference
	if group.PaymentStatus == models.PaymentStatusFailed {
		group.FailureKind = string(KindCommitFailed)
		group.FailureReason = lateChargeReason
		run.RecordFailure(group.Key())
	}
	if err := o.save(ctx, run); err != nil {
		return err
	}

	o.raiseReconciliationAlert(ctx, run, group, errors.New(lateChargeReason))
	return nil
}

// finish reports the batch outcome once the cursor has passed every group.
// A fully paid batch clears the cart and its run expires shortly after.
func (o *Orchestrator) finish(ctx context.Context, run *models.BatchRun) error {
	ctx = context.WithoutCancel(ctx)

	outcome := models.BatchOutcomePartial
	ttl := o.cfg.RunTTL
	if run.AllPaid() {
		outcome = models.BatchOutcomeSuccess
		ttl = o.cfg.CompletedRunTTL
		if err := o.carts.ClearCart(ctx, run.CustomerID); err != nil {
			o.logger.Error("Failed to clear cart", zap.String("customer_id", run.CustomerID), zap.Error(err))
		}
	}

	util.CheckoutBatchesTotal.WithLabelValues(outcome).Inc()

	paid := 0
	for _, g := range run.Groups {
		if g.PaymentStatus == models.PaymentStatusPaid {
			paid++
		}
	}

	o.logger.Info("Checkout batch finished",
		zap.String("session_id", run.SessionID),
		zap.String("outcome", outcome),
		zap.Int("paid", paid),
		zap.Strings("failed_sellers", run.FailedSellerNames()))

	event := &models.BatchCompletedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeBatchCompleted),
		SessionID:     run.SessionID,
		CustomerID:    run.CustomerID,
		Outcome:       outcome,
		PaidGroups:    paid,
		FailedSellers: run.FailedSellerNames(),
		GrandTotal:    run.Totals().Total,
	}
	if err := o.publisher.PublishBatchCompleted(ctx, event); err != nil {
		o.logger.Error("Failed to publish BatchCompleted event", zap.Error(err))
	}

	return o.saveWithTTL(ctx, run, ttl)
}

func (o *Orchestrator) save(ctx context.Context, run *models.BatchRun) error {
	return o.saveWithTTL(ctx, run, o.cfg.RunTTL)
}

func (o *Orchestrator) saveWithTTL(ctx context.Context, run *models.BatchRun, ttl time.Duration) error {
	run.UpdatedAt = time.Now()
	if err := o.runs.SaveRun(ctx, run, ttl); err != nil {
		if errors.Is(err, models.ErrStaleRun) {
			return wrapError(KindConflict, err, "checkout was modified by another request")
		}
		return fmt.Errorf("failed to save checkout run: %w", err)
	}
	return nil
}
