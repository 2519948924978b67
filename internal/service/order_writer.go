package service

import (
	"context"
	"fmt"
	"strconv"
	"unicode/utf8"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CommitRequest is everything needed to record one paid seller group
type CommitRequest struct {
	SessionID        string
	CustomerID       string
	Currency         string
	Group            *models.SellerGroup
	ShippingAddress  string
	PaymentMethod    string
	GatewayReference string
}

// OrderWriter persists the order, items and ledger entry of a paid group and
// notifies the seller
type OrderWriter struct {
	orders        OrderRepository
	notifier      Notifier
	publisher     EventPublisher
	maxMessageLen int
	logger        *zap.Logger
}

// NewOrderWriter creates a new order writer
func NewOrderWriter(orders OrderRepository, notifier Notifier, publisher EventPublisher, maxMessageLen int) *OrderWriter {
	return &OrderWriter{
		orders:        orders,
		notifier:      notifier,
		publisher:     publisher,
		maxMessageLen: maxMessageLen,
		logger:        util.GetLogger(),
	}
}

// CommitOrder writes the order, its items and the ledger entry as one unit
// and returns the order id. A group that already has an order for this
// session returns the existing id instead of writing a second one.
func (w *OrderWriter) CommitOrder(ctx context.Context, req CommitRequest) (int64, error) {
	ctx, span := util.StartSpan(ctx, "OrderWriter.CommitOrder")
	defer span.End()

	group := req.Group

	existing, err := w.orders.GetOrderBySessionGroup(ctx, req.SessionID, group.Index)
	if err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to check existing order: %w", err)
	}
	if existing != nil {
		w.logger.Info("Order already committed for group",
			zap.String("session_id", req.SessionID),
			zap.Int("group_index", group.Index),
			zap.Int64("order_id", existing.ID))
		return existing.ID, nil
	}

	var sellerID *string
	if !group.IsPlatform() {
		id := group.SellerID
		sellerID = &id
	}

	order := &models.Order{
		SessionID:        req.SessionID,
		GroupIndex:       group.Index,
		CustomerID:       req.CustomerID,
		SellerID:         sellerID,
		Subtotal:         group.Subtotal,
		Shipping:         group.Shipping,
		Tax:              group.Tax,
		Total:            group.Total,
		Currency:         req.Currency,
		ShippingAddress:  req.ShippingAddress,
		PaymentMethod:    req.PaymentMethod,
		PaymentStatus:    models.OrderPaymentPaid,
		Status:           models.OrderStatusConfirmed,
		GatewayReference: req.GatewayReference,
	}

	items := make([]models.OrderItem, 0, len(group.Lines))
	for _, line := range group.Lines {
		items = append(items, models.OrderItem{
			ProductID:   line.ProductID,
			Name:        line.Name,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			ShippingFee: line.ShippingFee,
			FeeMode:     line.FeeMode,
		})
	}

	b := group.Breakdown
	entry := &models.LedgerEntry{
		SessionID:           req.SessionID,
		SellerID:            sellerID,
		GatewayReference:    req.GatewayReference,
		GrossAmount:         group.Total,
		Subtotal:            group.Subtotal,
		Shipping:            group.Shipping,
		Tax:                 group.Tax,
		CommissionRate:      b.CommissionRate,
		CommissionAmount:    b.CommissionAmount,
		ServiceChargeAmount: b.ServiceChargeAmount,
		PlatformTake:        b.PlatformTake,
		SellerPayout:        b.SellerPayout,
		SplitPayment:        group.IsSplit(),
	}

	if err := w.orders.CommitOrder(ctx, order, items, entry); err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to commit order: %w", err)
	}

	util.OrdersCommittedTotal.Inc()

	w.logger.Info("Order committed",
		zap.String("session_id", req.SessionID),
		zap.Int("group_index", group.Index),
		zap.Int64("order_id", order.ID),
		zap.Int64("total", order.Total),
		zap.Int64("platform_take", b.PlatformTake))

	event := &models.OrderCommittedEvent{
		BaseEvent:        newBaseEvent(models.EventTypeOrderCommitted),
		SessionID:        req.SessionID,
		GroupIndex:       group.Index,
		OrderID:          order.ID,
		SellerID:         sellerID,
		Total:            order.Total,
		PlatformTake:     b.PlatformTake,
		SellerPayout:     b.SellerPayout,
		GatewayReference: req.GatewayReference,
	}
	if err := w.publisher.PublishOrderCommitted(ctx, event); err != nil {
		w.logger.Error("Failed to publish OrderCommitted event", zap.Error(err))
	}

	w.notifySeller(ctx, group, order)

	return order.ID, nil
}

// FindCommitted reports the order id written for a group, if any
func (w *OrderWriter) FindCommitted(ctx context.Context, sessionID string, groupIndex int) (int64, bool, error) {
	order, err := w.orders.GetOrderBySessionGroup(ctx, sessionID, groupIndex)
	if err != nil {
		return 0, false, err
	}
	if order == nil {
		return 0, false, nil
	}
	return order.ID, true, nil
}

func (w *OrderWriter) notifySeller(ctx context.Context, group *models.SellerGroup, order *models.Order) {
	if group.OwnerUserID == "" {
		return
	}

	message := fmt.Sprintf("Order #%d worth %s %s received. Commission: %s %s.",
		order.ID,
		order.Currency, FormatMinor(order.Total),
		order.Currency, FormatMinor(group.Breakdown.PlatformTake))

	n := models.Notification{
		UserID:    group.OwnerUserID,
		Title:     "New order received",
		Message:   truncate(message, w.maxMessageLen),
		Type:      models.NotificationTypeNewOrder,
		RelatedID: strconv.FormatInt(order.ID, 10),
	}

	if err := w.notifier.Notify(ctx, n); err != nil {
		util.NotificationsTotal.WithLabelValues("failed").Inc()
		w.logger.Warn("Failed to notify seller",
			zap.String("user_id", group.OwnerUserID),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return
	}
	util.NotificationsTotal.WithLabelValues("sent").Inc()
}

// FormatMinor renders minor units with two decimals, e.g. 150050 -> "1500.50"
func FormatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-3]) + "..."
}
