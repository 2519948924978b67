package worker

import (
	"context"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// NotificationStore persists delivered notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// NotificationWorker delivers NotificationRequested events into the
// notifications table, where users' inboxes read them from
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        NotificationStore
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, store NotificationStore) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		store:    store,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnNotificationRequested(w.HandleNotification)
	eventHandler.OnReconciliationAlert(w.HandleReconciliationAlert)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandleNotification stores one requested notification
func (w *NotificationWorker) HandleNotification(ctx context.Context, event *models.NotificationRequestedEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationWorker.HandleNotification")
	defer span.End()

	n := &models.Notification{
		UserID:    event.UserID,
		Title:     event.Title,
		Message:   event.Message,
		Type:      event.Type,
		RelatedID: event.RelatedID,
	}

	if err := w.store.CreateNotification(ctx, n); err != nil {
		util.RecordError(span, err)
		util.NotificationsTotal.WithLabelValues("store_failed").Inc()
		return err
	}

	util.NotificationsTotal.WithLabelValues("delivered").Inc()
	w.logger.Info("Notification delivered",
		zap.String("user_id", n.UserID),
		zap.Int64("notification_id", n.ID),
		zap.String("event_id", event.EventID))
	return nil
}

// HandleReconciliationAlert leaves an audit trail of alerts seen on the topic
func (w *NotificationWorker) HandleReconciliationAlert(_ context.Context, event *models.ReconciliationAlertEvent) error {
	w.logger.Error("RECONCILIATION ALERT received",
		zap.String("session_id", event.SessionID),
		zap.Int("group_index", event.GroupIndex),
		zap.String("seller_id", event.SellerID),
		zap.String("gateway_reference", event.GatewayReference),
		zap.Int64("amount", event.Amount),
		zap.String("currency", event.Currency),
		zap.String("reason", event.Reason))
	return nil
}
