package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing checkout domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCommitted publishes OrderCommitted event
func (ep *EventPublisher) PublishOrderCommitted(ctx context.Context, event *models.OrderCommittedEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishBatchCompleted publishes BatchCompleted event
func (ep *EventPublisher) PublishBatchCompleted(ctx context.Context, event *models.BatchCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishReconciliationAlert publishes ReconciliationAlert event
func (ep *EventPublisher) PublishReconciliationAlert(ctx context.Context, event *models.ReconciliationAlertEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// Notify hands a notification to the notification worker
func (ep *EventPublisher) Notify(ctx context.Context, n models.Notification) error {
	event := &models.NotificationRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeNotificationRequested,
			Timestamp: time.Now(),
		},
		UserID:    n.UserID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      n.Type,
		RelatedID: n.RelatedID,
	}
	return ep.producer.PublishEvent(ctx, "user-"+n.UserID, event)
}

func sessionKey(sessionID string) string {
	return "session-" + sessionID
}

// EventHandler handles incoming events
type EventHandler struct {
	onNotificationRequested func(context.Context, *models.NotificationRequestedEvent) error
	onReconciliationAlert   func(context.Context, *models.ReconciliationAlertEvent) error
	logger                  *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnNotificationRequested registers a handler for NotificationRequested events
func (eh *EventHandler) OnNotificationRequested(handler func(context.Context, *models.NotificationRequestedEvent) error) {
	eh.onNotificationRequested = handler
}

// OnReconciliationAlert registers a handler for ReconciliationAlert events
func (eh *EventHandler) OnReconciliationAlert(handler func(context.Context, *models.ReconciliationAlertEvent) error) {
	eh.onReconciliationAlert = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeNotificationRequested:
		if eh.onNotificationRequested != nil {
			var event models.NotificationRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal NotificationRequested event: %w", err)
			}
			return eh.onNotificationRequested(ctx, &event)
		}

	case models.EventTypeReconciliationAlert:
		if eh.onReconciliationAlert != nil {
			var event models.ReconciliationAlertEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ReconciliationAlert event: %w", err)
			}
			return eh.onReconciliationAlert(ctx, &event)
		}

	case models.EventTypeOrderCommitted, models.EventTypeBatchCompleted:
		// consumed by fulfillment and analytics, nothing to do here

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
