package models

import "time"

// Event types
const (
	EventTypeOrderCommitted        = "ORDER_COMMITTED"
	EventTypeBatchCompleted        = "BATCH_COMPLETED"
	EventTypeReconciliationAlert   = "RECONCILIATION_ALERT"
	EventTypeNotificationRequested = "NOTIFICATION_REQUESTED"
)

// Batch outcomes
const (
	BatchOutcomeSuccess = "success"
	BatchOutcomePartial = "partial"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCommittedEvent published when a seller group's order and ledger entry are persisted
type OrderCommittedEvent struct {
	BaseEvent
	SessionID        string  `json:"session_id"`
	GroupIndex       int     `json:"group_index"`
	OrderID          int64   `json:"order_id"`
	SellerID         *string `json:"seller_id,omitempty"`
	Total            int64   `json:"total"`
	PlatformTake     int64   `json:"platform_take"`
	SellerPayout     int64   `json:"seller_payout"`
	GatewayReference string  `json:"gateway_reference"`
}

// BatchCompletedEvent published when ProcessAll reaches the end of the groups
type BatchCompletedEvent struct {
	BaseEvent
	SessionID     string   `json:"session_id"`
	CustomerID    string   `json:"customer_id"`
	Outcome       string   `json:"outcome"`
	PaidGroups    int      `json:"paid_groups"`
	FailedSellers []string `json:"failed_sellers"`
	GrandTotal    int64    `json:"grand_total"`
}

// ReconciliationAlertEvent published when a charge succeeded but its records failed to persist
type ReconciliationAlertEvent struct {
	BaseEvent
	SessionID        string `json:"session_id"`
	GroupIndex       int    `json:"group_index"`
	SellerID         string `json:"seller_id,omitempty"`
	GatewayReference string `json:"gateway_reference"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Reason           string `json:"reason"`
}

// NotificationRequestedEvent carries a notification for the notification worker
type NotificationRequestedEvent struct {
	BaseEvent
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	RelatedID string `json:"related_id"`
}
