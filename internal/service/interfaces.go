package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
)

// SellerDirectory resolves sellers in one batched call
type SellerDirectory interface {
	GetSellers(ctx context.Context, ids []string) ([]models.Seller, error)
}

// ProductMetaLookup resolves seller and shipping metadata for legacy cart lines
type ProductMetaLookup interface {
	GetShippingMeta(ctx context.Context, productIDs []string) ([]models.ProductShippingMeta, error)
}

// RunStore persists batch runs. SaveRun fails with models.ErrStaleRun when
// the stored version is not run.Version, and bumps run.Version on success.
type RunStore interface {
	SaveRun(ctx context.Context, run *models.BatchRun, ttl time.Duration) error
	LoadRun(ctx context.Context, sessionID string) (*models.BatchRun, error)
}

// SessionLocker serializes work on one checkout session. Locks expire after
// ttl unless refreshed; refresh and release only act while token holds the lock.
type SessionLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	RefreshLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// IdempotencyStore maps checkout idempotency keys to session ids
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key, sessionID string, ttl time.Duration) (string, bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key, sessionID string) error
}

// CartStore is the shared customer cart
type CartStore interface {
	GetCart(ctx context.Context, customerID string) ([]models.CartItem, error)
	RemoveLines(ctx context.Context, customerID string, productIDs []string) error
	ClearCart(ctx context.Context, customerID string) error
}

// OrderRepository persists orders with their items and ledger entry
type OrderRepository interface {
	GetOrderBySessionGroup(ctx context.Context, sessionID string, groupIndex int) (*models.Order, error)
	CommitOrder(ctx context.Context, order *models.Order, items []models.OrderItem, entry *models.LedgerEntry) error
}

// OrderCommitter is what the orchestrator needs from the order & ledger writer
type OrderCommitter interface {
	CommitOrder(ctx context.Context, req CommitRequest) (int64, error)
	FindCommitted(ctx context.Context, sessionID string, groupIndex int) (int64, bool, error)
}

// EventPublisher publishes checkout domain events
type EventPublisher interface {
	PublishOrderCommitted(ctx context.Context, event *models.OrderCommittedEvent) error
	PublishBatchCompleted(ctx context.Context, event *models.BatchCompletedEvent) error
	PublishReconciliationAlert(ctx context.Context, event *models.ReconciliationAlertEvent) error
}

// Notifier delivers a notification to a user. Callers treat it as fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}
