package store

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSellers retrieves the sellers with the given ids. Unknown ids are
// simply absent from the result.
func (s *Store) GetSellers(ctx context.Context, ids []string) ([]models.Seller, error) {
	if len(ids) == 0 {
		return []models.Seller{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT id, owner_user_id, display_name, tier, payout_destination,
		       gift_tier, gift_commission_rate::text AS gift_commission_rate, gift_expires_at
		FROM sellers WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var sellers []models.Seller
	err = s.db.SelectContext(ctx, &sellers, query, args...)
	return sellers, err
}

// GetShippingMeta retrieves seller and shipping metadata for products
func (s *Store) GetShippingMeta(ctx context.Context, productIDs []string) ([]models.ProductShippingMeta, error) {
	if len(productIDs) == 0 {
		return []models.ProductShippingMeta{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT id, seller_id, shipping_fee, fee_mode, zone_fees FROM products WHERE id IN (?)", productIDs)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var meta []models.ProductShippingMeta
	err = s.db.SelectContext(ctx, &meta, query, args...)
	return meta, err
}

// CreateNotification stores a notification for a user
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	query := `
		INSERT INTO notifications (user_id, title, message, type, related_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, n, query, n.UserID, n.Title, n.Message, n.Type, n.RelatedID)
}

// GetNotificationsByUser retrieves the latest notifications of a user
func (s *Store) GetNotificationsByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	var notifications []models.Notification
	err := s.db.SelectContext(ctx, &notifications,
		"SELECT * FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2", userID, limit)
	return notifications, err
}
