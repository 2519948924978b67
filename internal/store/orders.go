package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"go.uber.org/multierr"
)

// CommitOrder writes the order, its items and the ledger entry in one
// transaction. Nothing is written unless all three succeed.
func (s *Store) CommitOrder(ctx context.Context, order *models.Order, items []models.OrderItem, entry *models.LedgerEntry) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to rollback: %w", rbErr))
		}
	}()

	orderQuery := `
		INSERT INTO orders (session_id, group_index, customer_id, seller_id, subtotal, shipping, tax, total,
			currency, shipping_address, payment_method, payment_status, status, gateway_reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, order, orderQuery,
		order.SessionID, order.GroupIndex, order.CustomerID, order.SellerID,
		order.Subtotal, order.Shipping, order.Tax, order.Total,
		order.Currency, order.ShippingAddress, order.PaymentMethod,
		order.PaymentStatus, order.Status, order.GatewayReference)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, product_id, name, quantity, unit_price, shipping_fee, fee_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.GetContext(ctx, &items[i].ID, itemQuery,
			order.ID, items[i].ProductID, items[i].Name, items[i].Quantity,
			items[i].UnitPrice, items[i].ShippingFee, items[i].FeeMode)
		if err != nil {
			return fmt.Errorf("failed to insert order item %s: %w", items[i].ProductID, err)
		}
	}

	entry.OrderID = order.ID
	ledgerQuery := `
		INSERT INTO ledger_entries (order_id, session_id, seller_id, gateway_reference, gross_amount,
			subtotal, shipping, tax, commission_rate, commission_amount, service_charge_amount,
			platform_take, seller_payout, split_payment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at`

	err = tx.GetContext(ctx, entry, ledgerQuery,
		entry.OrderID, entry.SessionID, entry.SellerID, entry.GatewayReference, entry.GrossAmount,
		entry.Subtotal, entry.Shipping, entry.Tax, entry.CommissionRate, entry.CommissionAmount,
		entry.ServiceChargeAmount, entry.PlatformTake, entry.SellerPayout, entry.SplitPayment)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetOrderBySessionGroup retrieves the order of one seller group, or nil
func (s *Store) GetOrderBySessionGroup(ctx context.Context, sessionID string, groupIndex int) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE session_id = $1 AND group_index = $2", sessionID, groupIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersBySession retrieves every order written by a checkout session
func (s *Store) GetOrdersBySession(ctx context.Context, sessionID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE session_id = $1 ORDER BY group_index", sessionID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// GetLedgerEntryByOrderID retrieves the ledger entry of an order
func (s *Store) GetLedgerEntryByOrderID(ctx context.Context, orderID int64) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.GetContext(ctx, &entry, "SELECT * FROM ledger_entries WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry for order %d: %w", orderID, models.ErrRecordNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
