package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Tier is a seller subscription tier
type Tier string

const (
	TierFree       Tier = "free"
	TierEconomy    Tier = "economy"
	TierFirstClass Tier = "first_class"
)

// FeeMode controls how a line's shipping fee scales with quantity
type FeeMode string

const (
	FeeModeFlatOnce FeeMode = "flat_once"
	FeeModePerUnit  FeeMode = "per_unit"
)

// Zone selects a delivery tier for zone-priced shipping fees
type Zone string

const (
	ZoneLocal         Zone = "local"
	ZoneRegional      Zone = "regional"
	ZoneNational      Zone = "national"
	ZoneInternational Zone = "international"
)

// Valid reports whether z is a known zone
func (z Zone) Valid() bool {
	switch z {
	case ZoneLocal, ZoneRegional, ZoneNational, ZoneInternational:
		return true
	}
	return false
}

// ZoneFees maps delivery zones to a fee in minor units. Stored as JSONB.
type ZoneFees map[Zone]int64

// Value implements driver.Valuer
func (z ZoneFees) Value() (driver.Value, error) {
	if z == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(z)
}

// Scan implements sql.Scanner
func (z *ZoneFees) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*z = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported zone fees type %T", src)
	}
	return json.Unmarshal(raw, z)
}

// GiftOverride is an admin-granted, time-limited commission override
type GiftOverride struct {
	Tier           Tier      `json:"tier"`
	CommissionRate string    `json:"commission_rate"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CartItem is a cart line as stored. Seller and shipping metadata may be
// missing on carts written before those fields existed.
type CartItem struct {
	ProductID   string   `json:"product_id"`
	Name        string   `json:"name"`
	UnitPrice   int64    `json:"unit_price"`
	Quantity    int      `json:"quantity"`
	SellerID    *string  `json:"seller_id,omitempty"`
	ShippingFee *int64   `json:"shipping_fee,omitempty"`
	FeeMode     *FeeMode `json:"fee_mode,omitempty"`
	ZoneFees    ZoneFees `json:"zone_fees,omitempty"`
}

// CartLine is a fully resolved cart line. SellerID is empty for platform-owned products.
type CartLine struct {
	ProductID   string   `json:"product_id"`
	Name        string   `json:"name"`
	UnitPrice   int64    `json:"unit_price"`
	Quantity    int      `json:"quantity"`
	SellerID    string   `json:"seller_id,omitempty"`
	ShippingFee int64    `json:"shipping_fee"`
	FeeMode     FeeMode  `json:"fee_mode"`
	ZoneFees    ZoneFees `json:"zone_fees,omitempty"`
}

// LineTotal returns unit price times quantity
func (l CartLine) LineTotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// Fee returns the shipping fee that applies to the given zone
func (l CartLine) Fee(zone Zone) int64 {
	if fee, ok := l.ZoneFees[zone]; ok {
		return fee
	}
	return l.ShippingFee
}

// DeclaresFee reports whether the line carries any shipping fee at all
func (l CartLine) DeclaresFee() bool {
	if l.ShippingFee > 0 {
		return true
	}
	for _, fee := range l.ZoneFees {
		if fee > 0 {
			return true
		}
	}
	return false
}

// Seller is the seller directory view used by checkout
type Seller struct {
	ID                 string     `db:"id" json:"id"`
	OwnerUserID        string     `db:"owner_user_id" json:"owner_user_id"`
	DisplayName        string     `db:"display_name" json:"display_name"`
	Tier               Tier       `db:"tier" json:"tier"`
	PayoutDestination  *string    `db:"payout_destination" json:"payout_destination,omitempty"`
	GiftTier           *string    `db:"gift_tier" json:"-"`
	GiftCommissionRate *string    `db:"gift_commission_rate" json:"-"`
	GiftExpiresAt      *time.Time `db:"gift_expires_at" json:"-"`
}

// Gift returns the seller's gift override, if one was ever granted
func (s Seller) Gift() *GiftOverride {
	if s.GiftCommissionRate == nil || s.GiftExpiresAt == nil {
		return nil
	}
	gift := &GiftOverride{
		CommissionRate: *s.GiftCommissionRate,
		ExpiresAt:      *s.GiftExpiresAt,
	}
	if s.GiftTier != nil {
		gift.Tier = Tier(*s.GiftTier)
	}
	return gift
}

// ProductShippingMeta is the fallback metadata for legacy cart lines
type ProductShippingMeta struct {
	ProductID   string   `db:"id" json:"product_id"`
	SellerID    *string  `db:"seller_id" json:"seller_id,omitempty"`
	ShippingFee int64    `db:"shipping_fee" json:"shipping_fee"`
	FeeMode     FeeMode  `db:"fee_mode" json:"fee_mode"`
	ZoneFees    ZoneFees `db:"zone_fees" json:"zone_fees"`
}

// Contact is the buyer contact captured at checkout
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Order represents one seller's order within a checkout
type Order struct {
	ID               int64     `db:"id" json:"id"`
	SessionID        string    `db:"session_id" json:"session_id"`
	GroupIndex       int       `db:"group_index" json:"group_index"`
	CustomerID       string    `db:"customer_id" json:"customer_id"`
	SellerID         *string   `db:"seller_id" json:"seller_id,omitempty"`
	Subtotal         int64     `db:"subtotal" json:"subtotal"`
	Shipping         int64     `db:"shipping" json:"shipping"`
	Tax              int64     `db:"tax" json:"tax"`
	Total            int64     `db:"total" json:"total"`
	Currency         string    `db:"currency" json:"currency"`
	ShippingAddress  string    `db:"shipping_address" json:"shipping_address"`
	PaymentMethod    string    `db:"payment_method" json:"payment_method"`
	PaymentStatus    string    `db:"payment_status" json:"payment_status"`
	Status           string    `db:"status" json:"status"`
	GatewayReference string    `db:"gateway_reference" json:"gateway_reference"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID          int64   `db:"id" json:"id"`
	OrderID     int64   `db:"order_id" json:"order_id"`
	ProductID   string  `db:"product_id" json:"product_id"`
	Name        string  `db:"name" json:"name"`
	Quantity    int     `db:"quantity" json:"quantity"`
	UnitPrice   int64   `db:"unit_price" json:"unit_price"`
	ShippingFee int64   `db:"shipping_fee" json:"shipping_fee"`
	FeeMode     FeeMode `db:"fee_mode" json:"fee_mode"`
}

// LedgerEntry is the audit record of a successful seller payment
type LedgerEntry struct {
	ID                  int64     `db:"id" json:"id"`
	OrderID             int64     `db:"order_id" json:"order_id"`
	SessionID           string    `db:"session_id" json:"session_id"`
	SellerID            *string   `db:"seller_id" json:"seller_id,omitempty"`
	GatewayReference    string    `db:"gateway_reference" json:"gateway_reference"`
	GrossAmount         int64     `db:"gross_amount" json:"gross_amount"`
	Subtotal            int64     `db:"subtotal" json:"subtotal"`
	Shipping            int64     `db:"shipping" json:"shipping"`
	Tax                 int64     `db:"tax" json:"tax"`
	CommissionRate      string    `db:"commission_rate" json:"commission_rate"`
	CommissionAmount    int64     `db:"commission_amount" json:"commission_amount"`
	ServiceChargeAmount int64     `db:"service_charge_amount" json:"service_charge_amount"`
	PlatformTake        int64     `db:"platform_take" json:"platform_take"`
	SellerPayout        int64     `db:"seller_payout" json:"seller_payout"`
	SplitPayment        bool      `db:"split_payment" json:"split_payment"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// Notification is a message addressed to a user
type Notification struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	Message   string    `db:"message" json:"message"`
	Type      string    `db:"type" json:"type"`
	RelatedID string    `db:"related_id" json:"related_id"`
	Read      bool      `db:"read" json:"read"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Order statuses. Later statuses belong to fulfillment.
const (
	OrderStatusConfirmed = "CONFIRMED"
)

// Order payment statuses
const (
	OrderPaymentPaid = "PAID"
)

// Notification types
const (
	NotificationTypeNewOrder = "new_order"
)
