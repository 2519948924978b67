package models

import (
	"errors"
	"time"
)

var (
	ErrIllegalTransition = errors.New("illegal payment status transition")
	ErrRunNotFound       = errors.New("checkout run not found")
	ErrStaleRun          = errors.New("checkout run was modified concurrently")
	ErrRecordNotFound    = errors.New("record not found")
)

// PaymentStatus is the per-seller-group payment state
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
)

var forwardTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing},
	PaymentStatusProcessing: {PaymentStatusPaid, PaymentStatusFailed},
}

// CanTransitionTo reports whether from -> to is allowed. failed -> processing
// is only allowed when retry is set.
func CanTransitionTo(from, to PaymentStatus, retry bool) bool {
	if retry {
		return from == PaymentStatusFailed && to == PaymentStatusProcessing
	}
	for _, next := range forwardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Breakdown is the commission split of one seller group
type Breakdown struct {
	CommissionRate      string `json:"commission_rate"`
	ServiceChargeRate   string `json:"service_charge_rate"`
	CommissionAmount    int64  `json:"commission_amount"`
	ServiceChargeAmount int64  `json:"service_charge_amount"`
	PlatformTake        int64  `json:"platform_take"`
	SellerPayout        int64  `json:"seller_payout"`
	GiftApplied         bool   `json:"gift_applied"`
}

// SellerGroup is the partition of a cart belonging to one seller, or to the
// platform when SellerID is empty.
type SellerGroup struct {
	Index             int           `json:"index"`
	SellerID          string        `json:"seller_id,omitempty"`
	SellerName        string        `json:"seller_name"`
	OwnerUserID       string        `json:"owner_user_id,omitempty"`
	Tier              Tier          `json:"tier"`
	Gift              *GiftOverride `json:"gift,omitempty"`
	PayoutDestination string        `json:"payout_destination,omitempty"`
	Lines             []CartLine    `json:"lines"`
	Subtotal          int64         `json:"subtotal"`
	Shipping          int64         `json:"shipping"`
	Tax               int64         `json:"tax"`
	Total             int64         `json:"total"`
	Breakdown         Breakdown     `json:"breakdown"`
	PaymentStatus     PaymentStatus `json:"payment_status"`
	OrderID           int64         `json:"order_id,omitempty"`
	Reference         string        `json:"reference,omitempty"`
	GatewayReference  string        `json:"gateway_reference,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	FailureKind       string        `json:"failure_kind,omitempty"`
	Attempts          int           `json:"attempts"`
}

// IsPlatform reports whether the group holds platform-owned products
func (g *SellerGroup) IsPlatform() bool {
	return g.SellerID == ""
}

// Key identifies the group for retry requests
func (g *SellerGroup) Key() string {
	if g.IsPlatform() {
		return PlatformGroupKey
	}
	return g.SellerID
}

// IsSplit reports whether payment is routed to the seller's own account
func (g *SellerGroup) IsSplit() bool {
	return !g.IsPlatform() && g.PayoutDestination != ""
}

// Transition moves the group along the payment state machine
func (g *SellerGroup) Transition(to PaymentStatus, retry bool) error {
	if !CanTransitionTo(g.PaymentStatus, to, retry) {
		return ErrIllegalTransition
	}
	g.PaymentStatus = to
	return nil
}

// ProductIDs returns the product ids of the group's lines
func (g *SellerGroup) ProductIDs() []string {
	ids := make([]string, 0, len(g.Lines))
	for _, line := range g.Lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

// PlatformGroupKey addresses the platform-owned group in retry requests
const PlatformGroupKey = "platform"

// PlatformSellerName is the display name of the platform group
const PlatformSellerName = "Marketplace"

// BatchRun is one checkout attempt over all seller groups of a cart
type BatchRun struct {
	SessionID       string         `json:"session_id"`
	Version         int64          `json:"version"`
	CustomerID      string         `json:"customer_id"`
	Contact         Contact        `json:"contact"`
	ShippingAddress string         `json:"shipping_address"`
	PaymentMethod   string         `json:"payment_method"`
	Zone            Zone           `json:"zone"`
	Currency        string         `json:"currency"`
	Groups          []*SellerGroup `json:"groups"`
	CurrentIndex    int            `json:"current_index"`
	FailedKeys      []string       `json:"failed_keys"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// GrandTotals is the sum of every group field
type GrandTotals struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

// Totals derives grand totals from the groups
func (r *BatchRun) Totals() GrandTotals {
	var t GrandTotals
	for _, g := range r.Groups {
		t.Subtotal += g.Subtotal
		t.Shipping += g.Shipping
		t.Tax += g.Tax
		t.Total += g.Total
	}
	return t
}

// GroupByKey finds a group by its retry key
func (r *BatchRun) GroupByKey(key string) *SellerGroup {
	for _, g := range r.Groups {
		if g.Key() == key {
			return g
		}
	}
	return nil
}

// AllPaid reports whether every group has been paid
func (r *BatchRun) AllPaid() bool {
	for _, g := range r.Groups {
		if g.PaymentStatus != PaymentStatusPaid {
			return false
		}
	}
	return len(r.Groups) > 0
}

// Started reports whether any group has left pending
func (r *BatchRun) Started() bool {
	for _, g := range r.Groups {
		if g.PaymentStatus != PaymentStatusPending {
			return true
		}
	}
	return false
}

// RecordFailure appends the group key to the failure list once
func (r *BatchRun) RecordFailure(key string) {
	for _, existing := range r.FailedKeys {
		if existing == key {
			return
		}
	}
	r.FailedKeys = append(r.FailedKeys, key)
}

// ClearFailure drops the group key from the failure list
func (r *BatchRun) ClearFailure(key string) {
	kept := r.FailedKeys[:0]
	for _, existing := range r.FailedKeys {
		if existing != key {
			kept = append(kept, existing)
		}
	}
	r.FailedKeys = kept
}

// FailedSellerNames renders the failure list as display names, in the order
// the failures happened
func (r *BatchRun) FailedSellerNames() []string {
	names := make([]string, 0, len(r.FailedKeys))
	for _, key := range r.FailedKeys {
		if g := r.GroupByKey(key); g != nil {
			names = append(names, g.SellerName)
			continue
		}
		names = append(names, key)
	}
	return names
}
