// Package gateway is the payment gateway boundary. A gateway accepts a
// transaction and later fires exactly one terminal callback for it.
package gateway

import (
	"context"
	"errors"
)

var (
	ErrUnavailable = errors.New("payment gateway unavailable")
	ErrAbandoned   = errors.New("transaction abandoned before gateway callback")
)

// Outcome is the terminal state reported by the gateway
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// BearerPlatform makes the platform account bear the gateway's processing fee
const BearerPlatform = "account"

// Split routes a transaction to a seller's destination account while the
// platform keeps PlatformCharge.
type Split struct {
	DestinationAccount string `json:"destination_account"`
	PlatformCharge     int64  `json:"platform_charge"`
	Bearer             string `json:"bearer"`
}

// TransactionRequest is one gateway transaction. Amounts are minor units.
type TransactionRequest struct {
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Reference string            `json:"reference"`
	Email     string            `json:"email"`
	Split     *Split            `json:"split,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Result is the terminal callback payload
type Result struct {
	Outcome          Outcome `json:"outcome"`
	GatewayReference string  `json:"gateway_reference"`
	Message          string  `json:"message,omitempty"`
}

// Callback receives the terminal result of a transaction
type Callback func(Result)

// Gateway starts transactions. A nil error means cb will be invoked exactly
// once at some later point; a non-nil error means it never will.
type Gateway interface {
	InitTransaction(ctx context.Context, req TransactionRequest, cb Callback) error
}

// Await starts the transaction and blocks for its terminal result. Context
// cancellation returns ErrAbandoned.
func Await(ctx context.Context, gw Gateway, req TransactionRequest) (Result, error) {
	f := newFuture()
	if err := gw.InitTransaction(ctx, req, f.resolve); err != nil {
		return Result{}, err
	}
	return f.wait(ctx)
}
