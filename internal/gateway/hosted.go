package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// Hosted talks to a hosted-checkout gateway over REST. The buyer completes
// the payment on the gateway's page; the outcome comes back through the
// webhook, which resolves the Hub.
type Hosted struct {
	baseURL   string
	secretKey string
	client    *http.Client
	hub       *Hub
	logger    *zap.Logger
}

// NewHosted creates a hosted gateway client
func NewHosted(baseURL, secretKey string, timeout time.Duration, hub *Hub) *Hosted {
	return &Hosted{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
		hub:       hub,
		logger:    util.GetLogger(),
	}
}

type initializeRequest struct {
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Reference         string            `json:"reference"`
	Email             string            `json:"email"`
	Subaccount        string            `json:"subaccount,omitempty"`
	TransactionCharge int64             `json:"transaction_charge,omitempty"`
	Bearer            string            `json:"bearer,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type initializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// InitTransaction implements Gateway
func (h *Hosted) InitTransaction(ctx context.Context, req TransactionRequest, cb Callback) error {
	ctx, span := util.StartSpan(ctx, "Hosted.InitTransaction")
	defer span.End()

	body := initializeRequest{
		Amount:    req.Amount,
		Currency:  req.Currency,
		Reference: req.Reference,
		Email:     req.Email,
		Metadata:  req.Metadata,
	}
	if req.Split != nil {
		body.Subaccount = req.Split.DestinationAccount
		body.TransactionCharge = req.Split.PlatformCharge
		body.Bearer = req.Split.Bearer
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	// Register first: the webhook may beat the HTTP response. An abandoned
	// transaction is forgotten so a late webhook cannot resolve it.
	stop := context.AfterFunc(ctx, func() { h.hub.Forget(req.Reference) })
	h.hub.Register(req.Reference, func(r Result) {
		stop()
		cb(r)
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/transaction/initialize", bytes.NewReader(payload))
	if err != nil {
		stop()
		h.hub.Forget(req.Reference)
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+h.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		stop()
		h.hub.Forget(req.Reference)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrAbandoned, err)
		}
		util.RecordError(span, err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusMultipleChoices {
		stop()
		h.hub.Forget(req.Reference)
		return fmt.Errorf("%w: initialize returned %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out initializeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		stop()
		h.hub.Forget(req.Reference)
		return fmt.Errorf("%w: invalid initialize response: %w", ErrUnavailable, err)
	}
	if !out.Status {
		stop()
		h.hub.Forget(req.Reference)
		return fmt.Errorf("%w: %s", ErrUnavailable, out.Message)
	}

	h.logger.Info("Gateway transaction initialized",
		zap.String("reference", req.Reference),
		zap.Int64("amount", req.Amount),
		zap.Bool("split", req.Split != nil),
		zap.String("authorization_url", out.Data.AuthorizationURL))
	return nil
}
