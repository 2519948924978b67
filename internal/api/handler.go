package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CartEditor reads and replaces customer carts
type CartEditor interface {
	SetCart(ctx context.Context, customerID string, items []models.CartItem) error
	GetCart(ctx context.Context, customerID string) ([]models.CartItem, error)
}

// OrderReader reads committed orders and seller notifications
type OrderReader interface {
	GetOrdersBySession(ctx context.Context, sessionID string) ([]models.Order, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetLedgerEntryByOrderID(ctx context.Context, orderID int64) (*models.LedgerEntry, error)
	GetNotificationsByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	checkout      *service.CheckoutService
	carts         CartEditor
	orders        OrderReader
	hub           *gateway.Hub
	webhookSecret string
	readiness     map[string]Pinger
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler. hub may be nil when the gateway
// does not call back over HTTP; an empty webhookSecret skips signature checks.
func NewHandler(checkout *service.CheckoutService, carts CartEditor, orders OrderReader, hub *gateway.Hub, webhookSecret string, readiness map[string]Pinger) *Handler {
	return &Handler{
		checkout:      checkout,
		carts:         carts,
		orders:        orders,
		hub:           hub,
		webhookSecret: webhookSecret,
		readiness:     readiness,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.PUT("/carts/:customerId", h.putCart)
		v1.GET("/carts/:customerId", h.getCart)

		v1.POST("/checkout", h.startCheckout)
		v1.GET("/checkout/:sessionId", h.getCheckout)
		v1.DELETE("/checkout/:sessionId", h.abandonCheckout)
		v1.PUT("/checkout/:sessionId/zone", h.changeZone)
		v1.POST("/checkout/:sessionId/process", h.processCheckout)
		v1.POST("/checkout/:sessionId/resume", h.resumeCheckout)
		v1.POST("/checkout/:sessionId/groups/:sellerKey/retry", h.retryGroup)
		v1.GET("/checkout/:sessionId/orders", h.getCheckoutOrders)

		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/notifications/:userId", h.getNotifications)

		v1.POST("/gateway/callback", h.gatewayCallback)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every backing store
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, dep := range h.readiness {
		if err := dep.Ping(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": failing,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type cartRequest struct {
	Items []models.CartItem `json:"items"`
}

func (h *Handler) putCart(c *gin.Context) {
	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	customerID := c.Param("customerId")
	if err := h.carts.SetCart(c.Request.Context(), customerID, req.Items); err != nil {
		h.writeError(c, err)
		return
	}

	items, err := h.carts.GetCart(c.Request.Context(), customerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer_id": customerID, "items": items})
}

func (h *Handler) getCart(c *gin.Context) {
	customerID := c.Param("customerId")
	items, err := h.carts.GetCart(c.Request.Context(), customerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer_id": customerID, "items": items})
}

// startCheckout partitions the stored cart into a new batch run
func (h *Handler) startCheckout(c *gin.Context) {
	var req service.StartCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	run, err := h.checkout.StartCheckout(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"run":    run,
		"totals": run.Totals(),
	})
}

func (h *Handler) getCheckout(c *gin.Context) {
	run, summary, err := h.checkout.GetRun(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":     run,
		"summary": summary,
	})
}

type zoneRequest struct {
	Zone models.Zone `json:"zone" binding:"required"`
}

func (h *Handler) changeZone(c *gin.Context) {
	var req zoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	run, err := h.checkout.ChangeZone(c.Request.Context(), c.Param("sessionId"), req.Zone)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":    run,
		"totals": run.Totals(),
	})
}

func (h *Handler) processCheckout(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.checkout.StartProcessing(c.Request.Context(), sessionID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "status": "processing"})
}

func (h *Handler) retryGroup(c *gin.Context) {
	sessionID := c.Param("sessionId")
	sellerKey := c.Param("sellerKey")
	if err := h.checkout.StartRetry(c.Request.Context(), sessionID, sellerKey); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "seller_key": sellerKey, "status": "processing"})
}

func (h *Handler) resumeCheckout(c *gin.Context) {
	run, summary, err := h.checkout.Resume(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":     run,
		"summary": summary,
	})
}

// abandonCheckout stops an in-flight batch. Paid groups stay paid.
func (h *Handler) abandonCheckout(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.checkout.Abandon(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no payment in progress for this checkout"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "status": "abandoning"})
}

type callbackRequest struct {
	Reference        string `json:"reference" binding:"required"`
	Status           string `json:"status" binding:"required"`
	GatewayReference string `json:"gateway_reference"`
	Message          string `json:"message"`
}

// gatewayCallback resolves a parked hosted-gateway transaction
func (h *Handler) gatewayCallback(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "gateway callbacks are not enabled"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if h.webhookSecret != "" && !gateway.VerifySignature(h.webhookSecret, body, c.GetHeader(gateway.SignatureHeader)) {
		h.logger.Warn("Rejected gateway callback with bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var req callbackRequest
	if err := binding.JSON.BindBody(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	outcome := gateway.Outcome(req.Status)
	switch outcome {
	case gateway.OutcomeSuccess, gateway.OutcomeCancelled, gateway.OutcomeFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(req.Status)})
		return
	}

	resolved := h.hub.Resolve(req.Reference, gateway.Result{
		Outcome:          outcome,
		GatewayReference: req.GatewayReference,
		Message:          req.Message,
	})
	if !resolved {
		// Late or duplicate delivery. Acknowledge so the gateway stops retrying.
		h.logger.Warn("Gateway callback for unknown reference",
			zap.String("reference", req.Reference),
			zap.String("status", req.Status))
		if outcome == gateway.OutcomeSuccess {
			// Money moved with nothing waiting to record it.
			err := h.checkout.HandleUnmatchedCharge(c.Request.Context(), req.Reference, gateway.Result{
				Outcome:          outcome,
				GatewayReference: req.GatewayReference,
				Message:          req.Message,
			})
			if err != nil {
				h.writeError(c, err)
				return
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"reference": req.Reference, "resolved": resolved})
}

type orderView struct {
	Order  models.Order        `json:"order"`
	Items  []models.OrderItem  `json:"items"`
	Ledger *models.LedgerEntry `json:"ledger,omitempty"`
}

func (h *Handler) loadOrderView(ctx context.Context, order models.Order) (orderView, error) {
	items, err := h.orders.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return orderView{}, err
	}
	ledger, err := h.orders.GetLedgerEntryByOrderID(ctx, order.ID)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return orderView{}, err
	}
	if items == nil {
		items = []models.OrderItem{}
	}
	return orderView{Order: order, Items: items, Ledger: ledger}, nil
}

// getCheckoutOrders lists the orders a checkout session has committed, with
// their items and ledger entries
func (h *Handler) getCheckoutOrders(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")

	orders, err := h.orders.GetOrdersBySession(ctx, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, order := range orders {
		view, err := h.loadOrderView(ctx, order)
		if err != nil {
			h.writeError(c, err)
			return
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"orders":     views,
	})
}

func (h *Handler) getOrder(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	order, err := h.orders.GetOrderByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		h.writeError(c, err)
		return
	}

	view, err := h.loadOrderView(c.Request.Context(), *order)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
)

func (h *Handler) getNotifications(c *gin.Context) {
	limit := defaultNotificationLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxNotificationLimit)
	}

	userID := c.Param("userId")
	notifications, err := h.orders.GetNotificationsByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":       userID,
		"notifications": notifications,
	})
}

// writeError maps checkout errors to their public status and message
func (h *Handler) writeError(c *gin.Context, err error) {
	if typed := service.AsCheckoutError(err); typed != nil {
		c.JSON(typed.HTTPStatus(), gin.H{
			"error":     typed.PublicMessage(),
			"kind":      typed.Kind,
			"retryable": typed.Retryable(),
		})
		return
	}

	h.logger.Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
