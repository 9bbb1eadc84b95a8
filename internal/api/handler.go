package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WebhookAuthenticator validates inbound gateway deliveries
type WebhookAuthenticator interface {
	AuthenticateWebhook(payload []byte, signature string) bool
}

// Handler contains HTTP handlers
type Handler struct {
	coordinator   *service.Coordinator
	inventory     *service.InventoryManager
	authenticator WebhookAuthenticator
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(coordinator *service.Coordinator, inventory *service.InventoryManager, authenticator WebhookAuthenticator) *Handler {
	return &Handler{
		coordinator:   coordinator,
		inventory:     inventory,
		authenticator: authenticator,
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

	router.POST("/webhooks/payment", h.paymentWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/offerings", h.listOfferings)
		v1.POST("/purchases", h.initiatePurchase)
		v1.GET("/purchases/:reference", h.verifyPurchase)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// listOfferings returns offerings with current availability
func (h *Handler) listOfferings(c *gin.Context) {
	offerings, err := h.inventory.ListOfferings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list offerings",
		})
		return
	}

	type offeringView struct {
		ID         int64  `json:"id"`
		Slug       string `json:"slug"`
		Name       string `json:"name"`
		PriceMinor int64  `json:"price_minor"`
		Currency   string `json:"currency"`
		Available  int    `json:"available"`
	}

	views := make([]offeringView, 0, len(offerings))
	for i := range offerings {
		views = append(views, offeringView{
			ID:         offerings[i].ID,
			Slug:       offerings[i].Slug,
			Name:       offerings[i].Name,
			PriceMinor: offerings[i].PriceMinor,
			Currency:   offerings[i].Currency,
			Available:  offerings[i].Available(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"offerings": views})
}

// initiatePurchase starts a purchase and returns the gateway redirect URL
func (h *Handler) initiatePurchase(c *gin.Context) {
	var req service.InitiateRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.Reference == "" {
		req.Reference = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.coordinator.Initiate(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrOfferingNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Offering not found"})
		case errors.Is(err, models.ErrSoldOut):
			c.JSON(http.StatusConflict, gin.H{"error": "Offering is sold out"})
		case errors.Is(err, models.ErrDuplicateReference):
			c.JSON(http.StatusConflict, gin.H{"error": "Reference already used"})
		case errors.Is(err, models.ErrAmountMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Amount does not match offering price"})
		case errors.Is(err, models.ErrGatewayRejected), errors.Is(err, models.ErrGatewayUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment failed, try again"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate purchase"})
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// verifyPurchase is the pull path: it verifies with the gateway when the
// transaction is still open and returns the current status for UI display.
func (h *Handler) verifyPurchase(c *gin.Context) {
	reference := c.Param("reference")

	txn, err := h.coordinator.VerifyAndReconcile(c.Request.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown reference"})
		case errors.Is(err, models.ErrGatewayUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway unavailable, try again"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify purchase"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference": txn.Reference,
		"status":    txn.Status,
	})
}

// webhookEvent is the minimal slice of the gateway's webhook payload the
// settlement core needs.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	} `json:"data"`
}

// paymentWebhook authenticates and applies gateway push events. The
// acknowledgment is about receipt: any authenticated, fully-processed event
// gets a fast 200, duplicates included, so the gateway only retries
// transient failures.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	signature := c.GetHeader("X-Paystack-Signature")
	if !h.authenticator.AuthenticateWebhook(payload, signature) {
		util.WebhookAuthFailuresTotal.Inc()
		h.logger.Warn("Rejected webhook with invalid signature",
			zap.String("remote_addr", c.ClientIP()))
		c.Status(http.StatusUnauthorized)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// Authenticated but unparseable; acknowledge so the gateway does
		// not retry a payload we will never understand.
		h.logger.Warn("Dropping malformed webhook payload")
		c.Status(http.StatusOK)
		return
	}

	util.WebhookEventsTotal.WithLabelValues(event.Event).Inc()

	var status models.TransactionStatus
	switch event.Event {
	case "charge.success":
		status = models.StatusSucceeded
	case "charge.failed":
		status = models.StatusFailed
	default:
		c.Status(http.StatusOK)
		return
	}

	_, err = h.coordinator.Reconcile(c.Request.Context(), event.Data.Reference, service.Outcome{
		Status:      status,
		AmountMinor: event.Data.Amount,
		Currency:    event.Data.Currency,
		Source:      "webhook",
	})
	if err != nil {
		if errors.Is(err, models.ErrTransactionNotFound) {
			h.logger.Warn("Webhook for unknown reference",
				zap.String("reference", event.Data.Reference))
			c.Status(http.StatusOK)
			return
		}
		h.logger.Error("Failed to process webhook",
			zap.String("reference", event.Data.Reference),
			zap.Error(err))
		c.Status(http.StatusServiceUnavailable)
		return
	}

	c.Status(http.StatusOK)
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
