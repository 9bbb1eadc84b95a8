package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransactionLedger is the durable purchase record consumed by the coordinator.
type TransactionLedger interface {
	Create(ctx context.Context, reference string, offeringID int64, email string, amountMinor int64, currency string) (*models.Transaction, error)
	Get(ctx context.Context, reference string) (*models.Transaction, error)
	Transition(ctx context.Context, reference string, from []models.TransactionStatus, to models.TransactionStatus) (*models.Transaction, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]models.Transaction, error)
}

// Inventory is the capacity counter consumed by the coordinator.
type Inventory interface {
	Reserve(ctx context.Context, offeringID int64, reference string) (string, error)
	Commit(ctx context.Context, token string) error
	Release(ctx context.Context, token string) error
	TokenFor(ctx context.Context, reference string) (string, error)
	Offering(ctx context.Context, offeringID int64) (*models.Offering, error)
}

// PaymentGateway is the outbound side of the external gateway.
type PaymentGateway interface {
	InitializeTransaction(ctx context.Context, req *gateway.InitializeRequest) (*gateway.Initialization, error)
	VerifyTransaction(ctx context.Context, reference string) (*gateway.Verification, error)
}

// FulfillmentPublisher emits downstream events once settlement completes.
type FulfillmentPublisher interface {
	PublishTicketFulfilled(ctx context.Context, event *models.TicketFulfilledEvent) error
	PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error
}

// Coordinator orchestrates settlement: it creates the ledger entry and
// provisional reservation on initiate, and reconciles gateway outcomes from
// both the verify poll and the webhook through a single compare-and-swap
// entry point, so the first authoritative outcome wins and every later
// arrival is a no-op.
type Coordinator struct {
	ledger       TransactionLedger
	inventory    Inventory
	gateway      PaymentGateway
	publisher    FulfillmentPublisher
	expiryWindow time.Duration
	logger       *zap.Logger
}

// NewCoordinator creates a new settlement coordinator
func NewCoordinator(
	ledger TransactionLedger,
	inventory Inventory,
	gw PaymentGateway,
	publisher FulfillmentPublisher,
	expiryWindow time.Duration,
) *Coordinator {
	return &Coordinator{
		ledger:       ledger,
		inventory:    inventory,
		gateway:      gw,
		publisher:    publisher,
		expiryWindow: expiryWindow,
		logger:       util.GetLogger(),
	}
}

// InitiateRequest starts a purchase for one unit of an offering. Reference
// is the caller's idempotency key; one is generated when absent. AmountMinor
// is optional and only cross-checked against the offering's price, which is
// what the gateway is actually charged.
type InitiateRequest struct {
	OfferingID  int64  `json:"offering_id" binding:"required"`
	Email       string `json:"email" binding:"required,email"`
	Reference   string `json:"reference,omitempty"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
}

// InitiateResponse carries the redirect target for the buyer's browser
type InitiateResponse struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
	Status      string `json:"status"`
}

// Outcome is an authoritative gateway result for a transaction, sourced
// from either the verify call or the webhook.
type Outcome struct {
	Status      models.TransactionStatus
	AmountMinor int64
	Currency    string
	Source      string
}

// Initiate reserves a unit, records the transaction and asks the gateway
// for a redirect URL. Any failure after the reservation rolls everything
// back; no partial state survives a failed initiate.
func (c *Coordinator) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResponse, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Initiate")
	defer span.End()

	offering, err := c.inventory.Offering(ctx, req.OfferingID)
	if err != nil {
		return nil, err
	}
	if req.AmountMinor != 0 && req.AmountMinor != offering.PriceMinor {
		return nil, models.ErrAmountMismatch
	}

	reference := req.Reference
	if reference == "" {
		reference = uuid.New().String()
	}

	token, err := c.inventory.Reserve(ctx, req.OfferingID, reference)
	if err != nil {
		return nil, err
	}

	if _, err := c.ledger.Create(ctx, reference, offering.ID, req.Email, offering.PriceMinor, offering.Currency); err != nil {
		c.rollbackReservation(ctx, token, reference)
		return nil, err
	}

	util.PurchasesInitiatedTotal.Inc()

	init, err := c.gateway.InitializeTransaction(ctx, &gateway.InitializeRequest{
		Email:       req.Email,
		AmountMinor: offering.PriceMinor,
		Currency:    offering.Currency,
		Reference:   reference,
		Metadata: map[string]string{
			"offering": offering.Slug,
		},
	})
	if err != nil {
		c.rollbackReservation(ctx, token, reference)
		if _, terr := c.ledger.Transition(ctx, reference, models.NonTerminalStatuses, models.StatusFailed); terr != nil {
			c.logger.Error("Failed to mark transaction failed after gateway error",
				zap.String("reference", reference),
				zap.Error(terr))
		}
		util.PurchasesFailedTotal.WithLabelValues("gateway_init").Inc()
		return nil, err
	}

	txn, err := c.ledger.Transition(ctx, reference, []models.TransactionStatus{models.StatusInitiated}, models.StatusPendingVerification)
	if err != nil {
		// The webhook can land before the initialize call returns; an
		// already-settled transaction is not an error here.
		if !errors.Is(err, models.ErrInvalidTransition) {
			return nil, err
		}
		txn, err = c.ledger.Get(ctx, reference)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info("Purchase initiated",
		zap.String("reference", reference),
		zap.Int64("offering_id", offering.ID),
		zap.String("status", string(txn.Status)))

	return &InitiateResponse{
		Reference:   reference,
		RedirectURL: init.AuthorizationURL,
		Status:      string(txn.Status),
	}, nil
}

func (c *Coordinator) rollbackReservation(ctx context.Context, token, reference string) {
	if err := c.inventory.Release(ctx, token); err != nil {
		c.logger.Error("Failed to release reservation during rollback",
			zap.String("reference", reference),
			zap.Error(err))
	}
}

// Reconcile applies an authoritative outcome to a transaction exactly once.
// A terminal transaction is returned unchanged; a lost transition race is
// resolved by re-reading. Only the caller that wins the compare-and-swap
// touches inventory or publishes the fulfillment event.
func (c *Coordinator) Reconcile(ctx context.Context, reference string, outcome Outcome) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Reconcile")
	defer span.End()

	txn, err := c.ledger.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() {
		if err := c.settleInventory(ctx, txn); err != nil {
			return nil, err
		}
		return txn, nil
	}

	target := outcome.Status
	reason := outcome.Source

	if target == models.StatusSucceeded && !c.amountMatches(txn, outcome) {
		util.AmountMismatchTotal.Inc()
		c.logger.Error("Gateway amount mismatch, settling as failed",
			zap.String("reference", reference),
			zap.Int64("expected_amount", txn.AmountMinor),
			zap.String("expected_currency", txn.Currency),
			zap.Int64("reported_amount", outcome.AmountMinor),
			zap.String("reported_currency", outcome.Currency))
		target = models.StatusFailed
		reason = "amount_mismatch"
	}

	updated, err := c.ledger.Transition(ctx, reference, models.NonTerminalStatuses, target)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Lost the race to a concurrent reconcile; the winner's
			// terminal state stands.
			settled, gerr := c.ledger.Get(ctx, reference)
			if gerr != nil {
				return nil, gerr
			}
			if serr := c.settleInventory(ctx, settled); serr != nil {
				return nil, serr
			}
			return settled, nil
		}
		return nil, err
	}

	token, err := c.inventory.TokenFor(ctx, reference)
	if err != nil {
		return nil, err
	}

	if target == models.StatusSucceeded {
		if err := c.inventory.Commit(ctx, token); err != nil {
			return nil, err
		}
		util.PurchasesSucceededTotal.Inc()
		c.publishFulfilled(ctx, updated)
	} else {
		if err := c.inventory.Release(ctx, token); err != nil {
			return nil, err
		}
		util.PurchasesFailedTotal.WithLabelValues(reason).Inc()
		c.publishFailed(ctx, updated, reason)
	}

	c.logger.Info("Transaction settled",
		zap.String("reference", reference),
		zap.String("status", string(updated.Status)),
		zap.String("source", outcome.Source))

	return updated, nil
}

func (c *Coordinator) amountMatches(txn *models.Transaction, outcome Outcome) bool {
	return outcome.AmountMinor == txn.AmountMinor &&
		strings.EqualFold(outcome.Currency, txn.Currency)
}

// settleInventory brings the reservation in line with a terminal transaction.
// Commit and release are idempotent, so replaying this on every late arrival
// heals a settle that failed after the status transition already won.
func (c *Coordinator) settleInventory(ctx context.Context, txn *models.Transaction) error {
	token, err := c.inventory.TokenFor(ctx, txn.Reference)
	if err != nil {
		return err
	}
	if txn.Status == models.StatusSucceeded {
		return c.inventory.Commit(ctx, token)
	}
	return c.inventory.Release(ctx, token)
}

// VerifyAndReconcile is the pull path triggered by the buyer's return
// redirect. A terminal transaction short-circuits without a gateway call;
// a gateway answer that is neither success nor failure leaves the
// transaction untouched.
func (c *Coordinator) VerifyAndReconcile(ctx context.Context, reference string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.VerifyAndReconcile")
	defer span.End()

	txn, err := c.ledger.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() {
		if err := c.settleInventory(ctx, txn); err != nil {
			return nil, err
		}
		return txn, nil
	}

	verification, err := c.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}

	var status models.TransactionStatus
	switch verification.Status {
	case gateway.VerifyStatusSuccess:
		status = models.StatusSucceeded
	case gateway.VerifyStatusFailed, gateway.VerifyStatusAbandoned:
		status = models.StatusFailed
	default:
		// Still pending at the gateway; nothing to settle yet.
		return txn, nil
	}

	return c.Reconcile(ctx, reference, Outcome{
		Status:      status,
		AmountMinor: verification.AmountMinor,
		Currency:    verification.Currency,
		Source:      "verify",
	})
}

// ExpireStale closes every transaction left non-terminal past the expiry
// window, releasing its reservation. Scheduling belongs to the caller.
func (c *Coordinator) ExpireStale(ctx context.Context, now time.Time) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.ExpireStale")
	defer span.End()

	stale, err := c.ledger.ListStale(ctx, now.Add(-c.expiryWindow))
	if err != nil {
		return err
	}

	for _, txn := range stale {
		updated, err := c.ledger.Transition(ctx, txn.Reference, models.NonTerminalStatuses, models.StatusExpired)
		if err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				// A late outcome beat the sweep; leave it alone.
				continue
			}
			c.logger.Error("Failed to expire transaction",
				zap.String("reference", txn.Reference),
				zap.Error(err))
			continue
		}

		token, err := c.inventory.TokenFor(ctx, txn.Reference)
		if err != nil {
			c.logger.Error("Failed to find reservation for expired transaction",
				zap.String("reference", txn.Reference),
				zap.Error(err))
			continue
		}
		if err := c.inventory.Release(ctx, token); err != nil {
			c.logger.Error("Failed to release reservation for expired transaction",
				zap.String("reference", txn.Reference),
				zap.Error(err))
			continue
		}

		util.PurchasesExpiredTotal.Inc()
		c.publishFailed(ctx, updated, "expired")

		c.logger.Info("Transaction expired",
			zap.String("reference", txn.Reference),
			zap.Time("created_at", txn.CreatedAt))
	}

	return nil
}

func (c *Coordinator) publishFulfilled(ctx context.Context, txn *models.Transaction) {
	event := &models.TicketFulfilledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeTicketFulfilled,
			Timestamp: time.Now(),
		},
		Reference:   txn.Reference,
		OfferingID:  txn.OfferingID,
		Email:       txn.Email,
		AmountMinor: txn.AmountMinor,
		Currency:    txn.Currency,
	}

	if err := c.publisher.PublishTicketFulfilled(ctx, event); err != nil {
		c.logger.Error("Failed to publish TicketFulfilled event",
			zap.String("reference", txn.Reference),
			zap.Error(err))
		return
	}
	util.FulfillmentsPublishedTotal.Inc()
}

func (c *Coordinator) publishFailed(ctx context.Context, txn *models.Transaction, reason string) {
	event := &models.PurchaseFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePurchaseFailed,
			Timestamp: time.Now(),
		},
		Reference:  txn.Reference,
		OfferingID: txn.OfferingID,
		Reason:     reason,
	}

	if err := c.publisher.PublishPurchaseFailed(ctx, event); err != nil {
		c.logger.Error("Failed to publish PurchaseFailed event",
			zap.String("reference", txn.Reference),
			zap.Error(err))
	}
}
