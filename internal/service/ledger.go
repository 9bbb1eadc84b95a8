package service

import (
	"context"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Ledger is the durable record of every purchase attempt, keyed by
// reference. Its compare-and-swap transition is the sole arbiter of which
// ingress path settles a transaction first.
type Ledger struct {
	store  *store.Store
	logger *zap.Logger
}

// NewLedger creates a new transaction ledger
func NewLedger(store *store.Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Create inserts a new transaction in status initiated. A colliding
// reference fails with ErrDuplicateReference, checked atomically with the
// insertion.
func (l *Ledger) Create(ctx context.Context, reference string, offeringID int64, email string, amountMinor int64, currency string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Create")
	defer span.End()

	txn := &models.Transaction{
		Reference:   reference,
		OfferingID:  offeringID,
		Email:       email,
		AmountMinor: amountMinor,
		Currency:    currency,
		Status:      models.StatusInitiated,
	}

	if err := l.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	l.logger.Info("Transaction created",
		zap.String("reference", reference),
		zap.Int64("offering_id", offeringID))

	return txn, nil
}

// Get retrieves a transaction by reference
func (l *Ledger) Get(ctx context.Context, reference string) (*models.Transaction, error) {
	return l.store.GetTransactionByReference(ctx, reference)
}

// Transition moves a transaction to a new status only if its current status
// is in the from set. Losing a race yields ErrInvalidTransition; callers
// resolve that by re-reading.
func (l *Ledger) Transition(ctx context.Context, reference string, from []models.TransactionStatus, to models.TransactionStatus) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Transition")
	defer span.End()

	return l.store.TransitionTransaction(ctx, reference, from, to)
}

// ListStale returns non-terminal transactions created before the cutoff
func (l *Ledger) ListStale(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	return l.store.ListStaleTransactions(ctx, cutoff)
}
