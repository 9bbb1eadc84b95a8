package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/lib/pq"
)

// CreateTransaction inserts a new ledger entry. The unique index on reference
// makes the duplicate check atomic with the insertion.
func (s *Store) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (reference, offering_id, email, amount_minor, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, txn, query,
		txn.Reference, txn.OfferingID, txn.Email, txn.AmountMinor, txn.Currency, txn.Status)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return models.ErrDuplicateReference
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionByReference retrieves a transaction by its reference
func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE reference = $1", reference)
	if err == sql.ErrNoRows {
		return nil, models.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// TransitionTransaction moves a transaction to a new status only if its
// current status is in the allowed set (compare-and-swap). Exactly one of any
// set of racing callers wins; the rest get ErrInvalidTransition and must
// re-read.
func (s *Store) TransitionTransaction(ctx context.Context, reference string, from []models.TransactionStatus, to models.TransactionStatus) (*models.Transaction, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn,
		`UPDATE transactions SET status = $1, updated_at = NOW()
		 WHERE reference = $2 AND status = ANY($3)
		 RETURNING *`,
		to, reference, pq.Array(fromStrs))
	if err == sql.ErrNoRows {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM transactions WHERE reference = $1)", reference); err != nil {
			return nil, err
		}
		if !exists {
			return nil, models.ErrTransactionNotFound
		}
		return nil, models.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition transaction: %w", err)
	}
	return &txn, nil
}

// ListStaleTransactions returns non-terminal transactions created before the
// cutoff, for the expiry sweep.
func (s *Store) ListStaleTransactions(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := s.db.SelectContext(ctx, &txns,
		`SELECT * FROM transactions
		 WHERE status = ANY($1) AND created_at < $2
		 ORDER BY created_at`,
		pq.Array([]string{string(models.StatusInitiated), string(models.StatusPendingVerification)}),
		cutoff)
	return txns, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
