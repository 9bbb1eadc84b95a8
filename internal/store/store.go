package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetOfferingByID retrieves an offering by ID
func (s *Store) GetOfferingByID(ctx context.Context, id int64) (*models.Offering, error) {
	var offering models.Offering
	err := s.db.GetContext(ctx, &offering, "SELECT * FROM offerings WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrOfferingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &offering, nil
}

// GetOfferingBySlug retrieves an offering by its URL slug
func (s *Store) GetOfferingBySlug(ctx context.Context, slug string) (*models.Offering, error) {
	var offering models.Offering
	err := s.db.GetContext(ctx, &offering, "SELECT * FROM offerings WHERE slug = $1", slug)
	if err == sql.ErrNoRows {
		return nil, models.ErrOfferingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &offering, nil
}

// GetOfferings retrieves all offerings
func (s *Store) GetOfferings(ctx context.Context) ([]models.Offering, error) {
	var offerings []models.Offering
	err := s.db.SelectContext(ctx, &offerings, "SELECT * FROM offerings ORDER BY id")
	return offerings, err
}

// ReserveUnitTx atomically holds one unit of an offering's capacity and
// records the reservation row within a single transaction. The conditional
// UPDATE is the sole arbiter under concurrency: two callers can never both
// observe the last unit as available.
func (s *Store) ReserveUnitTx(ctx context.Context, token string, offeringID int64, reference string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE offerings SET reserved = reserved + 1 WHERE id = $1 AND sold + reserved < capacity",
		offeringID)
	if err != nil {
		return fmt.Errorf("failed to reserve unit: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM offerings WHERE id = $1)", offeringID); err != nil {
			return err
		}
		if !exists {
			return models.ErrOfferingNotFound
		}
		return models.ErrSoldOut
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reservations (token, offering_id, reference, status)
		 VALUES ($1, $2, $3, $4)`,
		token, offeringID, reference, models.ReservationHeld)
	if err != nil {
		return fmt.Errorf("failed to record reservation: %w", err)
	}

	return tx.Commit()
}

// CommitReservationTx promotes a held reservation to a permanent sale.
// Replays are no-ops: only the caller that flips held to committed touches
// the offering counters. Returns the offering id and whether this call
// applied the change.
func (s *Store) CommitReservationTx(ctx context.Context, token string) (int64, bool, error) {
	return s.settleReservationTx(ctx, token, models.ReservationCommitted,
		"UPDATE offerings SET sold = sold + 1, reserved = reserved - 1 WHERE id = $1")
}

// ReleaseReservationTx returns a held unit to available capacity without
// incrementing sold. Idempotent the same way as CommitReservationTx.
func (s *Store) ReleaseReservationTx(ctx context.Context, token string) (int64, bool, error) {
	return s.settleReservationTx(ctx, token, models.ReservationReleased,
		"UPDATE offerings SET reserved = reserved - 1 WHERE id = $1")
}

func (s *Store) settleReservationTx(ctx context.Context, token, toStatus, counterQuery string) (int64, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	var offeringID int64
	err = tx.GetContext(ctx, &offeringID,
		`UPDATE reservations SET status = $1, updated_at = NOW()
		 WHERE token = $2 AND status = $3
		 RETURNING offering_id`,
		toStatus, token, models.ReservationHeld)
	if err == sql.ErrNoRows {
		// Already settled, or the token never existed.
		var reservation models.Reservation
		err := tx.GetContext(ctx, &reservation,
			"SELECT * FROM reservations WHERE token = $1", token)
		if err == sql.ErrNoRows {
			return 0, false, models.ErrReservationNotFound
		}
		if err != nil {
			return 0, false, err
		}
		return reservation.OfferingID, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to settle reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, counterQuery, offeringID); err != nil {
		return 0, false, fmt.Errorf("failed to update offering counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return offeringID, true, nil
}

// GetReservationByReference retrieves the reservation linked to a transaction.
// A rolled-back duplicate initiate leaves a released sibling row on the same
// reference, so the held row wins when more than one matches.
func (s *Store) GetReservationByReference(ctx context.Context, reference string) (*models.Reservation, error) {
	var reservation models.Reservation
	err := s.db.GetContext(ctx, &reservation,
		`SELECT * FROM reservations WHERE reference = $1
		 ORDER BY (status = $2) DESC, created_at DESC
		 LIMIT 1`,
		reference, models.ReservationHeld)
	if err == sql.ErrNoRows {
		return nil, models.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}
