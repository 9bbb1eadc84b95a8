package models

import "time"

// Offering represents a purchasable unit: a ticket type or sponsorship tier.
type Offering struct {
	ID         int64     `db:"id" json:"id"`
	Slug       string    `db:"slug" json:"slug"`
	Name       string    `db:"name" json:"name"`
	PriceMinor int64     `db:"price_minor" json:"price_minor"`
	Currency   string    `db:"currency" json:"currency"`
	Capacity   int       `db:"capacity" json:"capacity"`
	Sold       int       `db:"sold" json:"sold"`
	Reserved   int       `db:"reserved" json:"reserved"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Available returns the units still open for reservation.
func (o *Offering) Available() int {
	return o.Capacity - o.Sold - o.Reserved
}

// TransactionStatus is the settlement state of a purchase attempt.
type TransactionStatus string

const (
	StatusInitiated           TransactionStatus = "initiated"
	StatusPendingVerification TransactionStatus = "pending_verification"
	StatusSucceeded           TransactionStatus = "succeeded"
	StatusFailed              TransactionStatus = "failed"
	StatusExpired             TransactionStatus = "expired"
)

// IsTerminal reports whether the status is absorbing.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// NonTerminalStatuses are the states a transaction can still be moved out of.
var NonTerminalStatuses = []TransactionStatus{StatusInitiated, StatusPendingVerification}

// AllowedTransitions maps each status to the statuses it may move to.
// Terminal states map to empty slices.
var AllowedTransitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated:           {StatusPendingVerification, StatusSucceeded, StatusFailed, StatusExpired},
	StatusPendingVerification: {StatusSucceeded, StatusFailed, StatusExpired},
	StatusSucceeded:           {},
	StatusFailed:              {},
	StatusExpired:             {},
}

// CanTransition reports whether a transition from one status to another is allowed.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transaction is one purchase attempt. Reference is the caller-generated
// idempotency key and the sole correlation key shared with the gateway.
type Transaction struct {
	ID          int64             `db:"id" json:"id"`
	Reference   string            `db:"reference" json:"reference"`
	OfferingID  int64             `db:"offering_id" json:"offering_id"`
	Email       string            `db:"email" json:"email"`
	AmountMinor int64             `db:"amount_minor" json:"amount_minor"`
	Currency    string            `db:"currency" json:"currency"`
	Status      TransactionStatus `db:"status" json:"status"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}

// Reservation statuses
const (
	ReservationHeld      = "held"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

// Reservation is a provisional hold of one unit of an Offering's capacity,
// linked 1:1 to a Transaction while it is non-terminal.
type Reservation struct {
	Token      string    `db:"token" json:"token"`
	OfferingID int64     `db:"offering_id" json:"offering_id"`
	Reference  string    `db:"reference" json:"reference"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ProcessedEvent for consumer-side idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
