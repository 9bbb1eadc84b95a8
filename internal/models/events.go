package models

import "time"

// Event types
const (
	EventTypeTicketFulfilled = "TICKET_FULFILLED"
	EventTypePurchaseFailed  = "PURCHASE_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// TicketFulfilledEvent is published exactly once per successful transaction.
// Downstream notification/UI code consumes it to grant the ticket or slot.
type TicketFulfilledEvent struct {
	BaseEvent
	Reference   string `json:"reference"`
	OfferingID  int64  `json:"offering_id"`
	Email       string `json:"email"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// PurchaseFailedEvent is published when a transaction settles as failed or
// expired. Best effort only; settlement never blocks on it.
type PurchaseFailedEvent struct {
	BaseEvent
	Reference  string `json:"reference"`
	OfferingID int64  `json:"offering_id"`
	Reason     string `json:"reason"`
}
