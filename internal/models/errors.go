package models

import "errors"

var (
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayRejected     = errors.New("payment gateway rejected request")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrSoldOut             = errors.New("offering sold out")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAmountMismatch      = errors.New("gateway amount does not match transaction")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrOfferingNotFound    = errors.New("offering not found")
	ErrReservationNotFound = errors.New("reservation not found")
)
