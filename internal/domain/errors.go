package domain

import "errors"

// Error taxonomy surfaced by the coordinator (spec §7). Handlers in
// internal/api map these to HTTP status codes with errors.Is.
var (
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidState          = errors.New("invalid state")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrConflict              = errors.New("conflict")
	ErrInternal              = errors.New("internal error")
)
