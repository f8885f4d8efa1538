package reservation

import "errors"

var (
	// Request errors
	ErrValidation          = errors.New("invalid reservation request")
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrSupplierUnavailable = errors.New("supplier stock lookup failed")

	// Lifecycle errors
	ErrNotFound     = errors.New("reservation not found")
	ErrExpired      = errors.New("reservation expired")
	ErrInvalidState = errors.New("reservation is not active")
)
