package ledger

import "errors"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrEmptyOrder        = errors.New("order has no items")
	ErrUnknownKeyKind    = errors.New("unknown key kind")
	ErrUnknownStatus     = errors.New("unknown order status")
)
