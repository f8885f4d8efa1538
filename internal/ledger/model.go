package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPlacing   Status = "PLACING_SUPPLIER_ORDER"
	StatusPolling   Status = "POLLING_SUPPLIER"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

var statuses = []Status{StatusPlacing, StatusPolling, StatusCompleted, StatusFailed}

// allowedTransitions lists every legal move of the order state machine.
// Terminal states have no entry.
var allowedTransitions = map[Status][]Status{
	StatusPlacing: {StatusPolling, StatusFailed},
	StatusPolling: {StatusCompleted, StatusFailed},
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every state that may move to `to`.
func sourcesOf(to Status) []Status {
	var out []Status
	for _, from := range statuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Order is one fulfillment attempt, keyed by the marketplace order id.
type Order struct {
	MarketplaceOrderID string
	SupplierOrderID    string
	Status             Status
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Items              []Item
}

// Resumable reports whether polling can restart without placing a new
// supplier order.
func (o *Order) Resumable() bool {
	return !o.Status.IsTerminal() && o.SupplierOrderID != ""
}

type Item struct {
	MarketplaceProductID string
	SupplierProductID    string
	Quantity             int
	MaxPrice             decimal.Decimal
	Codes                []Key
}
