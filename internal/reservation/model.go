package reservation

import (
	"time"

	"github.com/shopspring/decimal"
)

const StatusActive = "ACTIVE"

// DefaultTTL is how long a reservation holds supplier stock.
const DefaultTTL = 30 * time.Minute

// Reservation is a soft hold on supplier stock. It exists only while ACTIVE;
// a consumed or swept reservation is deleted.
type Reservation struct {
	ID        string
	Status    string
	Items     []Item
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether now is past ExpiresAt. A reservation is still
// consumable at exactly ExpiresAt, matching the sweep cutoff.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

type Item struct {
	ProductID         string
	SupplierProductID string
	Quantity          int
	UnitPrice         decimal.Decimal
}

// RequestItem is one line of a reservation request.
type RequestItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// StockSnapshot is the supplier quantity observed while reserving.
type StockSnapshot struct {
	ProductID     string `json:"product_id"`
	InventorySize int    `json:"inventory_size"`
}
