// Package notify publishes fulfillment events for downstream consumers and
// operators.
package notify

import (
	"context"
	"time"
)

const (
	EventOrderCompleted     = "order.completed"
	EventOrderFailed        = "order.failed"
	EventManualIntervention = "manual_intervention"
)

type Event struct {
	Type               string    `json:"type"`
	MarketplaceOrderID string    `json:"marketplace_order_id"`
	SupplierOrderID    string    `json:"supplier_order_id,omitempty"`
	Message            string    `json:"message,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// Publisher delivers events. Publish failures are reported but callers treat
// them as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
