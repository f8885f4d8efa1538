package notify

import (
	"context"

	"keybridge/internal/logger"

	"go.uber.org/zap"
)

// LogPublisher writes events to the structured log. Used when no broker is
// configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, e Event) error {
	log := logger.FromCtx(ctx).With(
		zap.String("event", e.Type),
		zap.String("marketplace_order_id", e.MarketplaceOrderID),
		zap.String("supplier_order_id", e.SupplierOrderID),
		zap.String("message", e.Message),
	)

	if e.Type == EventManualIntervention {
		log.Error("manual intervention required")
		return nil
	}
	log.Info("fulfillment event")
	return nil
}
