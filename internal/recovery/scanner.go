// Package recovery resumes interrupted fulfillments at process start.
package recovery

import (
	"context"
	"fmt"
	"time"

	"keybridge/internal/ledger"
	"keybridge/internal/logger"
	"keybridge/internal/metrics"
	"keybridge/internal/notify"

	"go.uber.org/zap"
)

// UnresumableMessage is stored on orders that stopped before the supplier
// order id was recorded.
const UnresumableMessage = "interrupted before the supplier order id was recorded; manual intervention required"

type Ledger interface {
	ListNonTerminal(ctx context.Context) ([]*ledger.Order, error)
	Fail(ctx context.Context, marketplaceOrderID, message string) error
}

type Resumer interface {
	Resume(ctx context.Context, o *ledger.Order) bool
}

type Report struct {
	Resumed     []string `json:"resumed"`
	Unresumable []string `json:"unresumable"`
}

type Scanner struct {
	ledger   Ledger
	resumer  Resumer
	notifier notify.Publisher
	metrics  *metrics.Fulfillment
}

func NewScanner(l Ledger, r Resumer, n notify.Publisher, m *metrics.Fulfillment) *Scanner {
	if n == nil {
		n = notify.LogPublisher{}
	}
	if m == nil {
		m = &metrics.Fulfillment{}
	}
	return &Scanner{ledger: l, resumer: r, notifier: n, metrics: m}
}

// Scan resumes polling for every non-terminal order that has a supplier order
// id and fails the rest. Terminal orders are never touched.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	log := logger.FromCtx(ctx).With(zap.String("component", "recovery"))

	orders, err := s.ledger.ListNonTerminal(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list non-terminal orders: %w", err)
	}

	report := Report{Resumed: []string{}, Unresumable: []string{}}
	for _, o := range orders {
		olog := log.With(zap.String("marketplace_order_id", o.MarketplaceOrderID), zap.String("status", string(o.Status)))

		if o.Resumable() {
			if s.resumer.Resume(ctx, o) {
				report.Resumed = append(report.Resumed, o.MarketplaceOrderID)
				olog.Info("fulfillment resumed", zap.String("supplier_order_id", o.SupplierOrderID))
			}
			continue
		}

		report.Unresumable = append(report.Unresumable, o.MarketplaceOrderID)
		s.metrics.Unresumable.Inc()
		olog.Error("fulfillment cannot be resumed")

		if err := s.ledger.Fail(ctx, o.MarketplaceOrderID, UnresumableMessage); err != nil {
			olog.Error("failed to mark order as failed", zap.Error(err))
		}

		err := s.notifier.Publish(ctx, notify.Event{
			Type:               notify.EventManualIntervention,
			MarketplaceOrderID: o.MarketplaceOrderID,
			Message:            UnresumableMessage,
			OccurredAt:         time.Now().UTC(),
		})
		if err != nil {
			olog.Warn("event publish failed", zap.Error(err))
		}
	}

	log.Info("recovery scan finished",
		zap.Int("resumed", len(report.Resumed)),
		zap.Int("unresumable", len(report.Unresumable)),
	)
	return report, nil
}
