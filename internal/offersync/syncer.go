// Package offersync keeps marketplace offer prices and stock in line with the
// supplier.
package offersync

import (
	"context"
	"fmt"
	"time"

	"keybridge/internal/catalog"
	"keybridge/internal/logger"
	"keybridge/internal/marketplace"
	"keybridge/internal/pricing"
	"keybridge/internal/supplier"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Catalog interface {
	All() []catalog.Mapping
}

type Supplier interface {
	GetProducts(ctx context.Context, productIDs []string) (map[string]supplier.Product, error)
}

type Marketplace interface {
	ListOffers(ctx context.Context) ([]marketplace.Offer, error)
	UpdateOffer(ctx context.Context, offerID string, price decimal.Decimal, quantity int) error
	DeactivateOffer(ctx context.Context, offerID string) error
}

type Config struct {
	Interval      time.Duration
	DefaultProfit decimal.Decimal
	FeePercentage decimal.Decimal
}

// Result summarises one sync cycle.
type Result struct {
	Updated     int
	Deactivated int
	Skipped     int
	Failed      int
}

type Syncer struct {
	catalog     Catalog
	supplier    Supplier
	marketplace Marketplace
	cfg         Config
}

func NewSyncer(cat Catalog, sup Supplier, mkt Marketplace, cfg Config) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Syncer{catalog: cat, supplier: sup, marketplace: mkt, cfg: cfg}
}

// Run syncs once immediately and then every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	log := logger.L().With(zap.String("component", "offer_sync"))
	log.Info("offer sync started", zap.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil {
			log.Error("sync cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce updates every mapped offer. A failure on one product is logged and
// does not stop the others.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	log := logger.FromCtx(ctx).With(zap.String("component", "offer_sync"))
	var result Result

	mappings := s.catalog.All()
	if len(mappings) == 0 {
		return result, nil
	}

	offers := s.offerIndex(ctx)

	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.SupplierProductID)
	}
	products, err := s.supplier.GetProducts(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("fetch supplier products: %w", err)
	}

	for _, m := range mappings {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		plog := log.With(zap.String("product_id", m.MarketplaceProductID), zap.String("supplier_product_id", m.SupplierProductID))

		offerID := offers[m.MarketplaceProductID]
		if offerID == "" {
			offerID = m.OfferID
		}
		if offerID == "" {
			plog.Debug("no offer for product, skipping")
			result.Skipped++
			continue
		}
		plog = plog.With(zap.String("offer_id", offerID))

		product, ok := products[m.SupplierProductID]
		if !ok || product.Quantity <= 0 {
			if err := s.marketplace.DeactivateOffer(ctx, offerID); err != nil {
				plog.Error("offer deactivation failed", zap.Error(err))
				result.Failed++
				continue
			}
			plog.Info("offer deactivated, supplier out of stock")
			result.Deactivated++
			continue
		}

		profit := s.cfg.DefaultProfit
		if m.Profit != nil {
			profit = *m.Profit
		}
		price, err := pricing.Price(product.UnitPrice, profit, s.cfg.FeePercentage)
		if err != nil {
			plog.Error("price calculation failed", zap.Error(err))
			result.Failed++
			continue
		}

		if err := s.marketplace.UpdateOffer(ctx, offerID, price, product.Quantity); err != nil {
			plog.Error("offer update failed", zap.Error(err))
			result.Failed++
			continue
		}
		plog.Info("offer updated",
			zap.String("supplier_price", product.UnitPrice.StringFixed(2)),
			zap.String("price", price.StringFixed(2)),
			zap.Int("quantity", product.Quantity),
		)
		result.Updated++
	}

	log.Info("sync cycle finished",
		zap.Int("updated", result.Updated),
		zap.Int("deactivated", result.Deactivated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// offerIndex maps marketplace product ids to the seller's offer ids. When the
// listing fails the configured offer ids are used on their own.
func (s *Syncer) offerIndex(ctx context.Context) map[string]string {
	offers, err := s.marketplace.ListOffers(ctx)
	if err != nil {
		logger.FromCtx(ctx).Warn("listing offers failed, using configured offer ids", zap.Error(err))
		return map[string]string{}
	}

	index := make(map[string]string, len(offers))
	for _, o := range offers {
		if o.Product.ID != "" {
			index[o.Product.ID] = o.ID
		}
	}
	return index
}
