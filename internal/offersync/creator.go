package offersync

import (
	"context"
	"fmt"
	"strings"

	"keybridge/internal/logger"
	"keybridge/internal/marketplace"
	"keybridge/internal/pricing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type OfferCreator interface {
	CreateOffer(ctx context.Context, productID string, price decimal.Decimal, quantity int) (string, error)
	JobStatus(ctx context.Context, jobID string) (*marketplace.Job, error)
}

// Submission is the outcome of creating the offer for one mapped product.
// JobID is empty when every attempt failed or the product was skipped.
type Submission struct {
	MarketplaceProductID string
	SupplierProductID    string
	ProductName          string
	JobID                string
	Price                decimal.Decimal
	Quantity             int
	Skipped              string
	Err                  error
}

// JobReport groups checked jobs by outcome.
type JobReport struct {
	Completed []JobOutcome
	Failed    []JobOutcome
	Pending   []JobOutcome
}

type JobOutcome struct {
	Submission
	Status   string
	OfferIDs []string
	Rejected []marketplace.JobElement
	Err      error
}

type Creator struct {
	catalog     Catalog
	supplier    Supplier
	marketplace OfferCreator
	cfg         Config
}

func NewCreator(cat Catalog, sup Supplier, mkt OfferCreator, cfg Config) *Creator {
	return &Creator{catalog: cat, supplier: sup, marketplace: mkt, cfg: cfg}
}

// CreateOffers submits an offer for every mapped product that is in stock at
// the supplier. Products without stock or pricing are skipped.
func (c *Creator) CreateOffers(ctx context.Context) ([]Submission, error) {
	log := logger.FromCtx(ctx).With(zap.String("component", "offer_create"))

	mappings := c.catalog.All()
	if len(mappings) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.SupplierProductID)
	}
	products, err := c.supplier.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch supplier products: %w", err)
	}

	subs := make([]Submission, 0, len(mappings))
	for _, m := range mappings {
		if ctx.Err() != nil {
			return subs, ctx.Err()
		}

		sub := Submission{MarketplaceProductID: m.MarketplaceProductID, SupplierProductID: m.SupplierProductID}
		plog := log.With(zap.String("product_id", m.MarketplaceProductID), zap.String("supplier_product_id", m.SupplierProductID))

		product, ok := products[m.SupplierProductID]
		switch {
		case !ok:
			sub.Skipped = "supplier product not found"
		case product.Quantity <= 0:
			sub.Skipped = "no stock available"
		case product.UnitPrice.IsZero():
			sub.Skipped = "no pricing information"
		}
		if sub.Skipped != "" {
			plog.Warn("skipping product", zap.String("reason", sub.Skipped))
			subs = append(subs, sub)
			continue
		}
		sub.ProductName = product.Name
		sub.Quantity = product.Quantity

		profit := c.cfg.DefaultProfit
		if m.Profit != nil {
			profit = *m.Profit
		}
		sub.Price, sub.Err = pricing.Price(product.UnitPrice, profit, c.cfg.FeePercentage)
		if sub.Err != nil {
			plog.Error("price calculation failed", zap.Error(sub.Err))
			subs = append(subs, sub)
			continue
		}

		for _, id := range productIDCandidates(m.MarketplaceProductID) {
			sub.JobID, sub.Err = c.marketplace.CreateOffer(ctx, id, sub.Price, sub.Quantity)
			if sub.Err == nil {
				break
			}
			plog.Warn("offer creation attempt failed", zap.String("attempted_id", id), zap.Error(sub.Err))
		}
		if sub.Err != nil {
			plog.Error("offer creation failed for every product id format", zap.Error(sub.Err))
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// CheckJobs fetches the job of every submitted offer and sorts the results.
// A complete job may land in both Completed and Failed when some of its
// offers were rejected.
func (c *Creator) CheckJobs(ctx context.Context, subs []Submission) JobReport {
	var report JobReport
	for _, sub := range subs {
		if sub.JobID == "" {
			continue
		}

		job, err := c.marketplace.JobStatus(ctx, sub.JobID)
		if err != nil {
			logger.FromCtx(ctx).Error("job status check failed", zap.String("job_id", sub.JobID), zap.Error(err))
			report.Failed = append(report.Failed, JobOutcome{Submission: sub, Err: err})
			continue
		}

		outcome := JobOutcome{Submission: sub, Status: job.Status}
		if !job.Done() {
			report.Pending = append(report.Pending, outcome)
			continue
		}
		if ids := job.CreatedOffers(); len(ids) > 0 {
			done := outcome
			done.OfferIDs = ids
			report.Completed = append(report.Completed, done)
		}
		if rejected := job.Rejected(); len(rejected) > 0 {
			failed := outcome
			failed.Rejected = rejected
			report.Failed = append(report.Failed, failed)
		}
	}
	return report
}

// productIDCandidates lists the product id as configured and, for ids with an
// "i" prefix, the bare numeric form the marketplace also accepts.
func productIDCandidates(id string) []string {
	if trimmed := strings.TrimPrefix(id, "i"); trimmed != id && trimmed != "" {
		return []string{id, trimmed}
	}
	return []string{id}
}
