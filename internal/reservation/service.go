package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keybridge/internal/catalog"
	"keybridge/internal/logger"
	"keybridge/internal/supplier"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Catalog resolves marketplace products to supplier products.
type Catalog interface {
	ByMarketplaceID(id string) (catalog.Mapping, bool)
}

// StockLookup reads current supplier stock. A nil product means the supplier
// does not carry it.
type StockLookup interface {
	GetProduct(ctx context.Context, productID string) (*supplier.Product, error)
}

type Service interface {
	Create(ctx context.Context, items []RequestItem) (*Reservation, []StockSnapshot, error)
	Get(ctx context.Context, id string) (*Reservation, error)
	Consume(ctx context.Context, id string) ([]Item, error)
	ConsumeTx(ctx context.Context, tx *sql.Tx, id string) ([]Item, error)
	Release(ctx context.Context, id string) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

type service struct {
	db      *sql.DB
	repo    Repository
	catalog Catalog
	stock   StockLookup
	ttl     time.Duration
	now     func() time.Time
}

func NewService(db *sql.DB, repo Repository, cat Catalog, stock StockLookup, ttl time.Duration) Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &service{
		db:      db,
		repo:    repo,
		catalog: cat,
		stock:   stock,
		ttl:     ttl,
		now:     time.Now,
	}
}

// normalize validates the request and merges lines naming the same product,
// keeping first-seen order.
func normalize(items []RequestItem) ([]RequestItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrValidation)
	}

	index := make(map[string]int, len(items))
	out := make([]RequestItem, 0, len(items))
	for _, it := range items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: product_id is required", ErrValidation)
		}
		if it.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s must be at least 1", ErrValidation, id)
		}
		if i, ok := index[id]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[id] = len(out)
		out = append(out, RequestItem{ProductID: id, Quantity: it.Quantity})
	}
	return out, nil
}

// Create checks every item against the catalog and live supplier stock and
// persists the reservation only when all of them pass.
func (s *service) Create(ctx context.Context, items []RequestItem) (*Reservation, []StockSnapshot, error) {
	log := logger.FromCtx(ctx).With(zap.String("layer", "service"), zap.String("method", "CreateReservation"))

	items, err := normalize(items)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	res := &Reservation{
		ID:        uuid.New().String(),
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	snapshot := make([]StockSnapshot, 0, len(items))

	for _, it := range items {
		mapping, ok := s.catalog.ByMarketplaceID(it.ProductID)
		if !ok {
			log.Info("reservation rejected, unmapped product", zap.String("product_id", it.ProductID))
			return nil, nil, fmt.Errorf("%w: %s", ErrProductNotFound, it.ProductID)
		}

		product, err := s.stock.GetProduct(ctx, mapping.SupplierProductID)
		if err != nil {
			log.Error("stock lookup failed", zap.String("product_id", it.ProductID), zap.Error(err))
			return nil, nil, fmt.Errorf("%w: %v", ErrSupplierUnavailable, err)
		}
		if product == nil {
			return nil, nil, fmt.Errorf("%w: %s is not available from the supplier", ErrInsufficientStock, it.ProductID)
		}
		if product.Quantity < it.Quantity {
			log.Info("reservation rejected, insufficient stock",
				zap.String("product_id", it.ProductID),
				zap.Int("requested", it.Quantity),
				zap.Int("available", product.Quantity),
			)
			return nil, nil, fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, it.ProductID, product.Quantity, it.Quantity)
		}

		res.Items = append(res.Items, Item{
			ProductID:         it.ProductID,
			SupplierProductID: mapping.SupplierProductID,
			Quantity:          it.Quantity,
			UnitPrice:         product.UnitPrice,
		})
		snapshot = append(snapshot, StockSnapshot{ProductID: it.ProductID, InventorySize: product.Quantity})
	}

	if err := s.repo.Insert(ctx, res); err != nil {
		log.Error("failed to persist reservation", zap.Error(err))
		return nil, nil, err
	}

	log.Info("reservation created", zap.String("reservation_id", res.ID), zap.Int("items", len(res.Items)))
	return res, snapshot, nil
}

func (s *service) Get(ctx context.Context, id string) (*Reservation, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) Consume(ctx context.Context, id string) ([]Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	items, err := s.ConsumeTx(ctx, tx, id)
	if err != nil && !errors.Is(err, ErrExpired) {
		return nil, err
	}
	if cerr := tx.Commit(); cerr != nil {
		return nil, cerr
	}
	return items, err
}

func (s *service) ConsumeTx(ctx context.Context, tx *sql.Tx, id string) ([]Item, error) {
	items, err := s.repo.ConsumeTx(ctx, tx, id, s.now())
	if errors.Is(err, ErrExpired) {
		logger.FromCtx(ctx).Info("expired reservation removed on use", zap.String("reservation_id", id))
	}
	return items, err
}

func (s *service) Release(ctx context.Context, id string) error {
	res, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if res.Expired(s.now()) {
		return ErrInvalidState
	}

	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}

	logger.FromCtx(ctx).Info("reservation released", zap.String("reservation_id", id))
	return nil
}

func (s *service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.DeleteExpired(ctx, now)
}
