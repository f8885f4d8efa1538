package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"keybridge/internal/db"

	"github.com/shopspring/decimal"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Repository interface {
	// Create inserts the order and its items. created is false when a row
	// for the marketplace order id already exists; nothing is written then.
	Create(ctx context.Context, o *Order) (created bool, err error)
	CreateTx(ctx context.Context, tx *sql.Tx, o *Order) (created bool, err error)
	Exists(ctx context.Context, marketplaceOrderID string) (bool, error)
	ExistsTx(ctx context.Context, tx *sql.Tx, marketplaceOrderID string) (bool, error)
	Get(ctx context.Context, marketplaceOrderID string) (*Order, error)
	ListNonTerminal(ctx context.Context) ([]*Order, error)

	MarkPolling(ctx context.Context, marketplaceOrderID, supplierOrderID string) error
	Complete(ctx context.Context, marketplaceOrderID string, codes map[string][]Key) error
	Fail(ctx context.Context, marketplaceOrderID, message string) error
	FailWithCodes(ctx context.Context, marketplaceOrderID string, codes map[string][]Key, message string) error
}

type repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db, now: time.Now}
}

func (r *repository) Create(ctx context.Context, o *Order) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	created, err := r.CreateTx(ctx, tx, o)
	if err != nil || !created {
		return created, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *repository) CreateTx(ctx context.Context, tx *sql.Tx, o *Order) (bool, error) {
	if len(o.Items) == 0 {
		return false, ErrEmptyOrder
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	if o.Status == "" {
		o.Status = StatusPlacing
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO orders (marketplace_order_id, supplier_order_id, status, created_at, updated_at)
		VALUES (?, NULL, ?, ?, ?)
		ON CONFLICT (marketplace_order_id) DO NOTHING
	`, o.MarketplaceOrderID, string(o.Status), db.NowMillis(now), db.NowMillis(now))
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	for _, it := range o.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (marketplace_order_id, marketplace_product_id, supplier_product_id, quantity, max_price)
			VALUES (?, ?, ?, ?, ?)
		`, o.MarketplaceOrderID, it.MarketplaceProductID, it.SupplierProductID, it.Quantity, it.MaxPrice.String())
		if err != nil {
			return false, fmt.Errorf("insert order item %s: %w", it.MarketplaceProductID, err)
		}
	}

	o.CreatedAt = now
	o.UpdatedAt = now
	return true, nil
}

func (r *repository) Exists(ctx context.Context, marketplaceOrderID string) (bool, error) {
	return exists(ctx, r.db, marketplaceOrderID)
}

func (r *repository) ExistsTx(ctx context.Context, tx *sql.Tx, marketplaceOrderID string) (bool, error) {
	return exists(ctx, tx, marketplaceOrderID)
}

func exists(ctx context.Context, q DBTX, marketplaceOrderID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE marketplace_order_id = ?)`,
		marketplaceOrderID,
	).Scan(&exists)
	return exists, err
}

func (r *repository) Get(ctx context.Context, marketplaceOrderID string) (*Order, error) {
	var (
		o          Order
		supplierID sql.NullString
		errMsg     sql.NullString
		status     string
		createdAt  int64
		updatedAt  int64
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT marketplace_order_id, supplier_order_id, status, error_message, created_at, updated_at
		FROM orders WHERE marketplace_order_id = ?
	`, marketplaceOrderID).Scan(&o.MarketplaceOrderID, &supplierID, &status, &errMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	o.SupplierOrderID = supplierID.String
	o.ErrorMessage = errMsg.String
	o.Status = Status(status)
	if !o.Status.Valid() {
		return nil, fmt.Errorf("%w: order %s has status %q", ErrUnknownStatus, marketplaceOrderID, status)
	}
	o.CreatedAt = db.FromMillis(createdAt)
	o.UpdatedAt = db.FromMillis(updatedAt)

	items, err := r.items(ctx, r.db, marketplaceOrderID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func (r *repository) items(ctx context.Context, q DBTX, marketplaceOrderID string) ([]Item, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT marketplace_product_id, supplier_product_id, quantity, max_price, codes
		FROM order_items WHERE marketplace_order_id = ?
		ORDER BY marketplace_product_id
	`, marketplaceOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it       Item
			maxPrice string
			codes    sql.NullString
		)
		if err := rows.Scan(&it.MarketplaceProductID, &it.SupplierProductID, &it.Quantity, &maxPrice, &codes); err != nil {
			return nil, err
		}

		it.MaxPrice, err = decimal.NewFromString(maxPrice)
		if err != nil {
			return nil, fmt.Errorf("order item %s max_price: %w", it.MarketplaceProductID, err)
		}
		if codes.Valid {
			if it.Codes, err = DecodeKeys(codes.String); err != nil {
				return nil, err
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *repository) ListNonTerminal(ctx context.Context) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT marketplace_order_id, supplier_order_id, status, created_at, updated_at
		FROM orders
		WHERE status IN (?, ?)
		ORDER BY created_at
	`, string(StatusPlacing), string(StatusPolling))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var (
			o          Order
			supplierID sql.NullString
			status     string
			createdAt  int64
			updatedAt  int64
		)
		if err := rows.Scan(&o.MarketplaceOrderID, &supplierID, &status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		o.SupplierOrderID = supplierID.String
		o.Status = Status(status)
		o.CreatedAt = db.FromMillis(createdAt)
		o.UpdatedAt = db.FromMillis(updatedAt)
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// rows must be closed before the single sqlite connection is reused
	rows.Close()

	for _, o := range orders {
		if o.Items, err = r.items(ctx, r.db, o.MarketplaceOrderID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *repository) MarkPolling(ctx context.Context, marketplaceOrderID, supplierOrderID string) error {
	return r.transition(ctx, r.db, marketplaceOrderID, StatusPolling, "supplier_order_id = ?", supplierOrderID)
}

func (r *repository) Fail(ctx context.Context, marketplaceOrderID, message string) error {
	return r.transition(ctx, r.db, marketplaceOrderID, StatusFailed, "error_message = ?", message)
}

// Complete stores the codes of every item and marks the order COMPLETED in one
// transaction. codes is keyed by marketplace product id.
func (r *repository) Complete(ctx context.Context, marketplaceOrderID string, codes map[string][]Key) error {
	return r.withCodes(ctx, marketplaceOrderID, codes, StatusCompleted, "")
}

// FailWithCodes keeps codes that were obtained but could not be delivered.
func (r *repository) FailWithCodes(ctx context.Context, marketplaceOrderID string, codes map[string][]Key, message string) error {
	return r.withCodes(ctx, marketplaceOrderID, codes, StatusFailed, message)
}

func (r *repository) withCodes(ctx context.Context, marketplaceOrderID string, codes map[string][]Key, to Status, message string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for productID, keys := range codes {
		encoded, err := EncodeKeys(keys)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE order_items SET codes = ?
			WHERE marketplace_order_id = ? AND marketplace_product_id = ? AND codes IS NULL
		`, encoded, marketplaceOrderID, productID)
		if err != nil {
			return fmt.Errorf("store codes for %s: %w", productID, err)
		}
	}

	if to == StatusFailed {
		err = r.transition(ctx, tx, marketplaceOrderID, to, "error_message = ?", message)
	} else {
		err = r.transition(ctx, tx, marketplaceOrderID, to, "")
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// transition moves an order to `to` only from a state allowed to reach it.
// Terminal rows never match the WHERE clause and are left untouched.
func (r *repository) transition(ctx context.Context, q DBTX, marketplaceOrderID string, to Status, set string, setArgs ...interface{}) error {
	from := sourcesOf(to)
	if len(from) == 0 {
		return ErrInvalidTransition
	}

	assignments := "status = ?, updated_at = ?"
	if set != "" {
		assignments += ", " + set
	}

	args := []interface{}{string(to), db.NowMillis(r.now())}
	args = append(args, setArgs...)
	args = append(args, marketplaceOrderID)

	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	query := fmt.Sprintf(
		`UPDATE orders SET %s WHERE marketplace_order_id = ? AND status IN (%s)`,
		assignments, strings.Join(placeholders, ", "),
	)

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update order %s to %s: %w", marketplaceOrderID, to, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM orders WHERE marketplace_order_id = ?`, marketplaceOrderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}
