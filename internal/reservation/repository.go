package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"keybridge/internal/db"

	"github.com/shopspring/decimal"
)

type Repository interface {
	Insert(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (*Reservation, error)
	// ConsumeTx deletes the reservation inside tx and returns its items. An
	// expired reservation is deleted as well and ErrExpired is returned; the
	// caller decides whether to commit that delete.
	ConsumeTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) ([]Item, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Insert(ctx context.Context, res *Reservation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (id, status, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, res.ID, res.Status, db.NowMillis(res.CreatedAt), db.NowMillis(res.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}

	for _, it := range res.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservation_items (reservation_id, product_id, supplier_product_id, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?)
		`, res.ID, it.ProductID, it.SupplierProductID, it.Quantity, it.UnitPrice.String())
		if err != nil {
			return fmt.Errorf("insert reservation item %s: %w", it.ProductID, err)
		}
	}

	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *repository) Get(ctx context.Context, id string) (*Reservation, error) {
	return get(ctx, r.db, id)
}

func get(ctx context.Context, q queryer, id string) (*Reservation, error) {
	var (
		res       Reservation
		createdAt int64
		expiresAt int64
	)

	err := q.QueryRowContext(ctx, `
		SELECT id, status, created_at, expires_at FROM reservations WHERE id = ?
	`, id).Scan(&res.ID, &res.Status, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res.CreatedAt = db.FromMillis(createdAt)
	res.ExpiresAt = db.FromMillis(expiresAt)

	rows, err := q.QueryContext(ctx, `
		SELECT product_id, supplier_product_id, quantity, unit_price
		FROM reservation_items WHERE reservation_id = ?
		ORDER BY product_id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it    Item
			price string
		)
		if err := rows.Scan(&it.ProductID, &it.SupplierProductID, &it.Quantity, &price); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("reservation item %s unit_price: %w", it.ProductID, err)
		}
		res.Items = append(res.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &res, nil
}

func (r *repository) ConsumeTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) ([]Item, error) {
	res, err := get(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reservation_items WHERE reservation_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete reservation items: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	// a concurrent sweep or consume got there first
	if affected == 0 {
		return nil, ErrNotFound
	}

	if res.Expired(now) {
		return nil, ErrExpired
	}
	return res.Items, nil
}

func (r *repository) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reservation_items WHERE reservation_id = ?`, id); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := db.NowMillis(now)

	_, err = tx.ExecContext(ctx, `
		DELETE FROM reservation_items
		WHERE reservation_id IN (SELECT id FROM reservations WHERE expires_at < ?)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired reservation items: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired reservations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return affected, nil
}
