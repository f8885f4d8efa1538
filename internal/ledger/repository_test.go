package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"keybridge/internal/db/dbtest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(id string) *Order {
	return &Order{
		MarketplaceOrderID: id,
		Items: []Item{{
			MarketplaceProductID: "g2a-1",
			SupplierProductID:    "cws-1",
			Quantity:             1,
			MaxPrice:             decimal.RequireFromString("9.99"),
		}},
	}
}

func TestRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO orders").
			WithArgs("g2a-100", "PLACING_SUPPLIER_ORDER", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO order_items").
			WithArgs("g2a-100", "g2a-1", "cws-1", 1, "9.99").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		o := newOrder("g2a-100")
		created, err := repo.Create(ctx, o)
		assert.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, StatusPlacing, o.Status)
		assert.False(t, o.CreatedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO orders").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		created, err := repo.Create(ctx, newOrder("g2a-100"))
		assert.NoError(t, err)
		assert.False(t, created)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ItemInsertError", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO orders").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO order_items").
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		created, err := repo.Create(ctx, newOrder("g2a-100"))
		assert.ErrorContains(t, err, "disk full")
		assert.False(t, created)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("EmptyOrder", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err = NewRepository(db).Create(ctx, &Order{MarketplaceOrderID: "x"})
		assert.ErrorIs(t, err, ErrEmptyOrder)
	})
}

func TestRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		now := time.Now().UnixMilli()
		mock.ExpectQuery("SELECT marketplace_order_id, supplier_order_id, status, error_message").
			WithArgs("g2a-1").
			WillReturnRows(sqlmock.NewRows([]string{"marketplace_order_id", "supplier_order_id", "status", "error_message", "created_at", "updated_at"}).
				AddRow("g2a-1", "cws-ord-1", "COMPLETED", nil, now, now))
		mock.ExpectQuery("SELECT marketplace_product_id, supplier_product_id, quantity, max_price, codes").
			WithArgs("g2a-1").
			WillReturnRows(sqlmock.NewRows([]string{"marketplace_product_id", "supplier_product_id", "quantity", "max_price", "codes"}).
				AddRow("g2a-p", "cws-p", 1, "4.20", `[{"kind":"text","id":"c1","code":"AAAA"}]`))

		o, err := NewRepository(db).Get(ctx, "g2a-1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, o.Status)
		assert.Equal(t, "cws-ord-1", o.SupplierOrderID)
		assert.Equal(t, time.UnixMilli(now).UTC(), o.CreatedAt)
		require.Len(t, o.Items, 1)
		assert.Equal(t, []Key{TextKey{ID: "c1", Code: "AAAA"}}, o.Items[0].Codes)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		now := time.Now().UnixMilli()
		mock.ExpectQuery("SELECT marketplace_order_id, supplier_order_id, status, error_message").
			WithArgs("g2a-2").
			WillReturnRows(sqlmock.NewRows([]string{"marketplace_order_id", "supplier_order_id", "status", "error_message", "created_at", "updated_at"}).
				AddRow("g2a-2", nil, "SHIPPED", nil, now, now))

		_, err = NewRepository(db).Get(ctx, "g2a-2")
		assert.ErrorIs(t, err, ErrUnknownStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT marketplace_order_id").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"marketplace_order_id"}))

		_, err = NewRepository(db).Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestRepository_MarkPolling(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("UPDATE orders SET status").
			WithArgs("POLLING_SUPPLIER", sqlmock.AnyArg(), "cws-ord-1", "g2a-1", "PLACING_SUPPLIER_ORDER").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, NewRepository(db).MarkPolling(ctx, "g2a-1", "cws-ord-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("TerminalRowUntouched", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("UPDATE orders SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM orders").
			WithArgs("g2a-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

		err = NewRepository(db).MarkPolling(ctx, "g2a-1", "cws-ord-1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("NotFound", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("UPDATE orders SET status").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM orders").
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		err = NewRepository(db).MarkPolling(ctx, "g2a-1", "cws-ord-1")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("DBError", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("UPDATE orders SET status").
			WillReturnError(errors.New("database is locked"))

		err = NewRepository(db).MarkPolling(ctx, "g2a-1", "cws-ord-1")
		assert.ErrorContains(t, err, "database is locked")
	})
}

func TestRepository_Fail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("FAILED", sqlmock.AnyArg(), "boom", "g2a-1", "PLACING_SUPPLIER_ORDER", "POLLING_SUPPLIER").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, NewRepository(db).Fail(context.Background(), "g2a-1", "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Complete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE order_items SET codes").
		WithArgs(`[{"kind":"text","id":"c1","code":"AAAA"}]`, "g2a-1", "g2a-p").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("COMPLETED", sqlmock.AnyArg(), "g2a-1", "POLLING_SUPPLIER").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewRepository(db).Complete(context.Background(), "g2a-1", map[string][]Key{
		"g2a-p": {TextKey{ID: "c1", Code: "AAAA"}},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Full lifecycle against a real database.
func TestRepository_SQLite(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	created, err := repo.Create(ctx, newOrder("g2a-A"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = repo.Create(ctx, newOrder("g2a-A"))
	require.NoError(t, err)
	assert.False(t, created, "second insert for the same marketplace id must be a no-op")

	// PLACING cannot jump straight to COMPLETED
	err = repo.Complete(ctx, "g2a-A", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	pending, err := repo.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Resumable())

	require.NoError(t, repo.MarkPolling(ctx, "g2a-A", "cws-ord-A"))

	pending, err = repo.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Resumable())
	assert.Len(t, pending[0].Items, 1)

	keys := []Key{
		TextKey{ID: "1", Code: "AAAA-BBBB"},
		AccountKey{ID: "2", Username: "u", Password: "p"},
		FileKey{ID: "3", Filename: "key.png", URL: "https://cdn/key.png"},
	}
	require.NoError(t, repo.Complete(ctx, "g2a-A", map[string][]Key{"g2a-1": keys}))

	o, err := repo.Get(ctx, "g2a-A")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Equal(t, keys, o.Items[0].Codes)

	// terminal states never change
	assert.ErrorIs(t, repo.Fail(ctx, "g2a-A", "late"), ErrInvalidTransition)
	o, err = repo.Get(ctx, "g2a-A")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Empty(t, o.ErrorMessage)

	pending, err = repo.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	exists, err := repo.Exists(ctx, "g2a-A")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.ErrorIs(t, repo.Fail(ctx, "nope", "x"), ErrOrderNotFound)
}

func TestRepository_ExistsTx_SQLite(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	exists, err := repo.ExistsTx(ctx, tx, "g2a-T")
	require.NoError(t, err)
	assert.False(t, exists)

	created, err := repo.CreateTx(ctx, tx, newOrder("g2a-T"))
	require.NoError(t, err)
	require.True(t, created)

	// visible inside the transaction before commit
	exists, err = repo.ExistsTx(ctx, tx, "g2a-T")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRepository_FailWithCodes_SQLite(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	_, err := repo.Create(ctx, newOrder("g2a-B"))
	require.NoError(t, err)
	require.NoError(t, repo.MarkPolling(ctx, "g2a-B", "cws-ord-B"))

	err = repo.FailWithCodes(ctx, "g2a-B", map[string][]Key{"g2a-1": {TextKey{Code: "K"}}}, "key delivery failed: 500")
	require.NoError(t, err)

	o, err := repo.Get(ctx, "g2a-B")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, "key delivery failed: 500", o.ErrorMessage)
	assert.Equal(t, []Key{TextKey{Code: "K"}}, o.Items[0].Codes)
}
