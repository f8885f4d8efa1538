package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"keybridge/internal/auth"
	"keybridge/internal/catalog"
	"keybridge/internal/fulfillment"
	"keybridge/internal/ledger"
	"keybridge/internal/metrics"
	"keybridge/internal/middleware"
	"keybridge/internal/reservation"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ---- Mocks ----

type MockReservations struct {
	mock.Mock
}

func (m *MockReservations) Create(ctx context.Context, items []reservation.RequestItem) (*reservation.Reservation, []reservation.StockSnapshot, error) {
	args := m.Called(ctx, items)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*reservation.Reservation), args.Get(1).([]reservation.StockSnapshot), args.Error(2)
}

func (m *MockReservations) Release(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockFulfillment struct {
	mock.Mock
	metrics metrics.Fulfillment
}

func (m *MockFulfillment) StartFulfillment(ctx context.Context, supplierProductID, marketplaceOrderID string, maxPrice decimal.Decimal) error {
	args := m.Called(ctx, supplierProductID, marketplaceOrderID, maxPrice.String())
	return args.Error(0)
}

func (m *MockFulfillment) ConfirmSale(ctx context.Context, reservationID, marketplaceOrderID string) error {
	args := m.Called(ctx, reservationID, marketplaceOrderID)
	return args.Error(0)
}

func (m *MockFulfillment) GetOrderStatus(ctx context.Context, marketplaceOrderID string) (*ledger.Order, error) {
	args := m.Called(ctx, marketplaceOrderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Order), args.Error(1)
}

func (m *MockFulfillment) Active() int {
	return 2
}

func (m *MockFulfillment) Metrics() *metrics.Fulfillment {
	return &m.metrics
}

// ---- Fixture ----

type testServer struct {
	router       http.Handler
	authn        *auth.Authenticator
	reservations *MockReservations
	fulfillment  *MockFulfillment
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	authn := auth.NewAuthenticator("marketplace", string(hash), "jwt-secret", time.Hour)

	cat, err := catalog.New([]catalog.Mapping{{MarketplaceProductID: "g2a-1", SupplierProductID: "cws-1", OfferID: "offer-1"}})
	require.NoError(t, err)

	ts := &testServer{
		authn:        authn,
		reservations: new(MockReservations),
		fulfillment:  new(MockFulfillment),
	}
	ts.router = NewRouter(&Handler{
		Env:          "test",
		Reservations: ts.reservations,
		Fulfillment:  ts.fulfillment,
		Products:     cat,
		Clients:      authn,
	}, authn, middleware.NewRateLimiter())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	token, _, err := ts.authn.IssueToken("marketplace")
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// ---- Tests ----

func TestIssueToken(t *testing.T) {
	ts := newTestServer(t)

	post := func(form url.Values, basic bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if basic {
			req.SetBasicAuth("marketplace", "s3cret")
		}
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		return w
	}

	t.Run("FormCredentials", func(t *testing.T) {
		w := post(url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"marketplace"},
			"client_secret": {"s3cret"},
		}, false)

		require.Equal(t, http.StatusOK, w.Code)
		var resp tokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "bearer", resp.TokenType)
		assert.Equal(t, int64(3600), resp.ExpiresIn)

		clientID, err := ts.authn.VerifyToken(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "marketplace", clientID)
	})

	t.Run("BasicCredentials", func(t *testing.T) {
		w := post(url.Values{"grant_type": {"client_credentials"}}, true)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		w := post(url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"marketplace"},
			"client_secret": {"nope"},
		}, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("UnsupportedGrant", func(t *testing.T) {
		w := post(url.Values{"grant_type": {"password"}}, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "unsupported_grant_type")
	})
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/reservation"},
		{http.MethodDelete, "/reservation/r-1"},
		{http.MethodPost, "/order"},
		{http.MethodGet, "/order/o-1/inventory"},
		{http.MethodPost, "/webhook/new-order"},
		{http.MethodGet, "/products"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			req := httptest.NewRequest(route.method, route.path, nil)
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestCreateReservation(t *testing.T) {
	items := []reservation.RequestItem{{ProductID: "g2a-1", Quantity: 2}}

	t.Run("Success", func(t *testing.T) {
		ts := newTestServer(t)
		ts.reservations.On("Create", mock.Anything, items).Return(
			&reservation.Reservation{ID: "res-1"},
			[]reservation.StockSnapshot{{ProductID: "g2a-1", InventorySize: 10}},
			nil,
		)

		w := ts.do(t, http.MethodPost, "/reservation", `[{"product_id":"g2a-1","quantity":2}]`)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"reservation_id":"res-1","stock":[{"product_id":"g2a-1","inventory_size":10}]}`, w.Body.String())
	})

	errorCases := []struct {
		name string
		err  error
		code int
	}{
		{"Validation", fmt.Errorf("%w: quantity", reservation.ErrValidation), http.StatusBadRequest},
		{"UnknownProduct", reservation.ErrProductNotFound, http.StatusNotFound},
		{"InsufficientStock", reservation.ErrInsufficientStock, http.StatusConflict},
		{"SupplierDown", reservation.ErrSupplierUnavailable, http.StatusServiceUnavailable},
		{"Unexpected", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.reservations.On("Create", mock.Anything, items).Return(nil, nil, tc.err)

			w := ts.do(t, http.MethodPost, "/reservation", `[{"product_id":"g2a-1","quantity":2}]`)
			assert.Equal(t, tc.code, w.Code)
		})
	}

	t.Run("MalformedBody", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/reservation", `{"product_id":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		ts.reservations.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestDeleteReservation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"Released", nil, http.StatusNoContent},
		{"Unknown", reservation.ErrNotFound, http.StatusNotFound},
		{"NotActive", reservation.ErrInvalidState, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.reservations.On("Release", mock.Anything, "res-1").Return(tc.err)

			w := ts.do(t, http.MethodDelete, "/reservation/res-1", "")
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestConfirmOrder(t *testing.T) {
	body := `{"reservation_id":"res-1","g2a_order_id":"g2a-order-1"}`

	t.Run("Accepted", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("ConfirmSale", mock.Anything, "res-1", "g2a-order-1").Return(nil)

		w := ts.do(t, http.MethodPost, "/order", body)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.JSONEq(t, `{"order_id":"g2a-order-1"}`, w.Body.String())
	})

	t.Run("Expired", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("ConfirmSale", mock.Anything, "res-1", "g2a-order-1").Return(reservation.ErrExpired)

		w := ts.do(t, http.MethodPost, "/order", body)
		assert.Equal(t, http.StatusGone, w.Code)
	})

	t.Run("Missing", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("ConfirmSale", mock.Anything, "res-1", "g2a-order-1").Return(reservation.ErrNotFound)

		w := ts.do(t, http.MethodPost, "/order", body)
		assert.Equal(t, http.StatusGone, w.Code)
	})

	t.Run("Validation", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("ConfirmSale", mock.Anything, "", "").Return(fulfillment.ErrValidation)

		w := ts.do(t, http.MethodPost, "/order", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetInventory(t *testing.T) {
	t.Run("Pending", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("GetOrderStatus", mock.Anything, "g2a-order-1").Return(&ledger.Order{Status: ledger.StatusPolling}, nil)

		w := ts.do(t, http.MethodGet, "/order/g2a-order-1/inventory", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})

	t.Run("Completed", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("GetOrderStatus", mock.Anything, "g2a-order-1").Return(&ledger.Order{
			Status: ledger.StatusCompleted,
			Items: []ledger.Item{{
				MarketplaceProductID: "g2a-1",
				Codes: []ledger.Key{
					ledger.TextKey{ID: "k1", Code: "AAAA"},
					ledger.AccountKey{ID: "k2", Username: "user", Password: "pass"},
				},
			}},
		}, nil)

		w := ts.do(t, http.MethodGet, "/order/g2a-order-1/inventory", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[{
			"product_id": "g2a-1",
			"inventory_size": 2,
			"inventory": [
				{"id": "k1", "kind": "text", "value": "AAAA"},
				{"id": "k2", "kind": "account", "value": "user:pass"}
			]
		}]`, w.Body.String())
	})

	t.Run("Failed", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("GetOrderStatus", mock.Anything, "g2a-order-1").Return(&ledger.Order{
			Status:       ledger.StatusFailed,
			ErrorMessage: "supplier order cws-1 has status 'CANCELLED'",
		}, nil)

		w := ts.do(t, http.MethodGet, "/order/g2a-order-1/inventory", "")

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.JSONEq(t, `{"code":"ORDER_FAILED","message":"supplier order cws-1 has status 'CANCELLED'"}`, w.Body.String())
	})

	t.Run("Unknown", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("GetOrderStatus", mock.Anything, "nope").Return(nil, ledger.ErrOrderNotFound)

		w := ts.do(t, http.MethodGet, "/order/nope/inventory", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestNewOrderWebhook(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("StartFulfillment", mock.Anything, "cws-1", "g2a-order-9", "12.5").Return(nil)

		w := ts.do(t, http.MethodPost, "/webhook/new-order", `{"cws_product_id":"cws-1","g2a_order_id":"g2a-order-9","max_price":12.5}`)

		assert.Equal(t, http.StatusAccepted, w.Code)
		ts.fulfillment.AssertExpectations(t)
	})

	t.Run("UnmappedProduct", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("StartFulfillment", mock.Anything, "cws-x", "g2a-order-9", "12.5").Return(fulfillment.ErrProductNotFound)

		w := ts.do(t, http.MethodPost, "/webhook/new-order", `{"cws_product_id":"cws-x","g2a_order_id":"g2a-order-9","max_price":"12.5"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("InvalidPrice", func(t *testing.T) {
		ts := newTestServer(t)
		ts.fulfillment.On("StartFulfillment", mock.Anything, "cws-1", "g2a-order-9", "0").Return(fulfillment.ErrValidation)

		w := ts.do(t, http.MethodPost, "/webhook/new-order", `{"cws_product_id":"cws-1","g2a_order_id":"g2a-order-9","max_price":0}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestProducts(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/products", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"supplier_product_id":"cws-1"`)

	w = ts.do(t, http.MethodGet, "/products/cws-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/products/cws-404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.fulfillment.metrics.Completed.Inc()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp struct {
		Status       string            `json:"status"`
		Env          string            `json:"env"`
		Active       int               `json:"active_fulfillments"`
		Fulfillments map[string]uint64 `json:"fulfillments"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Env)
	assert.Equal(t, 2, resp.Active)
	assert.Equal(t, uint64(1), resp.Fulfillments["completed"])
}
