// Package api is the inbound HTTP surface called by the marketplace.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"keybridge/internal/catalog"
	"keybridge/internal/fulfillment"
	"keybridge/internal/ledger"
	"keybridge/internal/logger"
	"keybridge/internal/metrics"
	"keybridge/internal/reservation"
	"keybridge/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Reservations interface {
	Create(ctx context.Context, items []reservation.RequestItem) (*reservation.Reservation, []reservation.StockSnapshot, error)
	Release(ctx context.Context, id string) error
}

type Fulfillment interface {
	StartFulfillment(ctx context.Context, supplierProductID, marketplaceOrderID string, maxPrice decimal.Decimal) error
	ConfirmSale(ctx context.Context, reservationID, marketplaceOrderID string) error
	GetOrderStatus(ctx context.Context, marketplaceOrderID string) (*ledger.Order, error)
	Active() int
	Metrics() *metrics.Fulfillment
}

type Products interface {
	All() []catalog.Mapping
	BySupplierID(id string) (catalog.Mapping, bool)
}

type Clients interface {
	CheckClient(clientID, secret string) error
	IssueToken(clientID string) (string, time.Duration, error)
}

type Handler struct {
	Env          string
	Reservations Reservations
	Fulfillment  Fulfillment
	Products     Products
	Clients      Clients
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// IssueToken implements the client_credentials grant. Credentials are read
// from Basic auth or the form body.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		utils.WriteJSONError(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		utils.WriteJSONError(w, "unsupported_grant_type", http.StatusBadRequest)
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}

	if err := h.Clients.CheckClient(clientID, secret); err != nil {
		logger.FromCtx(r.Context()).Info("token request rejected", zap.String("client_id", clientID))
		utils.WriteJSONError(w, "invalid_client", http.StatusUnauthorized)
		return
	}

	token, ttl, err := h.Clients.IssueToken(clientID)
	if err != nil {
		logger.FromCtx(r.Context()).Error("failed to sign token", zap.Error(err))
		utils.WriteJSONError(w, "server_error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	utils.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(ttl / time.Second),
	})
}

type reservationResponse struct {
	ReservationID string                      `json:"reservation_id"`
	Stock         []reservation.StockSnapshot `json:"stock"`
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var items []reservation.RequestItem
	if err := utils.DecodeJSON(r, &items); err != nil {
		utils.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, stock, err := h.Reservations.Create(r.Context(), items)
	if err != nil {
		writeReservationError(w, r, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, reservationResponse{ReservationID: res.ID, Stock: stock})
}

func (h *Handler) DeleteReservation(w http.ResponseWriter, r *http.Request) {
	if err := h.Reservations.Release(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeReservationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeReservationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, reservation.ErrValidation):
		utils.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reservation.ErrProductNotFound), errors.Is(err, reservation.ErrNotFound):
		utils.WriteJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, reservation.ErrInsufficientStock), errors.Is(err, reservation.ErrInvalidState):
		utils.WriteJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, reservation.ErrSupplierUnavailable):
		utils.WriteJSONError(w, "supplier unavailable", http.StatusServiceUnavailable)
	default:
		logger.FromCtx(r.Context()).Error("reservation request failed", zap.Error(err))
		utils.WriteJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

type confirmRequest struct {
	ReservationID string `json:"reservation_id"`
	OrderID       string `json:"g2a_order_id"`
}

type orderAccepted struct {
	OrderID string `json:"order_id"`
}

func (h *Handler) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.Fulfillment.ConfirmSale(r.Context(), req.ReservationID, req.OrderID)
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusAccepted, orderAccepted{OrderID: strings.TrimSpace(req.OrderID)})
	case errors.Is(err, fulfillment.ErrValidation):
		utils.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reservation.ErrExpired), errors.Is(err, reservation.ErrNotFound):
		utils.WriteJSONError(w, "reservation expired or not found", http.StatusGone)
	default:
		logger.FromCtx(r.Context()).Error("order confirmation failed", zap.Error(err))
		utils.WriteJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

type inventoryKey struct {
	ID    string         `json:"id"`
	Kind  ledger.KeyKind `json:"kind"`
	Value string         `json:"value"`
}

type inventoryItem struct {
	ProductID     string         `json:"product_id"`
	InventorySize int            `json:"inventory_size"`
	Inventory     []inventoryKey `json:"inventory"`
}

type orderFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GetInventory returns the delivered keys of an order. Pending orders have an
// empty inventory.
func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	o, err := h.Fulfillment.GetOrderStatus(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ledger.ErrOrderNotFound) {
		utils.WriteJSONError(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.FromCtx(r.Context()).Error("order lookup failed", zap.Error(err))
		utils.WriteJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch o.Status {
	case ledger.StatusFailed:
		utils.WriteJSON(w, http.StatusConflict, orderFailure{Code: "ORDER_FAILED", Message: o.ErrorMessage})
	case ledger.StatusCompleted:
		items := make([]inventoryItem, 0, len(o.Items))
		for _, it := range o.Items {
			keys := make([]inventoryKey, 0, len(it.Codes))
			for _, k := range it.Codes {
				keys = append(keys, inventoryKey{ID: k.KeyID(), Kind: k.Kind(), Value: k.Value()})
			}
			items = append(items, inventoryItem{ProductID: it.MarketplaceProductID, InventorySize: len(keys), Inventory: keys})
		}
		utils.WriteJSON(w, http.StatusOK, items)
	default:
		utils.WriteJSON(w, http.StatusOK, []inventoryItem{})
	}
}

type newOrderRequest struct {
	SupplierProductID string          `json:"cws_product_id"`
	OrderID           string          `json:"g2a_order_id"`
	MaxPrice          decimal.Decimal `json:"max_price"`
}

// NewOrderWebhook starts a single-item fulfillment and answers before the
// supplier is contacted.
func (h *Handler) NewOrderWebhook(w http.ResponseWriter, r *http.Request) {
	var req newOrderRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := h.Fulfillment.StartFulfillment(r.Context(), req.SupplierProductID, req.OrderID, req.MaxPrice)
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusAccepted, map[string]string{"message": "Order received and is being processed."})
	case errors.Is(err, fulfillment.ErrValidation):
		utils.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, fulfillment.ErrProductNotFound):
		utils.WriteJSONError(w, err.Error(), http.StatusNotFound)
	default:
		logger.FromCtx(r.Context()).Error("new order webhook failed", zap.Error(err))
		utils.WriteJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, h.Products.All())
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	m, ok := h.Products.BySupplierID(chi.URLParam(r, "id"))
	if !ok {
		utils.WriteJSONError(w, "Not found", http.StatusNotFound)
		return
	}
	utils.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "ok",
		"env":                 h.Env,
		"active_fulfillments": h.Fulfillment.Active(),
		"fulfillments":        h.Fulfillment.Metrics().Snapshot(),
	})
}
