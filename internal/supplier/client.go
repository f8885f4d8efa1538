// Package supplier is the HTTP client for the key supplier API: stock
// lookups, order placement and order status.
package supplier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"keybridge/internal/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenSource supplies bearer tokens for outbound calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a supplier client throttled to rps requests per second.
func NewClient(baseURL string, tokens TokenSource, rps float64) *Client {
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

type productPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Prices    []struct {
		Value decimal.Decimal `json:"value"`
	} `json:"prices"`
}

func (p productPayload) toProduct() (Product, bool) {
	if len(p.Prices) == 0 {
		return Product{}, false
	}
	return Product{
		ID:        p.ProductID,
		Name:      p.Name,
		Quantity:  p.Quantity,
		UnitPrice: p.Prices[0].Value,
	}, true
}

// GetProduct returns nil when the supplier does not know the product or has
// no price for it.
func (c *Client) GetProduct(ctx context.Context, productID string) (*Product, error) {
	log := logger.FromCtx(ctx).With(zap.String("supplier_product_id", productID))

	var payload productPayload
	status, err := c.do(ctx, "get product", http.MethodGet, "/v3/products/"+url.PathEscape(productID), nil, nil, &payload)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		log.Error("supplier product lookup failed", zap.Error(err))
		return nil, err
	}

	p, ok := payload.toProduct()
	if !ok {
		log.Warn("supplier product has no price entries")
		return nil, nil
	}
	return &p, nil
}

// GetProducts looks up many products in one request. Products without a price
// are left out of the result.
func (c *Client) GetProducts(ctx context.Context, productIDs []string) (map[string]Product, error) {
	out := make(map[string]Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	query := url.Values{}
	query.Set("productIds", strings.Join(productIDs, ","))

	var payload struct {
		Items []productPayload `json:"items"`
	}
	if _, err := c.do(ctx, "get products", http.MethodGet, "/v3/products", query, nil, &payload); err != nil {
		logger.FromCtx(ctx).Error("supplier batch lookup failed", zap.Int("count", len(productIDs)), zap.Error(err))
		return nil, err
	}

	for _, item := range payload.Items {
		if p, ok := item.toProduct(); ok {
			out[p.ID] = p
		}
	}
	return out, nil
}

type placeOrderRequest struct {
	AllowPreOrder bool                    `json:"allowPreOrder"`
	OrderID       string                  `json:"orderId"`
	Products      []placeOrderRequestLine `json:"products"`
}

type placeOrderRequestLine struct {
	ProductID string      `json:"productId"`
	Price     json.Number `json:"price"`
	Quantity  int         `json:"quantity"`
}

// PlaceOrder buys lines from the supplier. clientOrderID is echoed back by the
// supplier and lets an operator correlate both sides.
func (c *Client) PlaceOrder(ctx context.Context, lines []OrderLine, clientOrderID string) (*Order, error) {
	log := logger.FromCtx(ctx).With(zap.String("client_order_id", clientOrderID))

	req := placeOrderRequest{
		AllowPreOrder: true,
		OrderID:       clientOrderID,
		Products:      make([]placeOrderRequestLine, 0, len(lines)),
	}
	for _, l := range lines {
		req.Products = append(req.Products, placeOrderRequestLine{
			ProductID: l.ProductID,
			Price:     json.Number(l.MaxPrice.String()),
			Quantity:  l.Quantity,
		})
	}

	var order Order
	if _, err := c.do(ctx, "place order", http.MethodPost, "/v3/orders", nil, req, &order); err != nil {
		log.Error("supplier order placement failed", zap.Error(err))
		return nil, err
	}
	if order.OrderID == "" {
		return nil, &Error{Op: "place order", Err: fmt.Errorf("response has no orderId")}
	}

	log.Info("supplier order placed", zap.String("supplier_order_id", order.OrderID), zap.String("status", order.Status))
	return &order, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if _, err := c.do(ctx, "get order", http.MethodGet, "/v3/orders/"+url.PathEscape(orderID), nil, nil, &order); err != nil {
		return nil, err
	}
	if order.OrderID == "" {
		order.OrderID = orderID
	}
	return &order, nil
}

// do performs one authenticated call and decodes a 2xx body into out. The
// HTTP status is returned alongside any error so callers can special-case it.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, &Error{Op: op, Transient: true, Err: err}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, &Error{Op: op, Transient: true, Err: err}
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(raw)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &Error{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &Error{Op: op, Transient: true, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, statusError(op, resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &Error{Op: op, Err: fmt.Errorf("failed to parse response: %w", err)}
		}
	}
	return resp.StatusCode, nil
}
