// Package marketplace is the HTTP client for the marketplace seller API: key
// delivery and offer management.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"keybridge/internal/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const offersPageSize = 100

var ErrNoKeys = errors.New("no keys to deliver")

// Error is returned for every failed marketplace call.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("marketplace %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("marketplace %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Offer is one seller offer listed on the marketplace.
type Offer struct {
	ID      string       `json:"id"`
	Product OfferProduct `json:"product"`
}

type OfferProduct struct {
	ID string `json:"id"`
}

// Job statuses reported by the marketplace for asynchronous offer changes.
const (
	JobComplete = "complete"
)

// Job is an asynchronous marketplace operation such as an offer creation.
type Job struct {
	ID       string       `json:"jobId"`
	Status   string       `json:"status"`
	Elements []JobElement `json:"elements"`
}

// JobElement is the outcome for one resource touched by a job. A non-empty
// Code marks a rejected element.
type JobElement struct {
	ResourceID   string `json:"resourceId"`
	ResourceType string `json:"resourceType"`
	Status       string `json:"status"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (j *Job) Done() bool {
	return strings.EqualFold(j.Status, JobComplete)
}

// CreatedOffers returns the ids of the offers the job created.
func (j *Job) CreatedOffers() []string {
	var ids []string
	for _, e := range j.offerElements() {
		if e.Code == "" {
			ids = append(ids, e.ResourceID)
		}
	}
	return ids
}

// Rejected returns the offer elements the marketplace refused.
func (j *Job) Rejected() []JobElement {
	var out []JobElement
	for _, e := range j.offerElements() {
		if e.Code != "" {
			out = append(out, e)
		}
	}
	return out
}

func (j *Job) offerElements() []JobElement {
	if !j.Done() {
		return nil
	}
	var out []JobElement
	for _, e := range j.Elements {
		if e.ResourceType == "offer" && strings.EqualFold(e.Status, JobComplete) {
			out = append(out, e)
		}
	}
	return out
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// DeliverKeys attaches redeemable keys to the offer that was sold.
func (c *Client) DeliverKeys(ctx context.Context, offerID string, keys []string) error {
	if len(keys) == 0 {
		return ErrNoKeys
	}

	log := logger.FromCtx(ctx).With(zap.String("offer_id", offerID), zap.Int("keys", len(keys)))

	body := map[string]interface{}{"keys": keys}
	if err := c.do(ctx, "deliver keys", http.MethodPost, "/user/offers/"+url.PathEscape(offerID)+"/keys", nil, body, nil); err != nil {
		log.Error("key delivery failed", zap.Error(err))
		return err
	}

	log.Info("keys delivered")
	return nil
}

// UpdateOffer sets the retail price and stock of a dropshipping offer.
func (c *Client) UpdateOffer(ctx context.Context, offerID string, price decimal.Decimal, quantity int) error {
	body := map[string]interface{}{
		"offerType": "dropshipping",
		"variant": map[string]interface{}{
			"inventory": map[string]interface{}{"size": quantity},
			"price":     map[string]interface{}{"retail": price.StringFixed(2)},
		},
	}

	if err := c.do(ctx, "update offer", http.MethodPatch, "/v3/sales/offers/"+url.PathEscape(offerID), nil, body, nil); err != nil {
		return err
	}

	logger.FromCtx(ctx).Info("offer updated",
		zap.String("offer_id", offerID),
		zap.String("price", price.StringFixed(2)),
		zap.Int("quantity", quantity),
	)
	return nil
}

func (c *Client) DeactivateOffer(ctx context.Context, offerID string) error {
	body := map[string]interface{}{
		"offerType": "dropshipping",
		"variant":   map[string]interface{}{"active": false},
	}

	if err := c.do(ctx, "deactivate offer", http.MethodPatch, "/v3/sales/offers/"+url.PathEscape(offerID), nil, body, nil); err != nil {
		return err
	}

	logger.FromCtx(ctx).Info("offer deactivated", zap.String("offer_id", offerID))
	return nil
}

// CreateOffer submits a new active dropshipping offer for productID and
// returns the id of the job that creates it.
func (c *Client) CreateOffer(ctx context.Context, productID string, price decimal.Decimal, quantity int) (string, error) {
	body := map[string]interface{}{
		"offerType": "dropshipping",
		"variants": []map[string]interface{}{{
			"productId": productID,
			"active":    true,
			"inventory": map[string]interface{}{"size": quantity},
			"price":     map[string]interface{}{"retail": price.StringFixed(2)},
		}},
	}

	var resp struct {
		Data Job `json:"data"`
	}
	if err := c.do(ctx, "create offer", http.MethodPost, "/v3/sales/offers", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", &Error{Op: "create offer", Err: errors.New("response has no job id")}
	}

	logger.FromCtx(ctx).Info("offer creation submitted",
		zap.String("product_id", productID),
		zap.String("job_id", resp.Data.ID),
		zap.String("price", price.StringFixed(2)),
		zap.Int("quantity", quantity),
	)
	return resp.Data.ID, nil
}

// JobStatus fetches the current state of an asynchronous job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*Job, error) {
	var resp struct {
		Data Job `json:"data"`
	}
	if err := c.do(ctx, "job status", http.MethodGet, "/v3/jobs/"+url.PathEscape(jobID), nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		resp.Data.ID = jobID
	}
	return &resp.Data, nil
}

// ListOffers fetches every offer of the seller account, page by page.
func (c *Client) ListOffers(ctx context.Context) ([]Offer, error) {
	var all []Offer

	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("itemsPerPage", strconv.Itoa(offersPageSize))

		var resp struct {
			Data []Offer `json:"data"`
			Meta *struct {
				ItemsPerPage int `json:"itemsPerPage"`
				TotalResults int `json:"totalResults"`
			} `json:"meta"`
		}
		if err := c.do(ctx, "list offers", http.MethodGet, "/v3/sales/offers", query, nil, &resp); err != nil {
			logger.FromCtx(ctx).Error("listing offers failed", zap.Int("page", page), zap.Error(err))
			return nil, err
		}

		all = append(all, resp.Data...)

		meta := resp.Meta
		if meta == nil || meta.ItemsPerPage <= 0 || len(resp.Data) < meta.ItemsPerPage || page*meta.ItemsPerPage >= meta.TotalResults {
			break
		}
	}

	return all, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		body = bytes.NewReader(raw)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Op: op, Err: fmt.Errorf("failed to parse response: %w", err)}
		}
	}
	return nil
}
