package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/roach88/subsync/internal/metrics"
	"github.com/roach88/subsync/internal/model"
)

// Defaults for the REST transport.
const (
	DefaultVersion = "v1"
	DefaultTimeout = 20 * time.Second
	maxRedirects   = 5
)

// Client executes versioned backend requests.
type Client struct {
	http    *resty.Client
	version string
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithVersion sets the path version prefix (default "v1").
func WithVersion(v string) Option {
	return func(c *Client) {
		c.version = strings.Trim(v, "/")
	}
}

// WithTimeout sets the per-request timeout (default 20s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a Client for baseURL authenticated with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	h := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(DefaultTimeout).
		SetQueryParam("api_key", apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects))

	c := &Client{http: h, version: DefaultVersion}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope[T any] struct {
	Data struct {
		Results T `json:"results"`
	} `json:"data"`
}

// call executes one request and decodes the results payload into T.
func call[T any](ctx context.Context, c *Client, op, method, path string, body any) (T, error) {
	var zero T

	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	started := time.Now()
	resp, err := req.Execute(method, "/"+c.version+path)
	if err != nil {
		c.metrics.ObserveRequest(op, "transport_error")
		slog.Debug("request failed", "op", op, "error", err, "elapsed", time.Since(started))
		return zero, &Error{Op: op, Err: err}
	}

	if resp.IsError() {
		var eb errorBody
		_ = json.Unmarshal(resp.Body(), &eb)
		c.metrics.ObserveRequest(op, fmt.Sprintf("%dxx", resp.StatusCode()/100))
		slog.Debug("request rejected", "op", op, "status", resp.StatusCode())
		return zero, &Error{Op: op, StatusCode: resp.StatusCode(), Message: eb.message()}
	}

	c.metrics.ObserveRequest(op, "ok")

	if len(resp.Body()) == 0 {
		return zero, nil
	}
	var env envelope[T]
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return zero, &Error{Op: op, StatusCode: resp.StatusCode(), Message: "malformed response", Err: err}
	}
	return env.Data.Results, nil
}

// RegisterCustomer calls POST /customers.
func (c *Client) RegisterCustomer(ctx context.Context, req CustomerRequest) (*CustomerResult, error) {
	res, err := call[*CustomerResult](ctx, c, "customers", http.MethodPost, "/customers", req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &Error{Op: "customers", StatusCode: http.StatusOK, Message: "empty customer payload"}
	}
	return res, nil
}

// FetchProductGroups calls GET /products.
func (c *Client) FetchProductGroups(ctx context.Context) (model.ProductGroupMap, error) {
	entries, err := call[[]ProductGroupEntry](ctx, c, "products", http.MethodGet, "/products", nil)
	if err != nil {
		return nil, err
	}
	groups := make(model.ProductGroupMap, len(entries))
	for _, e := range entries {
		if e.ProductID != "" {
			groups[e.ProductID] = e.GroupID
		}
	}
	return groups, nil
}

// SubmitProducts calls PUT /products.
func (c *Client) SubmitProducts(ctx context.Context, req ProductsRequest) error {
	_, err := call[json.RawMessage](ctx, c, "submit_products", http.MethodPut, "/products", req)
	return err
}

// SubmitReceipt calls POST /subscriptions.
func (c *Client) SubmitReceipt(ctx context.Context, req ReceiptRequest) (*CustomerResult, error) {
	res, err := call[*CustomerResult](ctx, c, "subscriptions", http.MethodPost, "/subscriptions", req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &Error{Op: "subscriptions", StatusCode: http.StatusOK, Message: "empty customer payload"}
	}
	return res, nil
}

// SignOffer calls POST /sign_offer.
func (c *Client) SignOffer(ctx context.Context, req SignOfferRequest) (OfferSignature, error) {
	return call[OfferSignature](ctx, c, "sign_offer", http.MethodPost, "/sign_offer", req)
}

// SubmitAttribution calls POST /customers/attribution.
func (c *Client) SubmitAttribution(ctx context.Context, req AttributionRequest) error {
	_, err := call[json.RawMessage](ctx, c, "attribution", http.MethodPost, "/customers/attribution", req.body())
	return err
}

// SendEvent calls POST /events. Telemetry only.
func (c *Client) SendEvent(ctx context.Context, ev Event) error {
	_, err := call[json.RawMessage](ctx, c, "events", http.MethodPost, "/events", ev)
	return err
}
