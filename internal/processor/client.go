package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the payment processor's REST API. All calls take an
// explicit context and may be scoped to a connected sub-account via
// OnBehalfOf, which routes the request through the processor's multi-tenant
// account header.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

type Config struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

const accountHeader = "Processor-Account"

func NewClient(cfg Config, logger *slog.Logger) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: requestTimeout,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// CallOption adjusts a single API call.
type CallOption func(*callConfig)

type callConfig struct {
	account string
}

// OnBehalfOf scopes the call to a connected sub-account.
func OnBehalfOf(processorAccountID string) CallOption {
	return func(c *callConfig) {
		c.account = processorAccountID
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}, opts ...CallOption) error {
	cfg := callConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if cfg.account != "" {
		req.Header.Set(accountHeader, cfg.account)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("processor request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if unmarshalErr := json.Unmarshal(respBody, &envelope); unmarshalErr == nil && envelope.Error != nil {
			apiErr.Type = envelope.Error.Type
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = string(respBody)
		}
		c.logger.Warn("processor API error",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"code", apiErr.Code)
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// ----------------- customers -----------------

type CustomerParams struct {
	Email    string            `json:"email,omitempty"`
	Name     string            `json:"name,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (c *Client) CreateCustomer(ctx context.Context, params CustomerParams, opts ...CallOption) (*Customer, error) {
	var out Customer
	if err := c.do(ctx, http.MethodPost, "/v1/customers", params, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCustomer(ctx context.Context, id string, opts ...CallOption) (*Customer, error) {
	var out Customer
	if err := c.do(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(id), nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- subscriptions -----------------

type SubscriptionParams struct {
	CustomerID string            `json:"customer,omitempty"`
	PriceID    string            `json:"price,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (c *Client) CreateSubscription(ctx context.Context, params SubscriptionParams, opts ...CallOption) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions", params, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSubscription(ctx context.Context, id string, opts ...CallOption) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id), nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateSubscription(ctx context.Context, id string, params SubscriptionParams, opts ...CallOption) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(id), params, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelSubscription(ctx context.Context, id string, opts ...CallOption) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(id), nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- checkout sessions -----------------

type CheckoutSessionParams struct {
	Mode              string            `json:"mode"`
	SuccessURL        string            `json:"success_url"`
	CancelURL         string            `json:"cancel_url"`
	CustomerID        string            `json:"customer,omitempty"`
	ClientReferenceID string            `json:"client_reference_id,omitempty"`
	PriceID           string            `json:"price,omitempty"`
	AmountCents       int64             `json:"amount,omitempty"`
	Currency          string            `json:"currency,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams, opts ...CallOption) (*CheckoutSession, error) {
	var out CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", params, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCheckoutSession(ctx context.Context, id string, opts ...CallOption) (*CheckoutSession, error) {
	var out CheckoutSession
	if err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCheckoutSessions(ctx context.Context, createdAfter time.Time, limit int, opts ...CallOption) ([]CheckoutSession, error) {
	var out listEnvelope[CheckoutSession]
	path := "/v1/checkout/sessions?" + listQuery(createdAfter, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, opts...); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ----------------- payment intents -----------------

type PaymentIntentParams struct {
	AmountCents int64             `json:"amount"`
	Currency    string            `json:"currency"`
	CustomerID  string            `json:"customer,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (c *Client) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams, opts ...CallOption) (*PaymentIntent, error) {
	var out PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", params, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPaymentIntent(ctx context.Context, id string, opts ...CallOption) (*PaymentIntent, error) {
	var out PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPaymentIntents(ctx context.Context, createdAfter time.Time, limit int, opts ...CallOption) ([]PaymentIntent, error) {
	var out listEnvelope[PaymentIntent]
	path := "/v1/payment_intents?" + listQuery(createdAfter, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, opts...); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ----------------- invoices -----------------

func (c *Client) GetInvoice(ctx context.Context, id string, opts ...CallOption) (*Invoice, error) {
	var out Invoice
	if err := c.do(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(id), nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListInvoices(ctx context.Context, subscriptionID string, limit int, opts ...CallOption) ([]Invoice, error) {
	var out listEnvelope[Invoice]
	q := url.Values{}
	if subscriptionID != "" {
		q.Set("subscription", subscriptionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, http.MethodGet, "/v1/invoices?"+q.Encode(), nil, &out, opts...); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ----------------- prices & products -----------------

type PriceParams struct {
	ProductID       string `json:"product,omitempty"`
	ProductName     string `json:"product_name,omitempty"`
	UnitAmountCents int64  `json:"unit_amount"`
	Currency        string `json:"currency"`
	Interval        string `json:"interval,omitempty"`
	LookupKey       string `json:"lookup_key,omitempty"`
}

func (c *Client) CreatePrice(ctx context.Context, params PriceParams, opts ...CallOption) (*Price, error) {
	var out Price
	if err := c.do(ctx, http.MethodPost, "/v1/prices", params, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPrice(ctx context.Context, id string, opts ...CallOption) (*Price, error) {
	var out Price
	if err := c.do(ctx, http.MethodGet, "/v1/prices/"+url.PathEscape(id), nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateProduct(ctx context.Context, name string, opts ...CallOption) (*Product, error) {
	var out Product
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/v1/products", body, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetProduct(ctx context.Context, id string, opts ...CallOption) (*Product, error) {
	var out Product
	if err := c.do(ctx, http.MethodGet, "/v1/products/"+url.PathEscape(id), nil, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// ----------------- connected accounts -----------------

type AccountParams struct {
	Email    string            `json:"email,omitempty"`
	Country  string            `json:"country,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (c *Client) CreateAccount(ctx context.Context, params AccountParams) (*Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodPost, "/v1/accounts", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAccount(ctx context.Context, id string) (*Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteAccount(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/accounts/"+url.PathEscape(id), nil, nil)
}

type AccountLinkParams struct {
	AccountID  string `json:"account"`
	RefreshURL string `json:"refresh_url"`
	ReturnURL  string `json:"return_url"`
	Type       string `json:"type,omitempty"`
}

func (c *Client) CreateAccountLink(ctx context.Context, params AccountLinkParams) (*AccountLink, error) {
	var out AccountLink
	if err := c.do(ctx, http.MethodPost, "/v1/account_links", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func listQuery(createdAfter time.Time, limit int) string {
	q := url.Values{}
	if !createdAfter.IsZero() {
		q.Set("created[gte]", strconv.FormatInt(createdAfter.Unix(), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q.Encode()
}
