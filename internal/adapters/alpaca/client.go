// Package alpaca is the brokered execution backend. It speaks the Alpaca
// trading REST API and translates broker orders and fills into ledger actions.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"execledger/internal/domain"
	"execledger/internal/ports"
)

// Default broker endpoints.
const (
	PaperURL = "https://paper-api.alpaca.markets"
	LiveURL  = "https://api.alpaca.markets"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL    string
	KeyID      string
	SecretKey  string
	HTTPClient *http.Client // Optional; its Timeout bounds a single attempt
	MaxRetries int          // Retries after the first attempt, default 4
	RetryMin   time.Duration
	RetryMax   time.Duration
	Logger     ports.Logger
}

// Client is a minimal Alpaca trading API client with bounded retries.
type Client struct {
	host       string
	keyID      string
	secretKey  string
	httpClient *http.Client
	maxRetries int
	retryMin   time.Duration
	retryMax   time.Duration
	logger     ports.Logger
}

// APIError is a non-2xx broker answer.
type APIError struct {
	Status  int
	Code    int
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("broker API error (%d): %s", e.Status, e.Body)
}

// NewClient creates a broker client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.KeyID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("broker credentials are required: %w", ports.ErrConfiguration)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("broker client requires a logger: %w", ports.ErrConfiguration)
	}
	host := strings.TrimRight(cfg.BaseURL, "/")
	if host == "" {
		host = PaperURL
	}
	c := &Client{
		host:       host,
		keyID:      cfg.KeyID,
		secretKey:  cfg.SecretKey,
		httpClient: cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		retryMin:   cfg.RetryMin,
		retryMax:   cfg.RetryMax,
		logger:     cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	} else if c.maxRetries == 0 {
		c.maxRetries = 4
	}
	if c.retryMin <= 0 {
		c.retryMin = 200 * time.Millisecond
	}
	if c.retryMax <= 0 {
		c.retryMax = 5 * time.Second
	}
	return c, nil
}

// retryPolicy decides whether a failed attempt may be repeated. status is 0
// for transport errors.
type retryPolicy func(status int) bool

// idempotentRetry retries transport errors, throttling and server errors.
func idempotentRetry(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// unprocessedRetry only retries answers that guarantee the request was not
// acted on.
func unprocessedRetry(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}, retry retryPolicy) error {
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	b := &backoff.Backoff{Min: c.retryMin, Max: c.retryMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		status, respBody, err := c.attempt(ctx, method, fullURL, payload)
		if err == nil && status >= 200 && status < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
			}
			return nil
		}
		if err == nil {
			apiErr := parseAPIError(status, respBody)
			if !retry(status) {
				return classify(op, apiErr)
			}
			lastErr = apiErr
		} else {
			if ctx.Err() != nil {
				return domain.Transient(op, ctx.Err())
			}
			if !retry(0) {
				return domain.Transient(op, err)
			}
			lastErr = err
		}
		if attempt == c.maxRetries {
			break
		}
		wait := b.Duration()
		c.logger.Warn(ctx, op+": Broker call failed, retrying", map[string]interface{}{
			"method":  method,
			"path":    path,
			"attempt": attempt + 1,
			"wait":    wait.String(),
			"error":   lastErr.Error(),
		})
		select {
		case <-ctx.Done():
			return domain.Transient(op, ctx.Err())
		case <-time.After(wait):
		}
	}
	c.logger.Error(ctx, lastErr, op+": Broker unavailable, retries exhausted", map[string]interface{}{
		"method": method,
		"path":   path,
	})
	return domain.Transient(op, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, fullURL string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Body: string(body)}
	var msg struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &msg) == nil {
		apiErr.Code = msg.Code
		apiErr.Message = msg.Message
	}
	if len(apiErr.Body) > 500 {
		apiErr.Body = apiErr.Body[:500]
	}
	return apiErr
}

// classify maps a non-retried broker answer onto the error taxonomy.
func classify(op string, apiErr *APIError) error {
	reason := apiErr.Message
	if reason == "" {
		reason = http.StatusText(apiErr.Status)
	}
	switch {
	case apiErr.Status == http.StatusNotFound:
		return &domain.Error{Kind: domain.ErrNotFound, Op: op, Reason: reason, Err: apiErr}
	case apiErr.Status >= 400 && apiErr.Status < 500:
		return &domain.Error{Kind: domain.ErrRejected, Op: op, Reason: reason, Err: apiErr}
	default:
		return domain.Transient(op, apiErr)
	}
}

// isDuplicateClientID reports a 422 caused by reusing a client_order_id.
func isDuplicateClientID(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "client_order_id")
}

// CreateOrder places an order. The request carries a deterministic
// client_order_id, so a retry after a lost response cannot double-place it.
func (c *Client) CreateOrder(ctx context.Context, req OrderPayload) (*OrderDTO, error) {
	var out OrderDTO
	if err := c.do(ctx, "submitOrder", http.MethodPost, "/v2/orders", nil, req, &out, idempotentRetry); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches an order by broker id.
func (c *Client) GetOrder(ctx context.Context, id string) (*OrderDTO, error) {
	var out OrderDTO
	query := url.Values{}
	query.Set("nested", "true")
	if err := c.do(ctx, "getOrder", http.MethodGet, "/v2/orders/"+url.PathEscape(id), query, nil, &out, idempotentRetry); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrderByClientID fetches an order by its client_order_id.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*OrderDTO, error) {
	var out OrderDTO
	query := url.Values{}
	query.Set("client_order_id", clientOrderID)
	if err := c.do(ctx, "getOrder", http.MethodGet, "/v2/orders:by_client_order_id", query, nil, &out, idempotentRetry); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOrdersParams narrows ListOrders.
type ListOrdersParams struct {
	Status  string // open, closed, all
	Limit   int
	After   time.Time
	Symbols []string
	Nested  bool
}

// ListOrders lists orders, newest first.
func (c *Client) ListOrders(ctx context.Context, p ListOrdersParams) ([]OrderDTO, error) {
	query := url.Values{}
	if p.Status != "" {
		query.Set("status", p.Status)
	}
	if p.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", p.Limit))
	}
	if !p.After.IsZero() {
		query.Set("after", p.After.UTC().Format(time.RFC3339))
	}
	if len(p.Symbols) > 0 {
		syms := make([]string, len(p.Symbols))
		for i, s := range p.Symbols {
			syms[i] = ToBroker(s)
		}
		query.Set("symbols", strings.Join(syms, ","))
	}
	if p.Nested {
		query.Set("nested", "true")
	}
	var out []OrderDTO
	if err := c.do(ctx, "getOrders", http.MethodGet, "/v2/orders", query, nil, &out, idempotentRetry); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceOrder patches an open order. The broker answers with the replacing
// order, which carries a new id. A patch that may have landed is not repeated
// because the original id is dead once it has.
func (c *Client) ReplaceOrder(ctx context.Context, id string, req ReplacePayload) (*OrderDTO, error) {
	var out OrderDTO
	if err := c.do(ctx, "replaceOrder", http.MethodPatch, "/v2/orders/"+url.PathEscape(id), nil, req, &out, unprocessedRetry); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.do(ctx, "cancelOrder", http.MethodDelete, "/v2/orders/"+url.PathEscape(id), nil, nil, nil, idempotentRetry)
}

// ClosePosition liquidates part or all of a position with a market order.
// Exactly one of percentage and qty should be positive. The call is not
// idempotent, so only answers that guarantee nothing happened are retried.
func (c *Client) ClosePosition(ctx context.Context, symbol string, percentage, qty decimal.Decimal) (*OrderDTO, error) {
	query := url.Values{}
	if percentage.IsPositive() {
		query.Set("percentage", percentage.String())
	} else if qty.IsPositive() {
		query.Set("qty", qty.String())
	}
	var out OrderDTO
	path := "/v2/positions/" + url.PathEscape(ToBroker(symbol))
	if err := c.do(ctx, "closePosition", http.MethodDelete, path, query, nil, &out, unprocessedRetry); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPositions returns every open broker position.
func (c *Client) ListPositions(ctx context.Context) ([]PositionDTO, error) {
	var out []PositionDTO
	if err := c.do(ctx, "getPositions", http.MethodGet, "/v2/positions", nil, nil, &out, idempotentRetry); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPosition returns the open broker position of symbol.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*PositionDTO, error) {
	var out PositionDTO
	path := "/v2/positions/" + url.PathEscape(ToBroker(symbol))
	if err := c.do(ctx, "getPosition", http.MethodGet, path, nil, nil, &out, idempotentRetry); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccount returns the brokerage account.
func (c *Client) GetAccount(ctx context.Context) (*AccountDTO, error) {
	var out AccountDTO
	if err := c.do(ctx, "getAccount", http.MethodGet, "/v2/account", nil, nil, &out, idempotentRetry); err != nil {
		return nil, err
	}
	return &out, nil
}
