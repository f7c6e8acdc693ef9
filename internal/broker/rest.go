package broker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// APIError is returned for any non-2xx broker response, preserving
// the status code and a capped body for diagnostics.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error: status=%d body=%s", e.Status, e.Body)
}

// RateLimits configures the token-bucket limiter per endpoint family.
type RateLimits struct {
	Burst        int
	RefillPerSec float64
}

// DefaultRateLimits: burst 30, refill 30/s.
var DefaultRateLimits = RateLimits{Burst: 30, RefillPerSec: 30}

// tokenBucket is a minimal burst-and-refill limiter protecting the
// REST client from exceeding the broker's published rate.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	refill   float64
	last     time.Time
}

func newTokenBucket(rl RateLimits) *tokenBucket {
	return &tokenBucket{tokens: float64(rl.Burst), capacity: float64(rl.Burst), refill: rl.RefillPerSec, last: time.Now()}
}

func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Client is the TopStepX REST client. Constructor variants layer on
// NewClientWithBaseURLAndHTTPClient, the true base constructor.
type Client struct {
	baseURL    string
	username   string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
	limiter    *tokenBucket

	tokenMu       sync.Mutex
	sessionToken  string
	tokenIssued   time.Time
	tokenLifetime time.Duration
}

// NewClient builds a Client against the live/paper base URL with
// default rate limits and a 10s HTTP timeout.
func NewClient(baseURL, username, apiKey string) *Client {
	return NewClientWithBaseURLAndHTTPClient(baseURL, username, apiKey, DefaultRateLimits, &http.Client{Timeout: 10 * time.Second})
}

// NewClientWithRateLimits overrides the default token bucket.
func NewClientWithRateLimits(baseURL, username, apiKey string, rl RateLimits) *Client {
	return NewClientWithBaseURLAndHTTPClient(baseURL, username, apiKey, rl, &http.Client{Timeout: 10 * time.Second})
}

// NewClientWithHTTPClient overrides the transport, useful for tests.
func NewClientWithHTTPClient(baseURL, username, apiKey string, hc *http.Client) *Client {
	return NewClientWithBaseURLAndHTTPClient(baseURL, username, apiKey, DefaultRateLimits, hc)
}

// NewClientWithBaseURLAndHTTPClient is the base constructor every
// other variant delegates to.
func NewClientWithBaseURLAndHTTPClient(baseURL, username, apiKey string, rl RateLimits, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:       baseURL,
		username:      username,
		apiKey:        apiKey,
		httpClient:    hc,
		logger:        log.New(os.Stderr, "broker: ", log.LstdFlags),
		limiter:       newTokenBucket(rl),
		tokenLifetime: 23 * time.Hour, // broker-documented session lifetime
	}
}

var _ Broker = (*Client)(nil)

// Authenticate exchanges username+API key for a session token. A
// process-wide mutex serializes concurrent refreshes; callers that
// arrive while a refresh is in flight simply wait on the same lock
// rather than issuing duplicate auth calls.
func (c *Client) Authenticate(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"userName": c.username, "apiKey": c.apiKey})
	if err != nil {
		return models.NewTradeError(models.ErrInternal, "marshal auth request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/Auth/loginKey", bytes.NewReader(body))
	if err != nil {
		return models.NewTradeError(models.ErrInternal, "build auth request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NewTradeError(models.ErrTransient, "auth transport error", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return models.NewTradeError(models.ErrAuthExpired, "authentication failed", &APIError{Status: resp.StatusCode, Body: string(data)})
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return models.NewTradeError(models.ErrInternal, "parse auth response", err)
	}
	c.sessionToken = parsed.Token
	c.tokenIssued = time.Now()
	return nil
}

// ensureToken refreshes proactively at >=80% of the known lifetime,
// and reactively whenever the caller observed a 401.
func (c *Client) ensureToken(ctx context.Context, force bool) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if !force && c.sessionToken != "" && time.Since(c.tokenIssued) < (c.tokenLifetime*8/10) {
		return nil
	}
	return c.authenticateLocked(ctx)
}

// makeRequest is the shared HTTP execution path: rate limiting, auth
// header injection, a single reactive re-auth on 401, and bounded
// error-body capture.
func (c *Client) makeRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if !c.limiter.Allow() {
		return models.NewTradeError(models.ErrRateLimited, "broker rate limit exceeded", nil)
	}
	if err := c.ensureToken(ctx, false); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return models.NewTradeError(models.ErrInternal, "marshal request", err)
		}
		reader = bytes.NewReader(b)
	}

	doOnce := func() (*http.Response, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, nil, models.NewTradeError(models.ErrInternal, "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.tokenMu.Lock()
		req.Header.Set("Authorization", "Bearer "+c.sessionToken)
		c.tokenMu.Unlock()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, models.NewTradeError(models.ErrTransient, "transport error", err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return resp, data, nil
	}

	resp, data, err := doOnce()
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if rerr := c.ensureToken(ctx, true); rerr != nil {
			return rerr
		}
		resp, data, err = doOnce()
		if err != nil {
			return err
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(data) > 0 {
			if uerr := json.Unmarshal(data, out); uerr != nil {
				return models.NewTradeError(models.ErrInternal, "decode response", uerr)
			}
		}
		return nil
	case resp.StatusCode >= 500:
		return models.NewTradeError(models.ErrTransient, "broker server error", &APIError{Status: resp.StatusCode, Body: string(data)})
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.NewTradeError(models.ErrRateLimited, "broker rate limited", &APIError{Status: resp.StatusCode, Body: string(data)})
	case resp.StatusCode == http.StatusConflict:
		return models.NewTradeError(models.ErrStateConflict, "broker state conflict", &APIError{Status: resp.StatusCode, Body: string(data)})
	default:
		return models.NewTradeError(models.ErrBrokerRejected, "broker rejected request", &APIError{Status: resp.StatusCode, Body: string(data)})
	}
}

func (c *Client) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var out struct {
		Accounts []models.Account `json:"accounts"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/api/Account/search", map[string]bool{"onlyActiveAccounts": true}, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

func (c *Client) GetContract(ctx context.Context, symbol string) (models.Contract, error) {
	var out struct {
		Contract models.Contract `json:"contract"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/api/Contract/find?symbol="+symbol, nil, &out); err != nil {
		return models.Contract{}, err
	}
	return out.Contract, nil
}

func (c *Client) ListContracts(ctx context.Context) ([]models.Contract, error) {
	var out struct {
		Contracts []models.Contract `json:"contracts"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/api/Contract/search", nil, &out); err != nil {
		return nil, err
	}
	return out.Contracts, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (models.Order, error) {
	if req.Quantity <= 0 {
		return models.Order{}, models.NewTradeError(models.ErrInvalidInput, "quantity must be positive", nil)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = newIdempotencyKey()
	}
	var out struct {
		Order models.Order `json:"order"`
	}
	if err := c.makeRequest(ctx, http.MethodPost, "/api/Order/place", req, &out); err != nil {
		return models.Order{}, err
	}
	return out.Order, nil
}

func (c *Client) ModifyOrder(ctx context.Context, id string, patch OrderPatch) (models.Order, error) {
	var out struct {
		Order models.Order `json:"order"`
	}
	if err := c.makeRequest(ctx, http.MethodPost, "/api/Order/modify", struct {
		ID    string     `json:"orderId"`
		Patch OrderPatch `json:"patch"`
	}{id, patch}, &out); err != nil {
		return models.Order{}, err
	}
	return out.Order, nil
}

func (c *Client) CancelOrder(ctx context.Context, id string) error {
	return c.makeRequest(ctx, http.MethodPost, "/api/Order/cancel", map[string]string{"orderId": id}, nil)
}

func (c *Client) CancelAllForAccount(ctx context.Context, accountID string) error {
	return c.makeRequest(ctx, http.MethodPost, "/api/Order/cancelAll", map[string]string{"accountId": accountID}, nil)
}

func (c *Client) GetPositions(ctx context.Context, accountID string) ([]models.Position, error) {
	var out struct {
		Positions []models.Position `json:"positions"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/api/Position/search?accountId="+accountID, nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

func (c *Client) GetOrders(ctx context.Context, accountID string) ([]models.Order, error) {
	var out struct {
		Orders []models.Order `json:"orders"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/api/Order/search?accountId="+accountID, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, id string) (models.Order, error) {
	var out struct {
		Order models.Order `json:"order"`
	}
	if err := c.makeRequest(ctx, http.MethodGet, "/api/Order/find?orderId="+id, nil, &out); err != nil {
		return models.Order{}, err
	}
	return out.Order, nil
}

func (c *Client) FlattenSymbol(ctx context.Context, accountID, symbol string) error {
	return c.makeRequest(ctx, http.MethodPost, "/api/Position/closeContract", map[string]string{"accountId": accountID, "symbol": symbol}, nil)
}

func (c *Client) GetHistoricalBars(ctx context.Context, symbol string, tf models.Timeframe, rng HistoricalRange) ([]models.Bar, error) {
	var out struct {
		Bars []models.Bar `json:"bars"`
	}
	q := fmt.Sprintf("/api/History/retrieveBars?symbol=%s&unit=%s&unitNumber=%d&startTime=%s&endTime=%s&limit=%s",
		symbol, tf.Unit, tf.Value, rng.Start.UTC().Format(time.RFC3339), rng.End.UTC().Format(time.RFC3339), strconv.Itoa(rng.Limit))
	if err := c.makeRequest(ctx, http.MethodGet, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Bars, nil
}

func newIdempotencyKey() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return fmt.Sprintf("idem-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("idem-%d-%d", time.Now().UnixNano(), n.Int64())
}
