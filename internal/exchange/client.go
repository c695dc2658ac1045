// Package exchange implements the Exchange Client façade: rate-limited,
// retry-safe REST calls to a single spot exchange, with idempotent order
// placement via client-supplied order ids.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/opensqt/spotagent/internal/logging"
	"github.com/opensqt/spotagent/pkg/retry"
)

// Client is implemented by the concrete REST client, and by mockexchange
// in tests.
type Client interface {
	GetProducts(ctx context.Context) ([]MarketInfo, error)
	GetAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	GetFees(ctx context.Context) (Fees, error)
	PlaceLimitOrder(ctx context.Context, req PlaceLimitOrderRequest) (Order, error)
	PlaceMarketOrder(ctx context.Context, req PlaceMarketOrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
	GetOrderByClientOID(ctx context.Context, clientOID string) (Order, error)
	GetServerTime(ctx context.Context) (time.Time, error)
}

// Config carries the credentials and connection parameters for one
// exchange account. The core targets exactly one exchange per process
// (spec.md §1 Non-goal: "does not target multiple exchanges
// simultaneously in one process").
type Config struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	Passphrase    string
	MaxRetries    int
	ReadBackoff   time.Duration
	WriteBackoff  time.Duration
	PublicRPS     float64
	AuthRPS       float64
	HTTPTimeout   time.Duration
}

// DefaultConfig fills in the rate limits and retry knobs spec.md §4.B
// mandates (public 10/s, authenticated 15/s) when the caller's config
// leaves them zero.
func DefaultConfig(cfg Config) Config {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ReadBackoff == 0 {
		cfg.ReadBackoff = 15 * time.Second
	}
	if cfg.WriteBackoff == 0 {
		cfg.WriteBackoff = 500 * time.Millisecond
	}
	if cfg.PublicRPS == 0 {
		cfg.PublicRPS = 10
	}
	if cfg.AuthRPS == 0 {
		cfg.AuthRPS = 15
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return cfg
}

// RESTClient is the concrete Client implementation. It signs every
// authenticated request the way a Coinbase-Exchange-style API expects
// (the tracker's wire format in internal/tracker mirrors that same
// family of exchange, so the two stay consistent): an HMAC-SHA256
// signature over timestamp+method+path+body, base64-encoded, with the
// result sent via dedicated headers.
type RESTClient struct {
	cfg        Config
	httpClient *http.Client
	logger     logging.Logger

	publicLimiter *rate.Limiter
	authLimiter   *rate.Limiter

	errs *errorRing
}

// NewRESTClient builds a client ready to call a live exchange.
func NewRESTClient(cfg Config, logger logging.Logger) *RESTClient {
	cfg = DefaultConfig(cfg)
	return &RESTClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:        logger.With("component", "exchange_client"),
		publicLimiter: rate.NewLimiter(rate.Limit(cfg.PublicRPS), int(cfg.PublicRPS)+1),
		authLimiter:   rate.NewLimiter(rate.Limit(cfg.AuthRPS), int(cfg.AuthRPS)+1),
		errs:          newErrorRing(1000),
	}
}

// CheckHealth reports an error once the error rate over the trailing
// window suggests persistent failure, per SPEC_FULL's supplemented
// ring-buffer health signal grounded on the teacher's order executor.
func (c *RESTClient) CheckHealth() error {
	if n := c.errs.countSince(time.Now().Add(-5 * time.Minute)); n > 50 {
		return fmt.Errorf("exchange client unhealthy: %d errors in last 5m", n)
	}
	return nil
}

func (c *RESTClient) recordError() { c.errs.record(time.Now()) }

func (c *RESTClient) sign(method, path string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(ts + method + path + string(body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *RESTClient) do(ctx context.Context, method, path string, body []byte, authenticated bool) ([]byte, int, error) {
	limiter := c.publicLimiter
	if authenticated {
		limiter = c.authLimiter
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if authenticated {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("API-KEY", c.cfg.APIKey)
		req.Header.Set("API-PASSPHRASE", c.cfg.Passphrase)
		req.Header.Set("API-TIMESTAMP", ts)
		req.Header.Set("API-SIGN", c.sign(method, path, body, ts))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError()
		return nil, 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordError()
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.recordError()
		return respBody, resp.StatusCode, fmt.Errorf("%w: HTTP %d", ErrInternalServer, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, c.parseClientError(resp.StatusCode, respBody)
	}

	return respBody, resp.StatusCode, nil
}

func (c *RESTClient) parseClientError(status int, body []byte) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = string(body)
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthFailed, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrOrderNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimitExceeded, msg)
	default:
		if reason, ok := wellKnownRejection(msg); ok {
			return &RejectionError{Reason: reason, Message: msg}
		}
		return fmt.Errorf("%w: HTTP %d: %s", ErrOrderRejected, status, msg)
	}
}

// RejectionError wraps a well-known exchange rejection message with a
// normalized reason, so callers can branch on Reason without string
// matching again.
type RejectionError struct {
	Reason  string
	Message string
}

func (e *RejectionError) Error() string { return e.Message }

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return isErr(err, ErrTransport) || isErr(err, ErrInternalServer) || isErr(err, ErrRateLimitExceeded)
}

// isErr is a small errors.Is wrapper kept local to avoid importing
// "errors" in every call site above.
func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newClientOID() string { return uuid.NewString() }

type productDTO struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
	CancelOnly      bool   `json:"cancel_only"`
	PostOnly        bool   `json:"post_only"`
	LimitOnly       bool   `json:"limit_only"`
	BaseMinSize     string `json:"base_min_size"`
	BaseMaxSize     string `json:"base_max_size"`
	BaseIncrement   string `json:"base_increment"`
	QuoteIncrement  string `json:"quote_increment"`
	MinMarketFunds  string `json:"min_market_funds"`
	MaxMarketFunds  string `json:"max_market_funds"`
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GetProducts fetches the product catalog. Reads are retried
// unconditionally with a fixed backoff (spec.md §7).
func (c *RESTClient) GetProducts(ctx context.Context) ([]MarketInfo, error) {
	var products []productDTO
	err := retry.DoForever(ctx, c.cfg.ReadBackoff, isTransient, func() error {
		body, _, err := c.do(ctx, http.MethodGet, "/products", nil, false)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &products)
	})
	if err != nil {
		return nil, err
	}

	out := make([]MarketInfo, 0, len(products))
	for _, p := range products {
		out = append(out, MarketInfo{
			Symbol:          p.ID,
			Status:          p.Status,
			TradingDisabled: p.TradingDisabled,
			CancelOnly:      p.CancelOnly,
			PostOnly:        p.PostOnly,
			LimitOnly:       p.LimitOnly,
			BaseMinSize:     parseDecimal(p.BaseMinSize),
			BaseMaxSize:     parseDecimal(p.BaseMaxSize),
			BaseIncrement:   parseDecimal(p.BaseIncrement),
			QuoteIncrement:  parseDecimal(p.QuoteIncrement),
			MinMarketFunds:  parseDecimal(p.MinMarketFunds),
			MaxMarketFunds:  parseDecimal(p.MaxMarketFunds),
		})
	}
	return out, nil
}

type accountDTO struct {
	ID        string `json:"id"`
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
	Balance   string `json:"balance"`
}

func (a accountDTO) toAccount() Account {
	return Account{
		ID:        a.ID,
		Currency:  a.Currency,
		Available: parseDecimal(a.Available),
		Hold:      parseDecimal(a.Hold),
		Balance:   parseDecimal(a.Balance),
	}
}

func (c *RESTClient) GetAccounts(ctx context.Context) ([]Account, error) {
	var accounts []accountDTO
	err := retry.DoForever(ctx, c.cfg.ReadBackoff, isTransient, func() error {
		body, _, err := c.do(ctx, http.MethodGet, "/accounts", nil, true)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &accounts)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.toAccount())
	}
	return out, nil
}

func (c *RESTClient) GetAccount(ctx context.Context, id string) (Account, error) {
	var dto accountDTO
	err := retry.DoForever(ctx, c.cfg.ReadBackoff, isTransient, func() error {
		body, _, err := c.do(ctx, http.MethodGet, "/accounts/"+url.PathEscape(id), nil, true)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &dto)
	})
	if err != nil {
		return Account{}, err
	}
	return dto.toAccount(), nil
}

func (c *RESTClient) GetFees(ctx context.Context) (Fees, error) {
	var dto struct {
		Maker string `json:"maker_fee_rate"`
		Taker string `json:"taker_fee_rate"`
	}
	err := retry.DoForever(ctx, c.cfg.ReadBackoff, isTransient, func() error {
		body, _, err := c.do(ctx, http.MethodGet, "/fees", nil, true)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &dto)
	})
	if err != nil {
		return Fees{}, err
	}
	return Fees{Maker: parseDecimal(dto.Maker), Taker: parseDecimal(dto.Taker)}, nil
}

func (c *RESTClient) GetServerTime(ctx context.Context) (time.Time, error) {
	var dto struct {
		ISO string `json:"iso"`
	}
	err := retry.DoForever(ctx, c.cfg.ReadBackoff, isTransient, func() error {
		body, _, err := c.do(ctx, http.MethodGet, "/time", nil, false)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &dto)
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, dto.ISO)
}

type orderDTO struct {
	ID            string `json:"id"`
	ClientOID     string `json:"client_oid"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Funds         string `json:"funds"`
	ExecutedValue string `json:"executed_value"`
	FilledSize    string `json:"filled_size"`
	FillFees      string `json:"fill_fees"`
	DoneReason    string `json:"done_reason"`
	CreatedAt     string `json:"created_at"`
}

func (o orderDTO) toOrder() Order {
	created, _ := time.Parse(time.RFC3339, o.CreatedAt)
	return Order{
		ID:            o.ID,
		ClientOID:     o.ClientOID,
		Status:        OrderStatus(o.Status),
		Price:         parseDecimal(o.Price),
		Size:          parseDecimal(o.Size),
		Funds:         parseDecimal(o.Funds),
		ExecutedValue: parseDecimal(o.ExecutedValue),
		FilledSize:    parseDecimal(o.FilledSize),
		FillFees:      parseDecimal(o.FillFees),
		DoneReason:    o.DoneReason,
		CreatedAt:     created,
	}
}

func (c *RESTClient) GetOrderByClientOID(ctx context.Context, clientOID string) (Order, error) {
	var dto orderDTO
	body, _, err := c.do(ctx, http.MethodGet, "/orders/client:"+url.PathEscape(clientOID), nil, true)
	if err != nil {
		return Order{}, err
	}
	if err := json.Unmarshal(body, &dto); err != nil {
		return Order{}, err
	}
	return dto.toOrder(), nil
}

// placeWithIdempotentRetry is the shared idempotent-placement discipline
// spec.md §4.B and §9 mandate: every attempt reuses the same client-oid;
// on transport/5xx failure, look the order up by that id before retrying
// — if the prior attempt actually landed, its order record is returned
// instead of submitting a duplicate.
func (c *RESTClient) placeWithIdempotentRetry(ctx context.Context, clientOID string, place func() (Order, error)) (Order, error) {
	var lastErr error
	backoff := c.cfg.WriteBackoff

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		order, err := place()
		if err == nil {
			return order, nil
		}
		lastErr = err

		if _, ok := wellKnownRejection(err.Error()); ok {
			return Order{}, err
		}
		if !isTransient(err) {
			return Order{}, err
		}

		if existing, lookupErr := c.GetOrderByClientOID(ctx, clientOID); lookupErr == nil {
			c.logger.Info("recovered order via client-oid lookup after transient failure", "client_oid", clientOID, "order_id", existing.ID)
			return existing, nil
		}

		if attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return Order{}, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return Order{}, fmt.Errorf("%w (client_oid=%s): %v", ErrTransport, clientOID, lastErr)
}

func (c *RESTClient) PlaceLimitOrder(ctx context.Context, req PlaceLimitOrderRequest) (Order, error) {
	if req.ClientOID == "" {
		req.ClientOID = newClientOID()
	}
	payload := map[string]interface{}{
		"type":        "limit",
		"side":        req.Side,
		"product_id":  req.Market,
		"price":       req.Price.String(),
		"size":        req.Size.String(),
		"time_in_force": req.TimeInForce,
		"post_only":   req.PostOnly,
		"stp":         req.STP,
		"client_oid":  req.ClientOID,
	}
	body, _ := json.Marshal(payload)

	return c.placeWithIdempotentRetry(ctx, req.ClientOID, func() (Order, error) {
		respBody, _, err := c.do(ctx, http.MethodPost, "/orders", body, true)
		if err != nil {
			return Order{}, err
		}
		var dto orderDTO
		if err := json.Unmarshal(respBody, &dto); err != nil {
			return Order{}, err
		}
		return dto.toOrder(), nil
	})
}

func (c *RESTClient) PlaceMarketOrder(ctx context.Context, req PlaceMarketOrderRequest) (Order, error) {
	if req.ClientOID == "" {
		req.ClientOID = newClientOID()
	}
	payload := map[string]interface{}{
		"type":       "market",
		"side":       req.Side,
		"product_id": req.Market,
		"stp":        req.STP,
		"client_oid": req.ClientOID,
	}
	if !req.Size.IsZero() {
		payload["size"] = req.Size.String()
	}
	if !req.Funds.IsZero() {
		payload["funds"] = req.Funds.String()
	}
	body, _ := json.Marshal(payload)

	return c.placeWithIdempotentRetry(ctx, req.ClientOID, func() (Order, error) {
		respBody, _, err := c.do(ctx, http.MethodPost, "/orders", body, true)
		if err != nil {
			return Order{}, err
		}
		var dto orderDTO
		if err := json.Unmarshal(respBody, &dto); err != nil {
			return Order{}, err
		}
		return dto.toOrder(), nil
	})
}

// CancelOrder and CancelAll are retried unconditionally per spec.md §4.B
// ("Reads (GET) and cancellations are retried unconditionally").
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	return retry.DoForever(ctx, c.cfg.ReadBackoff, isTransient, func() error {
		_, status, err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, true)
		if err != nil && status == http.StatusNotFound {
			return nil
		}
		return err
	})
}

func (c *RESTClient) CancelAll(ctx context.Context) error {
	return retry.DoForever(ctx, c.cfg.ReadBackoff, isTransient, func() error {
		_, _, err := c.do(ctx, http.MethodDelete, "/orders", nil, true)
		return err
	})
}
