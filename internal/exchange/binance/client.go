package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
)

func init() {
	exchange.Register("binance", func(cfg config.ExchangeConfig, log *zap.Logger) (exchange.Client, error) {
		return NewClient(cfg, log)
	})
}

type authType int

const (
	authNone authType = iota
	authAPIKey
	authSigned
)

// Client talks to Binance USD-M futures. All REST calls flow through one
// token bucket so the reconciler, the order path, and startup queries share
// the exchange request budget instead of starving each other.
type Client struct {
	apiKey      string
	apiSecret   string
	baseURL     string
	wsBaseURL   string
	orderPrefix string
	recvWindow  time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	log         *zap.Logger

	mu         sync.Mutex
	rulesCache map[string]core.Rules
	connected  bool
	transport  *wsTransport
}

func NewClient(cfg config.ExchangeConfig, log *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	timeout := 15 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	c := &Client{
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		baseURL:     strings.TrimRight(cfg.RestBaseURL, "/"),
		wsBaseURL:   strings.TrimRight(cfg.WSBaseURL, "/"),
		orderPrefix: "gt",
		recvWindow:  time.Duration(cfg.RecvWindowMs) * time.Millisecond,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		log:         log,
		rulesCache:  make(map[string]core.Rules),
	}
	c.transport = newWSTransport(c, log)
	return c, nil
}

func (c *Client) Name() string { return "binance" }

// Connect probes credentials with a signed account call. Safe to call more
// than once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if _, err := c.GetBalances(ctx); err != nil {
		return fmt.Errorf("connect probe: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	tr := c.transport
	c.mu.Unlock()
	if tr != nil {
		return tr.Close()
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ping", url.Values{}, authNone)
	return err
}

func (c *Client) StreamTransport() exchange.Transport {
	return c.transport
}

// NewCorrelationID mints a client order id: prefix plus base62-compacted
// uuid, within the 36 char limit Binance accepts.
func (c *Client) NewCorrelationID() string {
	id := uuid.New()
	enc := base62.EncodeToString(id[:])
	cid := c.orderPrefix + "-" + enc
	if len(cid) > 36 {
		cid = cid[:36]
	}
	return cid
}

// OwnsCorrelationID reports whether an id was minted by this client,
// letting reconciliation skip manually placed orders.
func (c *Client) OwnsCorrelationID(id string) bool {
	return strings.HasPrefix(id, c.orderPrefix+"-")
}

func (c *Client) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	c.mu.Lock()
	if rules, ok := c.rulesCache[symbol]; ok {
		c.mu.Unlock()
		return rules, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, authNone)
	if err != nil {
		return core.Rules{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Rules{}, err
	}
	for _, s := range resp.Symbols {
		if s.Symbol == symbol {
			rules := parseRules(s)
			c.mu.Lock()
			c.rulesCache[symbol] = rules
			c.mu.Unlock()
			return rules, nil
		}
	}
	return core.Rules{}, fmt.Errorf("symbol %s not found", symbol)
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, authNone)
	if err != nil {
		return core.Ticker{}, err
	}
	var book bookTickerResponse
	if err := json.Unmarshal(body, &book); err != nil {
		return core.Ticker{}, err
	}
	body, err = c.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, authNone)
	if err != nil {
		return core.Ticker{}, err
	}
	var last priceTickerResponse
	if err := json.Unmarshal(body, &last); err != nil {
		return core.Ticker{}, err
	}
	return core.Ticker{
		Symbol: symbol,
		Last:   parseDec(last.Price),
		Bid:    parseDec(book.BidPrice),
		Ask:    parseDec(book.AskPrice),
		Time:   time.UnixMilli(maxInt64(book.Time, last.Time)),
	}, nil
}

func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/depth", params, authNone)
	if err != nil {
		return core.OrderBook{}, err
	}
	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderBook{}, err
	}
	return core.OrderBook{
		Symbol: symbol,
		Bids:   parseBook(resp.Bids),
		Asks:   parseBook(resp.Asks),
		Time:   time.UnixMilli(resp.Time),
	}, nil
}

func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, authNone)
	if err != nil {
		return nil, err
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	klines := make([]core.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		var o, h, l, cl, v string
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		for i, dst := range []*string{&o, &h, &l, &cl, &v} {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				break
			}
		}
		klines = append(klines, core.Kline{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.UnixMilli(openTime),
			Open:     parseDec(o),
			High:     parseDec(h),
			Low:      parseDec(l),
			Close:    parseDec(cl),
			Volume:   parseDec(v),
			Closed:   true,
		})
	}
	return klines, nil
}

func (c *Client) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]core.MarketTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/trades", params, authNone)
	if err != nil {
		return nil, err
	}
	var resp []recentTradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	trades := make([]core.MarketTrade, 0, len(resp))
	for _, t := range resp {
		side := core.Buy
		if t.IsBuyerMaker {
			side = core.Sell
		}
		trades = append(trades, core.MarketTrade{
			Symbol: symbol,
			Side:   side,
			Price:  parseDec(t.Price),
			Qty:    parseDec(t.Qty),
			Time:   time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

func (c *Client) GetBalances(ctx context.Context) ([]core.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, authSigned)
	if err != nil {
		return nil, err
	}
	var resp []balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	balances := make([]core.Balance, 0, len(resp))
	for _, b := range resp {
		total := parseDec(b.Balance)
		free := parseDec(b.AvailableBalance)
		balances = append(balances, core.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: total.Sub(free),
		})
	}
	return balances, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (core.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, authSigned)
	if err != nil {
		return core.Position{}, err
	}
	var resp []positionRiskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Position{}, err
	}
	pos := core.Position{Symbol: symbol}
	for _, p := range resp {
		if p.Symbol != symbol {
			continue
		}
		qty := parseDec(p.PositionAmt)
		pos.Qty = pos.Qty.Add(qty)
		if !qty.IsZero() {
			pos.EntryPrice = parseDec(p.EntryPrice)
		}
		pos.MarkPrice = parseDec(p.MarkPrice)
		pos.UnrealizedPnL = pos.UnrealizedPnL.Add(parseDec(p.UnrealizedProfit))
		if lev, err := strconv.Atoi(p.Leverage); err == nil {
			pos.Leverage = lev
		}
		if strings.EqualFold(p.MarginType, "isolated") {
			pos.MarginMode = core.MarginIsolated
		} else {
			pos.MarginMode = core.MarginCross
		}
		if p.UpdateTime > 0 {
			pos.UpdatedAt = time.UnixMilli(p.UpdateTime)
		}
	}
	return pos, nil
}

// CreateOrder submits a new order. The correlation id is logged before the
// request leaves the process so a crash mid-flight leaves a reconstructable
// trail, and retries with the same id are idempotent exchange-side.
func (c *Client) CreateOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.CorrelationID == "" {
		order.CorrelationID = c.NewCorrelationID()
	}
	c.log.Info("order submit",
		zap.String("correlation_id", order.CorrelationID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("price", order.Price.String()),
		zap.String("qty", order.Qty.String()))

	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", order.Qty.String())
	params.Set("newClientOrderId", order.CorrelationID)
	if order.Type == core.Limit {
		params.Set("price", order.Price.String())
		params.Set("timeInForce", "GTC")
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, authSigned)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) {
			// Retry of an already accepted id: fetch the live order instead.
			return c.GetOrder(ctx, order.Symbol, "", order.CorrelationID)
		}
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	placed := resp.toOrder()
	placed.GridIndex = order.GridIndex
	if placed.Status == "" {
		placed.Status = core.OrderNew
	}
	return placed, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	c.log.Info("order cancel",
		zap.String("symbol", symbol),
		zap.String("order_id", orderID))
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, authSigned)
	return err
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	c.log.Info("cancel all orders", zap.String("symbol", symbol))
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, authSigned)
	return err
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, authSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, r := range resp {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol, orderID, correlationID string) (core.Order, error) {
	if orderID == "" && correlationID == "" {
		return core.Order{}, errors.New("orderID or correlationID required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", correlationID)
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, authSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(), nil
}

func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]core.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/allOrders", params, authSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, r := range resp {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, authSigned)
	return err
}

func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error {
	marginType := "CROSSED"
	if mode == core.MarginIsolated {
		marginType = "ISOLATED"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)
	_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, authSigned)
	if apiErr, ok := AsAPIError(err); ok && apiErr.Code == apiCodeNoNeedChangeMargin {
		return nil
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth authType) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if auth == authSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	urlStr := c.baseURL + path
	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth != authNone {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(err, core.ErrTransient)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(err, core.ErrTransient)
	}
	if resp.StatusCode/100 != 2 {
		var apiErr apiErrorBody
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Msg != "" {
			return nil, classify(APIError{Code: apiErr.Code, Msg: apiErr.Msg})
		}
		return nil, classifyHTTP(resp.StatusCode, string(body))
	}
	return body, nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
