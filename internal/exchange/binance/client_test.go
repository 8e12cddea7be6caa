package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
	"gridtrader/internal/logger"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.ExchangeConfig{
		APIKey:          "key",
		APISecret:       "secret",
		RestBaseURL:     srv.URL,
		WSBaseURL:       "wss://example.invalid",
		RecvWindowMs:    5000,
		HTTPTimeoutSec:  5,
		RateLimitPerSec: 100,
		RateLimitBurst:  100,
	}, logger.Nop())
	require.NoError(t, err)
	return c
}

func TestCreateOrderSignsAndParses(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		require.NoError(t, r.ParseForm())
		gotQuery = r.PostForm.Encode()
		_ = json.NewEncoder(w).Encode(orderResponse{
			Symbol:        "BTCUSDT",
			OrderID:       42,
			ClientOrderID: r.PostForm.Get("newClientOrderId"),
			Price:         "9500",
			OrigQty:       "0.01",
			Status:        "NEW",
			Side:          "BUY",
			Type:          "LIMIT",
		})
	}))

	placed, err := c.CreateOrder(context.Background(), core.Order{
		Symbol:    "BTCUSDT",
		Side:      core.Buy,
		Type:      core.Limit,
		Price:     decimal.RequireFromString("9500"),
		Qty:       decimal.RequireFromString("0.01"),
		GridIndex: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, "42", placed.ID)
	assert.Equal(t, 5, placed.GridIndex)
	assert.Equal(t, core.OrderNew, placed.Status)
	assert.True(t, c.OwnsCorrelationID(placed.CorrelationID))
	assert.Contains(t, gotQuery, "signature=")
	assert.Contains(t, gotQuery, "timeInForce=GTC")
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		code int
		msg  string
		want error
	}{
		{"rejected api key", apiCodeRejectedAPIKey, "Invalid API-key.", core.ErrFatalAuth},
		{"rate limited", apiCodeTooManyRequests, "Too many requests.", core.ErrRateLimited},
		{"order not found", apiCodeOrderNotFound, "Order does not exist.", core.ErrOrderNotFound},
		{"cancel rejected", apiCodeCancelRejected, "Unknown order sent.", core.ErrOrderNotFound},
		{"margin", apiCodeMarginInsufficient, "Margin is insufficient.", core.ErrInsufficientMargin},
		{"duplicate", apiCodeNewOrderRejected, "Duplicate order sent.", core.ErrDuplicateOrder},
		{"generic rejection", apiCodeNewOrderRejected, "Order would trigger immediately.", core.ErrOrderRejected},
		{"timestamp drift", apiCodeTimestampOutside, "Timestamp outside recvWindow.", core.ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(APIError{Code: tc.code, Msg: tc.msg})
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			apiErr, ok := AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, tc.code, apiErr.Code)
		})
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	assert.True(t, errors.Is(classifyHTTP(502, "bad gateway"), core.ErrTransient))
	assert.True(t, errors.Is(classifyHTTP(429, "slow down"), core.ErrRateLimited))
	assert.True(t, errors.Is(classifyHTTP(401, "denied"), core.ErrFatalAuth))
	assert.False(t, errors.Is(classifyHTTP(400, "bad"), core.ErrTransient))
}

func TestMarginInsufficientSurfacesFromOrderPath(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))

	_, err := c.CreateOrder(context.Background(), core.Order{
		Symbol: "BTCUSDT",
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  decimal.RequireFromString("9500"),
		Qty:    decimal.RequireFromString("1000"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInsufficientMargin))
	assert.True(t, errors.Is(err, core.ErrOrderRejected))
}

func TestGetRulesParsesFuturesFilters(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		_, _ = w.Write([]byte(`{"symbols":[{
			"symbol":"BTCUSDT",
			"pricePrecision":2,
			"quantityPrecision":3,
			"filters":[
				{"filterType":"LOT_SIZE","minQty":"0.001","stepSize":"0.001"},
				{"filterType":"PRICE_FILTER","tickSize":"0.10"},
				{"filterType":"MIN_NOTIONAL","notional":"5"}
			]}]}`))
	}))

	rules, err := c.GetRules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), rules.PriceDecimals)
	assert.Equal(t, int32(3), rules.QtyDecimals)
	assert.True(t, rules.QtyStep.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, rules.PriceTick.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, rules.MinNotional.Equal(decimal.RequireFromString("5")))

	// Second call must come from the cache; the test server would fail the
	// path assertion if re-fetched with a different route.
	again, err := c.GetRules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, again.PriceTick.Equal(rules.PriceTick))
}

func TestGetPositionSumsBothSides(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		_, _ = w.Write([]byte(`[{
			"symbol":"BTCUSDT",
			"positionAmt":"0.500",
			"entryPrice":"9450.0",
			"markPrice":"9500.0",
			"unRealizedProfit":"25.0",
			"leverage":"5",
			"marginType":"cross",
			"updateTime":1700000000000
		}]`))
	}))

	pos, err := c.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Qty.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("9450")))
	assert.Equal(t, 5, pos.Leverage)
	assert.Equal(t, core.MarginCross, pos.MarginMode)
}

func TestSetMarginModeTreatsNoChangeAsSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	}))

	err := c.SetMarginMode(context.Background(), "BTCUSDT", core.MarginCross)
	assert.NoError(t, err)
}

func TestCorrelationIDsAreUniqueAndBounded(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := c.NewCorrelationID()
		assert.LessOrEqual(t, len(id), 36)
		assert.True(t, c.OwnsCorrelationID(id))
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestStreamNames(t *testing.T) {
	name, err := streamName(exchange.Subscription{Channel: exchange.ChannelTicker, Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "btcusdt@bookTicker", name)

	name, err = streamName(exchange.Subscription{Channel: exchange.ChannelTrades, Symbol: "ETHUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "ethusdt@aggTrade", name)

	_, err = streamName(exchange.Subscription{Channel: exchange.ChannelUserData, Symbol: "BTCUSDT"})
	assert.Error(t, err)
}

func TestParseUserFillEvent(t *testing.T) {
	tr := newWSTransport(newTestClient(t, http.NewServeMux()), logger.Nop())
	ev, ok := tr.parseUser([]byte(`{
		"e":"ORDER_TRADE_UPDATE","E":1700000000123,
		"o":{"s":"BTCUSDT","c":"gt-abc","S":"SELL","o":"LIMIT","p":"9600","q":"0.01",
			"x":"TRADE","X":"FILLED","i":42,"l":"0.01","z":"0.01","L":"9600",
			"n":"0.0192","N":"USDT","T":1700000000120,"t":777}}`))
	require.True(t, ok)
	require.Equal(t, exchange.EventFill, ev.Kind)
	assert.Equal(t, "42", ev.Fill.OrderID)
	assert.Equal(t, "777", ev.Fill.TradeID)
	assert.True(t, ev.Fill.Price.Equal(decimal.RequireFromString("9600")))
	assert.True(t, ev.Fill.Fee.Equal(decimal.RequireFromString("0.0192")))
	assert.Equal(t, int64(1700000000123), ev.Fill.Sequence)
}
