package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
	"gridtrader/internal/grid"
	"gridtrader/internal/health"
	"gridtrader/internal/logger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cfgDec(s string) config.Decimal {
	return config.FromDecimal(dec(s))
}

func testConfig() config.Config {
	return config.Config{
		Mode: config.ModeTestnet,
		Exchange: config.ExchangeConfig{
			ID:         "binance",
			Symbol:     "BTCUSDT",
			Leverage:   3,
			MarginMode: "CROSS",
		},
		Grid: config.GridConfig{
			Type:          config.GridFixedLong,
			Interval:      cfgDec("100"),
			Amount:        cfgDec("0.01"),
			LowerPrice:    cfgDec("9000"),
			UpperPrice:    cfgDec("10000"),
			PriceDecimals: 1,
			QtyDecimals:   3,
			Multiplier:    cfgDec("1"),
		},
		Engine: config.EngineConfig{TickIntervalMs: 100, CancelRetries: 2},
		Health: config.HealthConfig{IntervalSec: 30, ConfirmSnapshots: 2, PositionTolerance: cfgDec("0.001")},
		Risk: config.RiskConfig{
			StopLoss: config.StopLossConfig{
				Enabled:          true,
				TriggerPercent:   cfgDec("5"),
				EscapeTimeoutSec: 60,
			},
		},
	}
}

type fakeClient struct {
	mu        sync.Mutex
	seq       int
	placeErr  error
	cancelErr error
	created   []core.Order
	calls     []string
	open      []core.Order
	position  core.Position
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeClient) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) createdOrders() []core.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Order(nil), f.created...)
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Connect(context.Context) error {
	f.record("connect")
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.record("disconnect")
	return nil
}

func (f *fakeClient) HealthCheck(context.Context) error { return nil }

func (f *fakeClient) GetRules(_ context.Context, symbol string) (core.Rules, error) {
	return core.Rules{
		Symbol:        symbol,
		PriceTick:     dec("0.1"),
		QtyStep:       dec("0.001"),
		MinQty:        dec("0.001"),
		PriceDecimals: 1,
		QtyDecimals:   3,
	}, nil
}

func (f *fakeClient) GetTicker(_ context.Context, symbol string) (core.Ticker, error) {
	return core.Ticker{Symbol: symbol, Last: dec("9500"), Time: time.Now()}, nil
}

func (f *fakeClient) GetOrderBook(context.Context, string, int) (core.OrderBook, error) {
	return core.OrderBook{}, nil
}

func (f *fakeClient) GetKlines(context.Context, string, string, int) ([]core.Kline, error) {
	return nil, nil
}

func (f *fakeClient) GetRecentTrades(context.Context, string, int) ([]core.MarketTrade, error) {
	return nil, nil
}

func (f *fakeClient) GetBalances(context.Context) ([]core.Balance, error) {
	return nil, nil
}

func (f *fakeClient) GetPosition(context.Context, string) (core.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeClient) CreateOrder(_ context.Context, order core.Order) (core.Order, error) {
	f.record("create")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return core.Order{}, f.placeErr
	}
	f.seq++
	order.ID = fmt.Sprintf("o%d", f.seq)
	order.Status = core.OrderNew
	f.created = append(f.created, order)
	return order, nil
}

func (f *fakeClient) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeClient) CancelAllOrders(context.Context, string) error {
	f.record("cancel_all")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelErr
}

func (f *fakeClient) GetOpenOrders(context.Context, string) ([]core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, nil
}

func (f *fakeClient) GetOrder(context.Context, string, string, string) (core.Order, error) {
	return core.Order{}, core.ErrOrderNotFound
}

func (f *fakeClient) GetOrderHistory(context.Context, string, int) ([]core.Order, error) {
	return nil, nil
}

func (f *fakeClient) SetLeverage(context.Context, string, int) error {
	f.record("set_leverage")
	return nil
}

func (f *fakeClient) SetMarginMode(context.Context, string, core.MarginMode) error {
	f.record("set_margin_mode")
	return nil
}

func (f *fakeClient) NewCorrelationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("gt-test-%d", f.seq)
}

func (f *fakeClient) StreamTransport() exchange.Transport { return nil }

// newTestCoordinator wires a coordinator around the fake client with the
// ladder already built and the loop state primed at Running.
func newTestCoordinator(t *testing.T, fc *fakeClient) *Coordinator {
	t.Helper()
	cfg := testConfig()
	c := NewCoordinator(cfg, fc, nil, nil, nil, nil, logger.Nop())
	ladder, err := grid.NewFixed(cfg.Grid)
	require.NoError(t, err)
	c.ladder = ladder
	rules, err := fc.GetRules(context.Background(), cfg.Exchange.Symbol)
	require.NoError(t, err)
	c.rules = rules
	c.lastPrice = dec("9500")
	c.setState(StateRunning)
	return c
}

func TestRejectedPlacementParksLevelAndRetries(t *testing.T) {
	fc := &fakeClient{placeErr: fmt.Errorf("%w: price out of bounds", core.ErrOrderRejected)}
	c := newTestCoordinator(t, fc)
	ctx := context.Background()

	require.NoError(t, c.onTick(ctx))
	assert.Empty(t, fc.createdOrders())
	assert.Empty(t, c.OpenOrders())
	assert.Equal(t, StateRunning, c.State())

	// Rejection cleared: every level is retried on the next tick.
	fc.mu.Lock()
	fc.placeErr = nil
	fc.mu.Unlock()
	require.NoError(t, c.onTick(ctx))

	created := fc.createdOrders()
	assert.Len(t, created, 10)
	for _, o := range created {
		assert.NotEqual(t, 5, o.GridIndex, "current price level must stay empty")
	}
}

func TestBuyFillPlacesSellOneLevelUp(t *testing.T) {
	fc := &fakeClient{}
	c := newTestCoordinator(t, fc)
	ctx := context.Background()
	require.NoError(t, c.onTick(ctx))

	c.mu.Lock()
	buyID := c.levels[4]
	c.mu.Unlock()
	require.NotEmpty(t, buyID)

	c.handleEvent(ctx, exchange.Event{Kind: exchange.EventFill, Fill: &core.Fill{
		OrderID:  buyID,
		TradeID:  "t1",
		Symbol:   "BTCUSDT",
		Side:     core.Buy,
		Price:    dec("9400"),
		Qty:      dec("0.01"),
		Sequence: 1,
		Time:     time.Now(),
	}})

	c.mu.Lock()
	sellID := c.levels[5]
	sell := c.orders[sellID]
	c.mu.Unlock()
	require.NotEmpty(t, sellID)
	assert.Equal(t, core.Sell, sell.Side)
	assert.True(t, sell.Price.Equal(dec("9500")), "got %s", sell.Price)
	assert.True(t, c.tracker.Snapshot().Qty.Equal(dec("0.01")))
}

func TestStopLossExitCompletesThenStops(t *testing.T) {
	fc := &fakeClient{}
	c := newTestCoordinator(t, fc)
	ctx := context.Background()

	c.tracker.ApplyCorrection(core.Position{
		Symbol:     "BTCUSDT",
		Qty:        dec("1"),
		EntryPrice: dec("10000"),
	}, time.Now())
	c.lastPrice = dec("9400")

	require.NoError(t, c.onTick(ctx))
	assert.Equal(t, StateRiskOverride, c.State())
	assert.Contains(t, fc.callLog(), "cancel_all")

	created := fc.createdOrders()
	require.NotEmpty(t, created)
	exit := created[len(created)-1]
	assert.Equal(t, core.Sell, exit.Side)
	assert.Equal(t, core.Limit, exit.Type)
	assert.True(t, exit.Qty.Equal(dec("1")))

	c.handleEvent(ctx, exchange.Event{Kind: exchange.EventFill, Fill: &core.Fill{
		OrderID:  exit.ID,
		TradeID:  "t2",
		Symbol:   "BTCUSDT",
		Side:     core.Sell,
		Price:    dec("9400"),
		Qty:      dec("1"),
		Sequence: 2,
		Time:     time.Now(),
	}})
	require.True(t, c.tracker.Snapshot().Flat())

	assert.ErrorIs(t, c.onTick(ctx), ErrRiskStop)
}

func TestStopLossEscalatesToMarketExit(t *testing.T) {
	fc := &fakeClient{}
	c := newTestCoordinator(t, fc)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	c.now = func() time.Time { return base }

	c.tracker.ApplyCorrection(core.Position{
		Symbol:     "BTCUSDT",
		Qty:        dec("1"),
		EntryPrice: dec("10000"),
	}, base)
	c.lastPrice = dec("9400")

	require.NoError(t, c.onTick(ctx))
	require.Equal(t, StateRiskOverride, c.State())
	assert.False(t, c.exitIsMarket)

	// Escape window still open: keep the limit exit resting.
	base = base.Add(30 * time.Second)
	require.NoError(t, c.onTick(ctx))
	assert.False(t, c.exitIsMarket)

	base = base.Add(31 * time.Second)
	require.NoError(t, c.onTick(ctx))
	assert.True(t, c.exitIsMarket)

	created := fc.createdOrders()
	require.NotEmpty(t, created)
	assert.Equal(t, core.Market, created[len(created)-1].Type)
}

func TestShutdownCancelsBeforeDisconnect(t *testing.T) {
	fc := &fakeClient{}
	c := newTestCoordinator(t, fc)
	var buf bytes.Buffer
	c.ReportTo = &buf

	c.shutdown()

	assert.Equal(t, StateStopped, c.State())
	calls := fc.callLog()
	cancelAt, disconnectAt := -1, -1
	for i, call := range calls {
		switch call {
		case "cancel_all":
			if cancelAt < 0 {
				cancelAt = i
			}
		case "disconnect":
			disconnectAt = i
		}
	}
	require.GreaterOrEqual(t, cancelAt, 0)
	require.GreaterOrEqual(t, disconnectAt, 0)
	assert.Less(t, cancelAt, disconnectAt)
	assert.Contains(t, buf.String(), "BTCUSDT")
}

func TestAdoptedOrderLinksLadderLevel(t *testing.T) {
	fc := &fakeClient{}
	c := newTestCoordinator(t, fc)

	c.applyReport(health.Report{Adopt: []core.Order{{
		ID:     "x9",
		Symbol: "BTCUSDT",
		Side:   core.Buy,
		Price:  dec("9300"),
		Qty:    dec("0.01"),
		Status: core.OrderNew,
	}}})

	c.mu.Lock()
	linked := c.levels[3]
	adopted, known := c.orders["x9"]
	c.mu.Unlock()
	assert.Equal(t, "x9", linked)
	require.True(t, known)
	assert.Equal(t, 3, adopted.GridIndex)
}

func TestTrustBreachPausesReplenishment(t *testing.T) {
	fc := &fakeClient{}
	c := newTestCoordinator(t, fc)
	ctx := context.Background()

	c.applyReport(health.Report{
		Snapshot:      health.Snapshot{Time: time.Now()},
		Position:      core.Position{Symbol: "BTCUSDT"},
		TrustBreached: true,
	})
	require.NoError(t, c.onTick(ctx))
	assert.Empty(t, fc.createdOrders(), "untrusted state must not replenish")
	assert.True(t, c.paused)

	c.applyReport(health.Report{TrustRestored: true})
	require.NoError(t, c.onTick(ctx))
	assert.Len(t, fc.createdOrders(), 10)
	assert.False(t, c.paused)
}
