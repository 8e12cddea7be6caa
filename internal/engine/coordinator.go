package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridtrader/internal/alert"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
	"gridtrader/internal/grid"
	"gridtrader/internal/health"
	"gridtrader/internal/position"
	"gridtrader/internal/report"
	"gridtrader/internal/risk"
	"gridtrader/internal/safety"
	"gridtrader/internal/store"
	"gridtrader/internal/stream"
)

type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateRiskOverride State = "risk_override"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// ErrRiskStop is returned by Run after a stop-loss or take-profit exit
// completed. The position is flat and the operator decides whether to
// restart.
var ErrRiskStop = errors.New("risk controller stopped trading")

var errStreamLost = errors.New("stream connection lost")

const (
	persistInterval = 15 * time.Second
	shutdownTimeout = 30 * time.Second
)

var two = decimal.NewFromInt(2)

// Coordinator is the single writer of trading state. Every order submission
// happens on its loop goroutine; stream events, reconciliation reports, and
// ticks are drained from their queues one at a time, so no two actions race
// against the order mirror or the ladder linkage.
//
// The orders/levels mirror is the one surface shared with the reconciler
// goroutine (through LocalView) and is mutex-guarded. Everything else is
// loop-owned.
type Coordinator struct {
	cfg     config.Config
	client  exchange.Client
	sup     *stream.Supervisor
	breaker *safety.Breaker
	cache   *store.Cache
	alerts  alert.Alerter
	log     *zap.Logger

	tracker *position.Tracker
	guards  *risk.Controllers
	recon   *health.Reconciler
	ladder  *grid.Ladder
	rules   core.Rules
	symbol  string

	// ReportTo receives the final snapshot table on shutdown. Defaults to
	// stdout.
	ReportTo io.Writer

	mu     sync.Mutex
	state  State
	orders map[string]core.Order
	levels map[int]string

	// Loop-owned, never touched outside the Run goroutine.
	now            func() time.Time
	lastPrice      decimal.Decimal
	trusted        bool
	paused         bool
	failedLevels   map[int]struct{}
	lastShiftAt    time.Time
	overrideSource string
	exitOrderID    string
	exitIsMarket   bool
}

func NewCoordinator(cfg config.Config, client exchange.Client, sup *stream.Supervisor, breaker *safety.Breaker, cache *store.Cache, alerts alert.Alerter, log *zap.Logger) *Coordinator {
	c := &Coordinator{
		cfg:          cfg,
		client:       client,
		sup:          sup,
		breaker:      breaker,
		cache:        cache,
		alerts:       alerts,
		log:          log,
		symbol:       cfg.Exchange.Symbol,
		state:        StateInitializing,
		orders:       make(map[string]core.Order),
		levels:       make(map[int]string),
		now:          time.Now,
		trusted:      true,
		failedLevels: make(map[int]struct{}),
	}
	c.tracker = position.NewTracker(cfg.Exchange.Symbol, log)
	c.guards = risk.NewControllers(cfg.Risk, log)
	c.recon = health.NewReconciler(client, c, cfg.Health, cfg.Exchange.Symbol, log)
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OpenOrders implements health.LocalView over the local order mirror.
func (c *Coordinator) OpenOrders() []core.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Order, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	return out
}

// Position implements health.LocalView.
func (c *Coordinator) Position() core.Position {
	return c.tracker.Snapshot()
}

// Run drives the coordinator until ctx is cancelled or a terminal risk exit
// completes. The ordered shutdown sequence always runs before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	c.setState(StateInitializing)
	if err := c.initialize(ctx); err != nil {
		c.setState(StateStopped)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.sup.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Error("stream supervisor exited", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		_ = c.recon.Run(runCtx)
	}()

	err := c.loop(runCtx)
	cancel()
	wg.Wait()
	c.shutdown()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Coordinator) initialize(ctx context.Context) error {
	if err := c.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.client.SetLeverage(ctx, c.symbol, c.cfg.Exchange.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	if err := c.client.SetMarginMode(ctx, c.symbol, core.MarginMode(c.cfg.Exchange.MarginMode)); err != nil {
		return fmt.Errorf("set margin mode: %w", err)
	}

	rules, err := c.client.GetRules(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("fetch rules: %w", err)
	}
	c.rules = rules

	tick, err := c.client.GetTicker(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("fetch ticker: %w", err)
	}
	c.lastPrice = tick.Last

	if c.cfg.Grid.Type.Follow() {
		c.ladder, err = grid.NewFollow(c.cfg.Grid, tick.Last)
	} else {
		c.ladder, err = grid.NewFixed(c.cfg.Grid)
	}
	if err != nil {
		return fmt.Errorf("build ladder: %w", err)
	}
	if c.cfg.Grid.Type.Martingale() {
		c.ladder.SetOrigin(c.ladder.IndexAt(tick.Last))
	}

	c.warmStart()
	if err := c.adoptExchangeState(ctx); err != nil {
		return err
	}

	for _, ch := range []exchange.Channel{exchange.ChannelTicker, exchange.ChannelUserData} {
		if err := c.sup.Subscribe(ctx, exchange.Subscription{Channel: ch, Symbol: c.symbol}); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	c.trusted = true
	c.setState(StateRunning)
	c.persist()
	c.log.Info("coordinator initialized",
		zap.String("symbol", c.symbol),
		zap.String("grid_type", string(c.cfg.Grid.Type)),
		zap.String("lower", c.ladder.Lower().String()),
		zap.String("upper", c.ladder.Upper().String()),
		zap.String("price", tick.Last.String()))
	return nil
}

// warmStart preloads the cached position before the first REST round-trip.
// Advisory only: adoptExchangeState replaces it with live truth right after.
func (c *Coordinator) warmStart() {
	if c.cache == nil {
		return
	}
	if pos, ok, err := c.cache.LoadPosition(c.symbol); err == nil && ok {
		c.tracker.ApplyCorrection(pos, pos.UpdatedAt)
		c.log.Info("warm start from cached position",
			zap.String("qty", pos.Qty.String()),
			zap.String("entry", pos.EntryPrice.String()))
	}
	if snap, ok, err := c.cache.LoadLadder(c.symbol); err == nil && ok {
		c.log.Info("cached ladder snapshot found",
			zap.Int("linked_levels", len(snap.Levels)),
			zap.Time("updated_at", snap.UpdatedAt))
	}
}

// adoptExchangeState rebuilds the order mirror and position from the
// exchange. Orders resting off the ladder are tracked but left unlinked.
func (c *Coordinator) adoptExchangeState(ctx context.Context) error {
	open, err := c.client.GetOpenOrders(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("seed open orders: %w", err)
	}
	pos, err := c.client.GetPosition(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("seed position: %w", err)
	}

	c.mu.Lock()
	c.orders = make(map[string]core.Order, len(open))
	c.levels = make(map[int]string)
	for _, o := range open {
		idx := c.ladder.IndexAt(o.Price)
		if !o.Price.Equal(c.ladder.PriceAt(idx)) {
			idx = -1
		}
		if idx >= 0 {
			if _, taken := c.levels[idx]; taken {
				idx = -1
			} else {
				c.levels[idx] = o.ID
			}
		}
		o.GridIndex = idx
		c.orders[o.ID] = o
	}
	c.mu.Unlock()

	c.tracker.ApplyCorrection(pos, c.now())
	c.log.Info("adopted exchange state",
		zap.Int("open_orders", len(open)),
		zap.String("position_qty", pos.Qty.String()))
	return nil
}

func (c *Coordinator) loop(ctx context.Context) error {
	tick := time.NewTicker(time.Duration(c.cfg.Engine.TickIntervalMs) * time.Millisecond)
	defer tick.Stop()
	persist := time.NewTicker(persistInterval)
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.sup.Events():
			c.handleEvent(ctx, ev)
		case st := <-c.sup.StateChanges():
			c.handleStreamState(st)
		case rep := <-c.recon.Reports():
			c.applyReport(rep)
		case <-tick.C:
			if err := c.onTick(ctx); err != nil {
				return err
			}
		case <-persist.C:
			c.persist()
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev exchange.Event) {
	switch ev.Kind {
	case exchange.EventTicker:
		c.lastPrice = ev.Ticker.Last
		c.tracker.UpdateMark(ev.Ticker.Last, ev.Ticker.Time)
	case exchange.EventFill:
		f := *ev.Fill
		if !c.tracker.ApplyFill(f) {
			return
		}
		c.onFill(ctx, f)
	case exchange.EventOrderUpdate:
		c.onOrderUpdate(*ev.Order)
	}
}

func (c *Coordinator) handleStreamState(st stream.State) {
	switch st {
	case stream.StateSubscribed:
		_ = c.breaker.RecordReconnect(nil)
	case stream.StateReconnecting:
		_ = c.breaker.RecordReconnect(errStreamLost)
	case stream.StateDegraded:
		c.alertImportant("stream_degraded", nil)
	}
}

// onFill folds one execution into the mirror; a fully filled ladder order
// frees its level and triggers the opposite order one level away.
func (c *Coordinator) onFill(ctx context.Context, f core.Fill) {
	c.mu.Lock()
	o, known := c.orders[f.OrderID]
	var completed bool
	if known {
		o.FilledQty = o.FilledQty.Add(f.Qty)
		if o.FilledQty.Cmp(o.Qty) >= 0 {
			o.Status = core.OrderFilled
			delete(c.orders, f.OrderID)
			if o.GridIndex >= 0 && c.levels[o.GridIndex] == o.ID {
				delete(c.levels, o.GridIndex)
			}
			completed = true
		} else {
			o.Status = core.OrderPartiallyFilled
			c.orders[f.OrderID] = o
		}
	}
	c.mu.Unlock()

	if f.OrderID == c.exitOrderID && c.tracker.Snapshot().Flat() {
		c.exitOrderID = ""
	}
	if !completed {
		return
	}
	c.log.Info("ladder order filled",
		zap.Int("level", o.GridIndex),
		zap.String("side", string(o.Side)),
		zap.String("price", f.Price.String()),
		zap.String("qty", f.Qty.String()))

	if o.GridIndex < 0 || c.State() != StateRunning || c.paused {
		return
	}
	next := o.GridIndex + 1
	if o.Side == core.Sell {
		next = o.GridIndex - 1
	}
	if !c.ladder.InRange(next) || c.levelOccupied(next) {
		return
	}
	// A level parked by a failed placement waits for the next tick.
	if _, failed := c.failedLevels[next]; failed {
		return
	}
	c.placeLevel(ctx, next, o.Side.Opposite())
}

func (c *Coordinator) onOrderUpdate(o core.Order) {
	c.mu.Lock()
	cur, known := c.orders[o.ID]
	if known && o.GridIndex == 0 {
		o.GridIndex = cur.GridIndex
	}
	switch {
	case o.Status.Open():
		if known {
			c.orders[o.ID] = o
		}
	case o.Status == core.OrderRejected:
		if known {
			delete(c.orders, o.ID)
			if o.GridIndex >= 0 && c.levels[o.GridIndex] == o.ID {
				delete(c.levels, o.GridIndex)
				c.failedLevels[o.GridIndex] = struct{}{}
			}
		}
		c.mu.Unlock()
		c.log.Warn("order rejected by exchange",
			zap.String("order_id", o.ID),
			zap.Int("level", o.GridIndex))
		return
	default:
		// Filled, canceled, expired. Full fills already left the mirror via
		// the fill stream; this only clears stragglers.
		if known {
			delete(c.orders, o.ID)
			if o.GridIndex >= 0 && c.levels[o.GridIndex] == o.ID {
				delete(c.levels, o.GridIndex)
			}
		}
	}
	c.mu.Unlock()

	if o.ID == c.exitOrderID && !o.Status.Open() {
		c.exitOrderID = ""
	}
}

// onTick evaluates the protective watchers, applies the winning action, and
// keeps the ladder replenished. Returns ErrRiskStop when a terminal exit has
// completed.
func (c *Coordinator) onTick(ctx context.Context) error {
	if c.lastPrice.IsZero() {
		return nil
	}
	in := risk.Input{
		Price:    c.lastPrice,
		Position: c.tracker.Snapshot(),
		Trusted:  c.trusted,
		Now:      c.now(),
	}
	d := c.guards.Evaluate(in)

	if c.State() == StateRiskOverride {
		return c.continueOverride(ctx, d)
	}

	switch d.Action {
	case risk.ActionCancelAndExit:
		c.enterOverride(ctx, d)
		return nil
	case risk.ActionCancelAndReplenish:
		c.setState(StateRiskOverride)
		_ = c.cancelAll(ctx)
		c.bankPartial(ctx)
		c.setState(StateRunning)
		c.paused = false
		c.maintain(ctx)
		return nil
	case risk.ActionPauseReplenishment:
		c.paused = true
		return nil
	}

	c.paused = false
	c.maintain(ctx)
	return nil
}

func (c *Coordinator) enterOverride(ctx context.Context, d risk.Decision) {
	c.setState(StateRiskOverride)
	c.overrideSource = d.Source
	c.alertImportant("risk_exit", map[string]string{
		"source":      d.Source,
		"reason":      d.Reason,
		"market_exit": fmt.Sprintf("%t", d.MarketExit),
	})
	_ = c.cancelAll(ctx)
	c.placeExit(ctx, d.MarketExit)
}

// continueOverride drives the exit to completion. A stop-loss or take-profit
// exit is terminal once flat; a completed override from any other source
// resumes trading.
func (c *Coordinator) continueOverride(ctx context.Context, d risk.Decision) error {
	if c.tracker.Snapshot().Flat() {
		c.guards.Reset()
		c.exitOrderID = ""
		c.exitIsMarket = false
		if c.overrideSource == "stop_loss" || c.overrideSource == "take_profit" {
			c.log.Warn("risk exit completed, stopping",
				zap.String("source", c.overrideSource))
			return ErrRiskStop
		}
		c.setState(StateRunning)
		return nil
	}
	if d.MarketExit && !c.exitIsMarket {
		c.log.Warn("escape window elapsed, escalating to market exit")
		_ = c.cancelAll(ctx)
		c.placeExit(ctx, true)
		return nil
	}
	if c.exitOrderID == "" {
		c.placeExit(ctx, d.MarketExit)
	}
	return nil
}

func (c *Coordinator) placeExit(ctx context.Context, market bool) {
	pos := c.tracker.Snapshot()
	if pos.Flat() {
		return
	}
	side := core.Sell
	if pos.Qty.Sign() < 0 {
		side = core.Buy
	}
	order := core.Order{
		Symbol:        c.symbol,
		Side:          side,
		Qty:           pos.Qty.Abs(),
		GridIndex:     -1,
		CorrelationID: c.client.NewCorrelationID(),
	}
	if market {
		order.Type = core.Market
	} else {
		order.Type = core.Limit
		order.Price = c.lastPrice
	}
	order, err := core.NormalizeOrder(order, c.rules)
	if err != nil {
		c.log.Error("exit order fails exchange rules", zap.Error(err))
		return
	}
	placed, err := c.client.CreateOrder(ctx, order)
	if cbErr := c.breaker.RecordPlace(err); cbErr != nil {
		err = cbErr
	}
	if err != nil {
		c.log.Error("exit order placement failed",
			zap.Bool("market", market),
			zap.Error(err))
		return
	}
	placed.GridIndex = -1
	c.mu.Lock()
	c.orders[placed.ID] = placed
	c.mu.Unlock()
	c.exitOrderID = placed.ID
	c.exitIsMarket = market
	c.log.Warn("exit order placed",
		zap.String("order_id", placed.ID),
		zap.String("side", string(side)),
		zap.Bool("market", market),
		zap.String("qty", order.Qty.String()))
}

// bankPartial realizes half the position on a scalping trigger. The ladder
// rebuilds around the current price right after.
func (c *Coordinator) bankPartial(ctx context.Context) {
	pos := c.tracker.Snapshot()
	if pos.Flat() {
		return
	}
	qty := core.Quantize(pos.Qty.Abs().Div(two), c.cfg.Grid.QtyDecimals)
	side := core.Sell
	if pos.Qty.Sign() < 0 {
		side = core.Buy
	}
	order := core.Order{
		Symbol:        c.symbol,
		Side:          side,
		Type:          core.Limit,
		Price:         c.lastPrice,
		Qty:           qty,
		GridIndex:     -1,
		CorrelationID: c.client.NewCorrelationID(),
	}
	order, err := core.NormalizeOrder(order, c.rules)
	if err != nil {
		c.log.Debug("scalp order below exchange minimums, skipped", zap.Error(err))
		return
	}
	placed, err := c.client.CreateOrder(ctx, order)
	if cbErr := c.breaker.RecordPlace(err); cbErr != nil {
		err = cbErr
	}
	if err != nil {
		c.log.Warn("scalp order placement failed", zap.Error(err))
		return
	}
	placed.GridIndex = -1
	c.mu.Lock()
	c.orders[placed.ID] = placed
	c.mu.Unlock()
	c.log.Info("scalp order placed",
		zap.String("side", string(side)),
		zap.String("qty", order.Qty.String()),
		zap.String("price", order.Price.String()))
}

func (c *Coordinator) maintain(ctx context.Context) {
	if !c.streamHealthy() {
		return
	}
	c.maybeShift(ctx)
	c.replenish(ctx)
}

// maybeShift recenters a follow grid after the price has dwelt beyond the
// follow distance for at least the configured timeout since the last shift.
func (c *Coordinator) maybeShift(ctx context.Context) {
	if !c.cfg.Grid.Type.Follow() {
		return
	}
	if !c.ladder.NeedsShift(c.lastPrice, c.cfg.Grid.FollowDistance.Decimal) {
		return
	}
	if c.now().Sub(c.lastShiftAt) < time.Duration(c.cfg.Grid.FollowTimeoutSec)*time.Second {
		return
	}
	next, err := c.ladder.Recompute(c.cfg.Grid, c.lastPrice)
	if err != nil {
		c.log.Error("grid shift failed", zap.Error(err))
		return
	}
	if err := c.cancelAll(ctx); err != nil {
		c.log.Warn("grid shift aborted, cancel failed", zap.Error(err))
		return
	}
	c.ladder = next
	c.lastShiftAt = c.now()
	c.log.Info("grid shifted",
		zap.String("lower", next.Lower().String()),
		zap.String("upper", next.Upper().String()),
		zap.String("price", c.lastPrice.String()))
}

// replenish ensures one resting order per free level: buys below the current
// price level, sells above it. A placement failure parks the level for the
// rest of this pass and retries on the next tick.
func (c *Coordinator) replenish(ctx context.Context) {
	c.failedLevels = make(map[int]struct{})
	k := c.ladder.IndexAt(c.lastPrice)
	for i := c.ladder.MinIndex(); i <= c.ladder.MaxIndex(); i++ {
		if i == k || c.levelOccupied(i) {
			continue
		}
		side := core.Buy
		if i > k {
			side = core.Sell
		}
		c.placeLevel(ctx, i, side)
	}
}

func (c *Coordinator) placeLevel(ctx context.Context, i int, side core.Side) {
	order := core.Order{
		Symbol:        c.symbol,
		Side:          side,
		Type:          core.Limit,
		Price:         c.ladder.PriceAt(i),
		Qty:           c.ladder.AmountAt(i),
		GridIndex:     i,
		CorrelationID: c.client.NewCorrelationID(),
	}
	order, err := core.NormalizeOrder(order, c.rules)
	if err != nil {
		c.failedLevels[i] = struct{}{}
		c.log.Error("level order fails exchange rules",
			zap.Int("level", i),
			zap.Error(err))
		return
	}
	placed, err := c.client.CreateOrder(ctx, order)
	if cbErr := c.breaker.RecordPlace(err); cbErr != nil {
		err = cbErr
	}
	if err != nil {
		c.failedLevels[i] = struct{}{}
		c.log.Warn("level placement failed, retrying next tick",
			zap.Int("level", i),
			zap.String("side", string(side)),
			zap.String("price", order.Price.String()),
			zap.Error(err))
		if errors.Is(err, core.ErrInsufficientMargin) {
			c.alertImportant("insufficient_margin", map[string]string{
				"level": fmt.Sprintf("%d", i),
				"price": order.Price.String(),
			})
		}
		return
	}
	placed.GridIndex = i
	c.mu.Lock()
	c.orders[placed.ID] = placed
	c.levels[i] = placed.ID
	c.mu.Unlock()
	c.log.Debug("level order placed",
		zap.Int("level", i),
		zap.String("side", string(side)),
		zap.String("price", order.Price.String()))
}

func (c *Coordinator) levelOccupied(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.levels[i]
	return ok
}

func (c *Coordinator) cancelAll(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= c.cfg.Engine.CancelRetries; attempt++ {
		err = c.client.CancelAllOrders(ctx, c.symbol)
		if cbErr := c.breaker.RecordCancel(err); cbErr != nil {
			err = cbErr
		}
		if err == nil {
			c.mu.Lock()
			c.orders = make(map[string]core.Order)
			c.levels = make(map[int]string)
			c.mu.Unlock()
			c.exitOrderID = ""
			return nil
		}
		c.log.Warn("cancel all failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.Engine.CancelRetries),
			zap.Error(err))
	}
	return err
}

// applyReport folds a reconciliation outcome into local state. Adoption and
// resolution were already confirmed across consecutive snapshots by the
// reconciler; the coordinator just applies them.
func (c *Coordinator) applyReport(rep health.Report) {
	for _, o := range rep.Adopt {
		idx := c.ladder.IndexAt(o.Price)
		if !o.Price.Equal(c.ladder.PriceAt(idx)) {
			idx = -1
		}
		c.mu.Lock()
		if idx >= 0 {
			if _, taken := c.levels[idx]; taken {
				idx = -1
			} else {
				c.levels[idx] = o.ID
			}
		}
		o.GridIndex = idx
		c.orders[o.ID] = o
		c.mu.Unlock()
		c.log.Info("adopted exchange order",
			zap.String("order_id", o.ID),
			zap.Int("level", idx))
	}
	for _, o := range rep.Resolve {
		c.mu.Lock()
		local, known := c.orders[o.ID]
		if known {
			delete(c.orders, o.ID)
			if local.GridIndex >= 0 && c.levels[local.GridIndex] == o.ID {
				delete(c.levels, local.GridIndex)
			}
		}
		c.mu.Unlock()
		if o.ID == c.exitOrderID {
			c.exitOrderID = ""
		}
	}
	if rep.TrustBreached {
		c.trusted = false
		c.tracker.ApplyCorrection(rep.Position, rep.Snapshot.Time)
		if c.cache != nil {
			_ = c.cache.Drop(c.symbol)
		}
		c.alertImportant("position_trust_breached", map[string]string{
			"exchange_qty": rep.Position.Qty.String(),
		})
	}
	if rep.TrustRestored {
		c.trusted = true
		c.alertImportant("position_trust_restored", nil)
	}
}

func (c *Coordinator) persist() {
	if c.cache == nil {
		return
	}
	c.mu.Lock()
	links := make([]store.LevelLink, 0, len(c.levels))
	for idx, id := range c.levels {
		o := c.orders[id]
		links = append(links, store.LevelLink{
			Index:         idx,
			Price:         o.Price,
			Side:          o.Side,
			OrderID:       id,
			CorrelationID: o.CorrelationID,
		})
	}
	c.mu.Unlock()
	sort.Slice(links, func(a, b int) bool { return links[a].Index < links[b].Index })

	snap := store.LadderSnapshot{
		Symbol:   c.symbol,
		Type:     string(c.cfg.Grid.Type),
		Base:     c.ladder.Lower(),
		Interval: c.ladder.Interval(),
		Origin:   c.ladder.Origin(),
		Count:    c.ladder.MaxIndex(),
		Levels:   links,
	}
	if err := c.cache.SaveLadder(snap); err != nil {
		c.log.Warn("ladder snapshot save failed", zap.Error(err))
	}
	pos := c.tracker.Snapshot()
	pos.Symbol = c.symbol
	if err := c.cache.SavePosition(pos); err != nil {
		c.log.Warn("position snapshot save failed", zap.Error(err))
	}
	if err := c.cache.SaveWatermark(c.symbol, c.tracker.Watermark()); err != nil {
		c.log.Warn("watermark save failed", zap.Error(err))
	}
}

// shutdown runs the ordered teardown: stop new orders, cancel everything
// with bounded retries, optionally flatten, disconnect. Every step is
// best-effort and never blocks the next one.
func (c *Coordinator) shutdown() {
	c.setState(StateShuttingDown)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := c.cancelAll(ctx); err != nil {
		c.log.Error("shutdown cancel all failed", zap.Error(err))
		c.alertImportant("shutdown_cancel_failed", map[string]string{"error": err.Error()})
	}
	if c.cfg.Engine.ClosePositionOnExit {
		c.closeOut(ctx)
	}
	c.persist()
	if err := c.client.Disconnect(); err != nil {
		c.log.Warn("disconnect failed", zap.Error(err))
	}
	c.setState(StateStopped)
	c.renderFinal()
}

func (c *Coordinator) closeOut(ctx context.Context) {
	pos := c.tracker.Snapshot()
	if pos.Flat() {
		return
	}
	side := core.Sell
	if pos.Qty.Sign() < 0 {
		side = core.Buy
	}
	order := core.Order{
		Symbol:        c.symbol,
		Side:          side,
		Type:          core.Market,
		Qty:           pos.Qty.Abs(),
		GridIndex:     -1,
		CorrelationID: c.client.NewCorrelationID(),
	}
	order, err := core.NormalizeOrder(order, c.rules)
	if err != nil {
		c.log.Error("close-out order fails exchange rules", zap.Error(err))
		return
	}
	if _, err := c.client.CreateOrder(ctx, order); err != nil {
		c.log.Error("close-out order failed", zap.Error(err))
		c.alertImportant("shutdown_close_failed", map[string]string{"error": err.Error()})
		return
	}
	c.log.Info("close-out order submitted",
		zap.String("side", string(side)),
		zap.String("qty", order.Qty.String()))
}

func (c *Coordinator) renderFinal() {
	w := c.ReportTo
	if w == nil {
		w = os.Stdout
	}
	report.Final{
		Symbol:     c.symbol,
		State:      string(StateStopped),
		OpenOrders: c.OpenOrders(),
		Position:   c.tracker.Snapshot(),
		StoppedAt:  c.now(),
	}.Render(w)
}

func (c *Coordinator) streamHealthy() bool {
	return c.sup == nil || c.sup.Healthy()
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.log.Info("coordinator state",
			zap.String("from", string(prev)),
			zap.String("to", string(next)))
	}
}

func (c *Coordinator) alertImportant(event string, fields map[string]string) {
	if c.alerts == nil {
		return
	}
	c.alerts.Important(event, fields)
}
