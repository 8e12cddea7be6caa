package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridtrader/internal/core"
)

// seenCapacity bounds the fill dedup set; beyond it the oldest keys are
// evicted in insertion order.
const seenCapacity = 4096

// Tracker owns the position snapshot for one symbol. It consumes the fill
// stream in exchange order and reconciliation corrections, and is the only
// mutator of the snapshot. Local tracking exists to keep the hot path off
// REST; the exchange stays the source of truth.
type Tracker struct {
	mu        sync.Mutex
	log       *zap.Logger
	pos       core.Position
	seen      map[string]struct{}
	seenOrder []string
	watermark int64
	lastFill  time.Time
}

func NewTracker(symbol string, log *zap.Logger) *Tracker {
	return &Tracker{
		log:  log,
		pos:  core.Position{Symbol: symbol},
		seen: make(map[string]struct{}),
	}
}

// ApplyFill folds one execution into the snapshot. Returns false when the
// fill was already applied (duplicate delivery after a reconnect).
func (t *Tracker) ApplyFill(f core.Fill) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := f.OrderID + ":" + f.TradeID
	if _, dup := t.seen[key]; dup {
		t.log.Debug("duplicate fill dropped",
			zap.String("order_id", f.OrderID),
			zap.String("trade_id", f.TradeID))
		return false
	}
	t.remember(key)

	delta := f.Qty
	if f.Side == core.Sell {
		delta = delta.Neg()
	}
	t.apply(delta, f.Price, f.Fee)

	if f.Sequence > t.watermark {
		t.watermark = f.Sequence
	}
	if f.Time.After(t.lastFill) {
		t.lastFill = f.Time
	}
	t.pos.UpdatedAt = f.Time
	return true
}

// apply implements weighted-average-on-increase, realized-on-decrease
// accounting over the signed quantity.
func (t *Tracker) apply(delta, price, fee decimal.Decimal) {
	qty := t.pos.Qty
	switch {
	case qty.IsZero() || qty.Sign() == delta.Sign():
		oldAbs := qty.Abs()
		newAbs := oldAbs.Add(delta.Abs())
		if newAbs.Sign() > 0 {
			notional := t.pos.EntryPrice.Mul(oldAbs).Add(price.Mul(delta.Abs()))
			t.pos.EntryPrice = notional.Div(newAbs)
		}
		t.pos.Qty = qty.Add(delta)
	case delta.Abs().Cmp(qty.Abs()) <= 0:
		closed := delta.Abs()
		t.pos.RealizedPnL = t.pos.RealizedPnL.Add(t.realizedOn(closed, price))
		t.pos.Qty = qty.Add(delta)
		if t.pos.Qty.IsZero() {
			t.pos.EntryPrice = decimal.Zero
		}
	default:
		// Reversal: close the whole position, open the remainder at the
		// fill price.
		closed := qty.Abs()
		t.pos.RealizedPnL = t.pos.RealizedPnL.Add(t.realizedOn(closed, price))
		t.pos.Qty = qty.Add(delta)
		t.pos.EntryPrice = price
	}
	t.pos.RealizedPnL = t.pos.RealizedPnL.Sub(fee)
	t.recomputeUnrealized()
}

func (t *Tracker) realizedOn(closedQty, price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(t.pos.EntryPrice)
	if t.pos.Qty.Sign() < 0 {
		diff = diff.Neg()
	}
	return diff.Mul(closedQty)
}

// UpdateMark refreshes the mark price and the derived unrealized PnL.
func (t *Tracker) UpdateMark(price decimal.Decimal, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos.MarkPrice = price
	t.recomputeUnrealized()
	t.pos.UpdatedAt = at
}

func (t *Tracker) recomputeUnrealized() {
	if t.pos.Qty.IsZero() || t.pos.MarkPrice.IsZero() {
		t.pos.UnrealizedPnL = decimal.Zero
		return
	}
	t.pos.UnrealizedPnL = t.pos.MarkPrice.Sub(t.pos.EntryPrice).Mul(t.pos.Qty)
}

// ApplyCorrection replaces quantity and entry with exchange truth. A
// correction captured before the latest locally applied fill is stale and
// rejected, so reconciliation can never overwrite newer local state.
func (t *Tracker) ApplyCorrection(truth core.Position, asOf time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if asOf.Before(t.lastFill) {
		t.log.Warn("stale position correction rejected",
			zap.Time("as_of", asOf),
			zap.Time("last_fill", t.lastFill))
		return false
	}
	t.pos.Qty = truth.Qty
	t.pos.EntryPrice = truth.EntryPrice
	if !truth.MarkPrice.IsZero() {
		t.pos.MarkPrice = truth.MarkPrice
	}
	t.recomputeUnrealized()
	t.pos.UpdatedAt = asOf
	return true
}

// Snapshot returns a copy of the current position.
func (t *Tracker) Snapshot() core.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// Watermark returns the highest fill sequence applied so far.
func (t *Tracker) Watermark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

func (t *Tracker) remember(key string) {
	t.seen[key] = struct{}{}
	t.seenOrder = append(t.seenOrder, key)
	if len(t.seenOrder) > seenCapacity {
		evict := t.seenOrder[0]
		t.seenOrder = t.seenOrder[1:]
		delete(t.seen, evict)
	}
}
