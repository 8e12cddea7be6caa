package risk

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
)

type Action int

const (
	ActionNone Action = iota
	ActionPauseReplenishment
	ActionCancelAndReplenish
	ActionCancelAndExit
)

func (a Action) String() string {
	switch a {
	case ActionPauseReplenishment:
		return "pause_replenishment"
	case ActionCancelAndReplenish:
		return "cancel_and_replenish"
	case ActionCancelAndExit:
		return "cancel_and_exit"
	default:
		return "none"
	}
}

// Decision is the winning protective action for one tick. MarketExit marks
// the stop-loss escalation after the escape window elapsed unfilled.
type Decision struct {
	Action     Action
	Source     string
	Reason     string
	MarketExit bool
}

// Input is the reconciled state a tick evaluates against. Trusted reflects
// the reconciler's verdict; untrusted state pauses replenishment on its own.
type Input struct {
	Price    decimal.Decimal
	Position core.Position
	Trusted  bool
	Now      time.Time
}

var hundred = decimal.NewFromInt(100)

// Controllers evaluates the protective watchers in fixed priority:
// stop-loss, capital protection, take-profit, price lock, scalping. The
// first match wins the tick and the rest are skipped. Controllers only
// decide; the coordinator executes.
type Controllers struct {
	cfg config.RiskConfig
	log *zap.Logger

	escapeStartedAt time.Time
	lockLatched     bool
	scalpArmed      bool
	scalpPeakGain   decimal.Decimal
	scalpDeepDrops  int
}

func NewControllers(cfg config.RiskConfig, log *zap.Logger) *Controllers {
	return &Controllers{cfg: cfg, log: log}
}

// Evaluate returns at most one protective action for this tick.
func (c *Controllers) Evaluate(in Input) Decision {
	if d := c.stopLoss(in); d.Action != ActionNone {
		c.logTrigger(d)
		return d
	}
	if !in.Trusted {
		return Decision{
			Action: ActionPauseReplenishment,
			Source: "trust",
			Reason: "position state not trusted",
		}
	}
	if d := c.capitalProtection(in); d.Action != ActionNone {
		c.logTrigger(d)
		return d
	}
	if d := c.takeProfit(in); d.Action != ActionNone {
		c.logTrigger(d)
		return d
	}
	if d := c.priceLock(in); d.Action != ActionNone {
		c.logTrigger(d)
		return d
	}
	if d := c.scalping(in); d.Action != ActionNone {
		c.logTrigger(d)
		return d
	}
	return Decision{}
}

// Reset clears latched escape and scalper state, typically after an exit
// completes and the ladder restarts.
func (c *Controllers) Reset() {
	c.escapeStartedAt = time.Time{}
	c.scalpArmed = false
	c.scalpPeakGain = decimal.Zero
	c.scalpDeepDrops = 0
}

func (c *Controllers) logTrigger(d Decision) {
	c.log.Warn("risk trigger",
		zap.String("source", d.Source),
		zap.String("action", d.Action.String()),
		zap.String("reason", d.Reason),
		zap.Bool("market_exit", d.MarketExit))
}

// stopLoss runs the escape sequence: the first trigger cancels the ladder
// and attempts a limit exit; if the position is still open when the escape
// window elapses, escalate to a market exit.
func (c *Controllers) stopLoss(in Input) Decision {
	if !c.cfg.StopLoss.Enabled {
		return Decision{}
	}
	if in.Position.Flat() {
		c.escapeStartedAt = time.Time{}
		return Decision{}
	}
	loss := adversePercent(in)
	if loss.Cmp(c.cfg.StopLoss.TriggerPercent.Decimal) < 0 {
		if c.escapeStartedAt.IsZero() {
			return Decision{}
		}
		// Escape already running; see it through even if price recovered.
	}
	if c.escapeStartedAt.IsZero() {
		c.escapeStartedAt = in.Now
		return Decision{
			Action: ActionCancelAndExit,
			Source: "stop_loss",
			Reason: "adverse move " + loss.StringFixed(2) + "% >= " + c.cfg.StopLoss.TriggerPercent.String() + "%",
		}
	}
	timeout := time.Duration(c.cfg.StopLoss.EscapeTimeoutSec) * time.Second
	if in.Now.Sub(c.escapeStartedAt) >= timeout {
		return Decision{
			Action:     ActionCancelAndExit,
			Source:     "stop_loss",
			Reason:     "escape window elapsed unfilled",
			MarketExit: true,
		}
	}
	return Decision{
		Action: ActionCancelAndExit,
		Source: "stop_loss",
		Reason: "escape in progress",
	}
}

func (c *Controllers) capitalProtection(in Input) Decision {
	if !c.cfg.CapitalProtection.Enabled || in.Position.Flat() {
		return Decision{}
	}
	loss := adversePercent(in)
	if loss.Cmp(c.cfg.CapitalProtection.TriggerPercent.Decimal) < 0 {
		return Decision{}
	}
	return Decision{
		Action: ActionPauseReplenishment,
		Source: "capital_protection",
		Reason: "adverse move " + loss.StringFixed(2) + "% >= " + c.cfg.CapitalProtection.TriggerPercent.String() + "%",
	}
}

// takeProfit closes out once total session PnL, realized plus unrealized,
// clears the configured percentage of the position's entry notional.
func (c *Controllers) takeProfit(in Input) Decision {
	if !c.cfg.TakeProfit.Enabled || in.Position.Flat() {
		return Decision{}
	}
	notional := in.Position.EntryPrice.Mul(in.Position.Qty.Abs())
	if notional.Sign() <= 0 {
		return Decision{}
	}
	total := in.Position.RealizedPnL.Add(in.Position.UnrealizedPnL)
	gain := total.Div(notional).Mul(hundred)
	if gain.Cmp(c.cfg.TakeProfit.Percentage.Decimal) < 0 {
		return Decision{}
	}
	return Decision{
		Action: ActionCancelAndExit,
		Source: "take_profit",
		Reason: "session pnl " + gain.StringFixed(2) + "% >= " + c.cfg.TakeProfit.Percentage.String() + "%",
	}
}

// priceLock latches once price crosses the configured level in the
// favorable direction and keeps ladder expansion paused from then on.
func (c *Controllers) priceLock(in Input) Decision {
	if !c.cfg.PriceLock.Enabled {
		return Decision{}
	}
	if !c.lockLatched {
		crossed := false
		if in.Position.Qty.Sign() >= 0 {
			crossed = in.Price.Cmp(c.cfg.PriceLock.Threshold.Decimal) >= 0
		} else {
			crossed = in.Price.Cmp(c.cfg.PriceLock.Threshold.Decimal) <= 0
		}
		if !crossed {
			return Decision{}
		}
		c.lockLatched = true
	}
	return Decision{
		Action: ActionPauseReplenishment,
		Source: "price_lock",
		Reason: "price crossed lock threshold " + c.cfg.PriceLock.Threshold.String(),
	}
}

// scalping takes partial profit on sub-grid moves. Simple mode fires as
// soon as the gain clears take_percent. Smart mode arms at that point and
// rides the move, firing only after allowed_deep_drops consecutive adverse
// ticks; a fresh peak resets the counter.
func (c *Controllers) scalping(in Input) Decision {
	if !c.cfg.Scalping.Enabled || in.Position.Flat() {
		return Decision{}
	}
	gain := favorablePercent(in)
	if !c.scalpArmed {
		if gain.Cmp(c.cfg.Scalping.TakePercent.Decimal) < 0 {
			return Decision{}
		}
		if c.cfg.Scalping.Mode == config.ScalpingSimple {
			return Decision{
				Action: ActionCancelAndReplenish,
				Source: "scalping",
				Reason: "gain " + gain.StringFixed(2) + "% >= " + c.cfg.Scalping.TakePercent.String() + "%",
			}
		}
		c.scalpArmed = true
		c.scalpPeakGain = gain
		c.scalpDeepDrops = 0
		return Decision{}
	}

	if gain.Cmp(c.scalpPeakGain) > 0 {
		c.scalpPeakGain = gain
		c.scalpDeepDrops = 0
		return Decision{}
	}
	c.scalpDeepDrops++
	if c.scalpDeepDrops < c.cfg.Scalping.AllowedDeepDrops {
		return Decision{}
	}
	c.scalpArmed = false
	c.scalpPeakGain = decimal.Zero
	c.scalpDeepDrops = 0
	return Decision{
		Action: ActionCancelAndReplenish,
		Source: "scalping",
		Reason: "gain retreated from peak after consecutive adverse ticks",
	}
}

// adversePercent is the unfavorable move from entry, in percent; zero or
// negative means the position is not under water.
func adversePercent(in Input) decimal.Decimal {
	entry := in.Position.EntryPrice
	if entry.Sign() <= 0 {
		return decimal.Zero
	}
	var move decimal.Decimal
	if in.Position.Qty.Sign() > 0 {
		move = entry.Sub(in.Price)
	} else {
		move = in.Price.Sub(entry)
	}
	return move.Div(entry).Mul(hundred)
}

func favorablePercent(in Input) decimal.Decimal {
	return adversePercent(in).Neg()
}
