package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/logger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cfgDec(s string) config.Decimal {
	return config.FromDecimal(dec(s))
}

func riskCfg() config.RiskConfig {
	return config.RiskConfig{
		StopLoss: config.StopLossConfig{
			Enabled:          true,
			TriggerPercent:   cfgDec("5"),
			EscapeTimeoutSec: 60,
		},
		CapitalProtection: config.CapitalProtectionConfig{
			Enabled:        true,
			TriggerPercent: cfgDec("3"),
		},
		TakeProfit: config.TakeProfitConfig{
			Enabled:    true,
			Percentage: cfgDec("2"),
		},
		PriceLock: config.PriceLockConfig{
			Enabled:   true,
			Threshold: cfgDec("11000"),
		},
		Scalping: config.ScalpingConfig{
			Enabled:          true,
			Mode:             config.ScalpingSimple,
			TakePercent:      cfgDec("1"),
			AllowedDeepDrops: 3,
		},
	}
}

func longPosition(entry, qty string) core.Position {
	return core.Position{
		Symbol:     "BTCUSDT",
		Qty:        dec(qty),
		EntryPrice: dec(entry),
	}
}

func input(price string, pos core.Position) Input {
	return Input{
		Price:    dec(price),
		Position: pos,
		Trusted:  true,
		Now:      time.Unix(1700000000, 0),
	}
}

func TestStopLossWinsOverTakeProfit(t *testing.T) {
	c := NewControllers(riskCfg(), logger.Nop())

	// Large realized profit satisfies take-profit while the open position is
	// down hard enough for stop-loss; only stop-loss may fire.
	pos := longPosition("10000", "1")
	pos.RealizedPnL = dec("900")
	pos.UnrealizedPnL = dec("-600")
	d := c.Evaluate(input("9400", pos))

	assert.Equal(t, ActionCancelAndExit, d.Action)
	assert.Equal(t, "stop_loss", d.Source)
	assert.False(t, d.MarketExit)
}

func TestStopLossEscapeEscalatesToMarketExit(t *testing.T) {
	c := NewControllers(riskCfg(), logger.Nop())
	pos := longPosition("10000", "1")

	first := c.Evaluate(input("9400", pos))
	require.Equal(t, ActionCancelAndExit, first.Action)
	require.False(t, first.MarketExit)

	// Still holding inside the escape window: limit exit continues.
	mid := input("9400", pos)
	mid.Now = mid.Now.Add(30 * time.Second)
	second := c.Evaluate(mid)
	require.Equal(t, ActionCancelAndExit, second.Action)
	assert.False(t, second.MarketExit)

	late := input("9400", pos)
	late.Now = late.Now.Add(61 * time.Second)
	third := c.Evaluate(late)
	require.Equal(t, ActionCancelAndExit, third.Action)
	assert.True(t, third.MarketExit)
}

func TestStopLossEscapeClearsWhenFlat(t *testing.T) {
	c := NewControllers(riskCfg(), logger.Nop())
	pos := longPosition("10000", "1")

	require.Equal(t, ActionCancelAndExit, c.Evaluate(input("9400", pos)).Action)

	flat := input("9400", core.Position{Symbol: "BTCUSDT"})
	flat.Now = flat.Now.Add(120 * time.Second)
	assert.Equal(t, ActionNone, c.Evaluate(flat).Action)
}

func TestCapitalProtectionPausesBelowStopLoss(t *testing.T) {
	c := NewControllers(riskCfg(), logger.Nop())

	// 4% adverse: above capital protection's 3%, below stop-loss's 5%.
	d := c.Evaluate(input("9600", longPosition("10000", "1")))
	assert.Equal(t, ActionPauseReplenishment, d.Action)
	assert.Equal(t, "capital_protection", d.Source)
}

func TestUntrustedStatePausesReplenishment(t *testing.T) {
	c := NewControllers(riskCfg(), logger.Nop())
	in := input("10000", longPosition("10000", "1"))
	in.Trusted = false

	d := c.Evaluate(in)
	assert.Equal(t, ActionPauseReplenishment, d.Action)
	assert.Equal(t, "trust", d.Source)
}

func TestTakeProfitFiresOnSessionGain(t *testing.T) {
	cfg := riskCfg()
	cfg.CapitalProtection.Enabled = false
	cfg.Scalping.Enabled = false
	c := NewControllers(cfg, logger.Nop())

	pos := longPosition("10000", "1")
	pos.RealizedPnL = dec("150")
	pos.UnrealizedPnL = dec("100")
	d := c.Evaluate(input("10100", pos))

	assert.Equal(t, ActionCancelAndExit, d.Action)
	assert.Equal(t, "take_profit", d.Source)
}

func TestPriceLockLatchesOnceCrossed(t *testing.T) {
	cfg := riskCfg()
	cfg.TakeProfit.Enabled = false
	cfg.Scalping.Enabled = false
	c := NewControllers(cfg, logger.Nop())
	pos := longPosition("10000", "1")

	assert.Equal(t, ActionNone, c.Evaluate(input("10500", pos)).Action)

	d := c.Evaluate(input("11050", pos))
	require.Equal(t, ActionPauseReplenishment, d.Action)
	assert.Equal(t, "price_lock", d.Source)

	// Retreat below the threshold does not unlock.
	d = c.Evaluate(input("10500", pos))
	assert.Equal(t, ActionPauseReplenishment, d.Action)
	assert.Equal(t, "price_lock", d.Source)
}

func TestSimpleScalperFiresImmediately(t *testing.T) {
	cfg := riskCfg()
	cfg.TakeProfit.Enabled = false
	cfg.PriceLock.Enabled = false
	c := NewControllers(cfg, logger.Nop())

	d := c.Evaluate(input("10150", longPosition("10000", "1")))
	assert.Equal(t, ActionCancelAndReplenish, d.Action)
	assert.Equal(t, "scalping", d.Source)
}

func TestSmartScalperToleratesDeepDrops(t *testing.T) {
	cfg := riskCfg()
	cfg.TakeProfit.Enabled = false
	cfg.PriceLock.Enabled = false
	cfg.Scalping.Mode = config.ScalpingSmart
	c := NewControllers(cfg, logger.Nop())
	pos := longPosition("10000", "1")

	// Arms on the first tick past take_percent, does not fire yet.
	assert.Equal(t, ActionNone, c.Evaluate(input("10150", pos)).Action)

	// Two adverse ticks stay under allowed_deep_drops=3.
	assert.Equal(t, ActionNone, c.Evaluate(input("10140", pos)).Action)
	assert.Equal(t, ActionNone, c.Evaluate(input("10130", pos)).Action)

	// A fresh peak resets the counter.
	assert.Equal(t, ActionNone, c.Evaluate(input("10200", pos)).Action)
	assert.Equal(t, ActionNone, c.Evaluate(input("10190", pos)).Action)
	assert.Equal(t, ActionNone, c.Evaluate(input("10180", pos)).Action)

	d := c.Evaluate(input("10170", pos))
	assert.Equal(t, ActionCancelAndReplenish, d.Action)
	assert.Equal(t, "scalping", d.Source)
}

func TestShortPositionAdverseMove(t *testing.T) {
	cfg := riskCfg()
	cfg.PriceLock.Enabled = false
	c := NewControllers(cfg, logger.Nop())

	short := core.Position{Symbol: "BTCUSDT", Qty: dec("-1"), EntryPrice: dec("10000")}
	d := c.Evaluate(input("10600", short))
	assert.Equal(t, ActionCancelAndExit, d.Action)
	assert.Equal(t, "stop_loss", d.Source)
}
