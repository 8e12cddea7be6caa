package grid

import (
	"errors"

	"github.com/shopspring/decimal"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
)

var (
	ErrInvalidRange = errors.New("invalid price range")
	ErrOutOfRange   = errors.New("index out of range")
)

var half = decimal.NewFromFloat(0.5)

// Ladder is the arithmetic price ladder. It is a pure value: levels are
// addressed by integer index, index 0 at the lower boundary, and prices are
// quantized once here so every consumer sees the exact same level price.
type Ladder struct {
	typ           config.GridType
	interval      decimal.Decimal
	base          decimal.Decimal
	count         int
	amount        decimal.Decimal
	multiplier    decimal.Decimal
	origin        int
	priceDecimals int32
	qtyDecimals   int32
}

// NewFixed builds a ladder spanning [lower, upper]. The range must be an
// exact multiple of the interval (validated at config load).
func NewFixed(cfg config.GridConfig) (*Ladder, error) {
	if cfg.Interval.Cmp(decimal.Zero) <= 0 {
		return nil, ErrInvalidRange
	}
	if err := checkPrecision(cfg); err != nil {
		return nil, err
	}
	span := cfg.UpperPrice.Sub(cfg.LowerPrice.Decimal)
	if span.Cmp(decimal.Zero) <= 0 {
		return nil, ErrInvalidRange
	}
	count := int(span.Div(cfg.Interval.Decimal).IntPart())
	if count < 1 {
		return nil, ErrInvalidRange
	}
	return &Ladder{
		typ:           cfg.Type,
		interval:      cfg.Interval.Decimal,
		base:          core.Quantize(cfg.LowerPrice.Decimal, cfg.PriceDecimals),
		count:         count,
		amount:        cfg.Amount.Decimal,
		multiplier:    cfg.Multiplier.Decimal,
		priceDecimals: cfg.PriceDecimals,
		qtyDecimals:   cfg.QtyDecimals,
	}, nil
}

// NewFollow builds a ladder anchored to a live reference price. Long grids
// keep the upper boundary offsetGrids above the reference; short grids
// mirror around the lower boundary.
func NewFollow(cfg config.GridConfig, reference decimal.Decimal) (*Ladder, error) {
	if cfg.Interval.Cmp(decimal.Zero) <= 0 || cfg.GridCount < 1 {
		return nil, ErrInvalidRange
	}
	if reference.Cmp(decimal.Zero) <= 0 {
		return nil, ErrInvalidRange
	}
	if err := checkPrecision(cfg); err != nil {
		return nil, err
	}
	l := &Ladder{
		typ:           cfg.Type,
		interval:      cfg.Interval.Decimal,
		count:         cfg.GridCount,
		amount:        cfg.Amount.Decimal,
		multiplier:    cfg.Multiplier.Decimal,
		priceDecimals: cfg.PriceDecimals,
		qtyDecimals:   cfg.QtyDecimals,
	}
	offset := cfg.Interval.Mul(decimal.NewFromInt(int64(cfg.PriceOffsetGrids)))
	span := cfg.Interval.Mul(decimal.NewFromInt(int64(cfg.GridCount)))
	if cfg.Type.Long() {
		upper := core.Quantize(reference.Add(offset), cfg.PriceDecimals)
		l.base = upper.Sub(span)
	} else {
		l.base = core.Quantize(reference.Sub(offset), cfg.PriceDecimals)
	}
	if l.base.Cmp(decimal.Zero) <= 0 {
		return nil, ErrInvalidRange
	}
	return l, nil
}

// Recompute rebuilds the follow boundaries from a new reference price. The
// result depends only on the reference, so recomputing with an unchanged
// price returns an identical ladder.
func (l *Ladder) Recompute(cfg config.GridConfig, reference decimal.Decimal) (*Ladder, error) {
	next, err := NewFollow(cfg, reference)
	if err != nil {
		return nil, err
	}
	next.origin = clamp(l.origin, 0, next.count)
	return next, nil
}

// NeedsShift reports whether the reference price has drifted at least
// followDistance beyond the ladder edge on the tracked side.
func (l *Ladder) NeedsShift(reference, followDistance decimal.Decimal) bool {
	if followDistance.Cmp(decimal.Zero) <= 0 {
		return false
	}
	if l.typ.Long() {
		return reference.Sub(l.Upper()).Cmp(followDistance) >= 0 ||
			l.Lower().Sub(reference).Cmp(followDistance) >= 0
	}
	return l.Lower().Sub(reference).Cmp(followDistance) >= 0 ||
		reference.Sub(l.Upper()).Cmp(followDistance) >= 0
}

// PriceAt returns the quantized price for a level index.
func (l *Ladder) PriceAt(i int) decimal.Decimal {
	p := l.base.Add(l.interval.Mul(decimal.NewFromInt(int64(i))))
	return core.Quantize(p, l.priceDecimals)
}

// IndexAt returns the in-range index whose price is nearest to p. A price
// exactly between two levels resolves to the lower index.
func (l *Ladder) IndexAt(p decimal.Decimal) int {
	ratio := p.Sub(l.base).Div(l.interval)
	idx := int(ratio.Sub(half).Ceil().IntPart())
	return clamp(idx, 0, l.count)
}

// AmountAt returns the order quantity for a level. Martingale grids scale
// the base amount by multiplier^distance from the origin level.
func (l *Ladder) AmountAt(i int) decimal.Decimal {
	amt := l.amount
	if l.typ.Martingale() {
		dist := i - l.origin
		if dist < 0 {
			dist = -dist
		}
		if dist > 0 {
			amt = amt.Mul(l.multiplier.Pow(decimal.NewFromInt(int64(dist))))
		}
	}
	return core.Quantize(amt, l.qtyDecimals)
}

// SetOrigin pins the martingale origin level. Out-of-range values clamp.
func (l *Ladder) SetOrigin(i int) {
	l.origin = clamp(i, 0, l.count)
}

func (l *Ladder) Origin() int { return l.origin }

func (l *Ladder) Type() config.GridType { return l.typ }

func (l *Ladder) Interval() decimal.Decimal { return l.interval }

func (l *Ladder) MinIndex() int { return 0 }

func (l *Ladder) MaxIndex() int { return l.count }

func (l *Ladder) InRange(i int) bool { return i >= 0 && i <= l.count }

func (l *Ladder) Lower() decimal.Decimal { return l.PriceAt(0) }

func (l *Ladder) Upper() decimal.Decimal { return l.PriceAt(l.count) }

// Prices lists every level price in index order.
func (l *Ladder) Prices() []decimal.Decimal {
	out := make([]decimal.Decimal, l.count+1)
	for i := 0; i <= l.count; i++ {
		out[i] = l.PriceAt(i)
	}
	return out
}

// checkPrecision refuses configs where quantizing the interval or amount
// would change them, which would silently break the spacing invariant.
func checkPrecision(cfg config.GridConfig) error {
	if !core.Quantize(cfg.Interval.Decimal, cfg.PriceDecimals).Equal(cfg.Interval.Decimal) {
		return core.ErrPrecisionConfig
	}
	if !core.Quantize(cfg.Amount.Decimal, cfg.QtyDecimals).Equal(cfg.Amount.Decimal) {
		return core.ErrPrecisionConfig
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
