package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type MarginMode string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderPending         OrderStatus = "PENDING"
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Open reports whether the order can still trade.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderNew || s == OrderPartiallyFilled
}

type Order struct {
	ID            string
	CorrelationID string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	Status        OrderStatus
	GridIndex     int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fill is one execution reported by the exchange. Sequence carries the
// exchange-side ordering key used to drop stale events after a reconnect.
type Fill struct {
	OrderID       string
	TradeID       string
	CorrelationID string
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	Sequence      int64
	Time          time.Time
}

type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Time   time.Time
}

type BookLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

type OrderBook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
	Time   time.Time
}

type Kline struct {
	Symbol   string
	Interval string
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Closed   bool
}

type MarketTrade struct {
	Symbol string
	Side   Side
	Price  decimal.Decimal
	Qty    decimal.Decimal
	Time   time.Time
}

type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Position is the net exposure for one symbol. Qty is signed: positive for
// long, negative for short.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Leverage      int
	MarginMode    MarginMode
	UpdatedAt     time.Time
}

func (p Position) Flat() bool {
	return p.Qty.IsZero()
}

type Rules struct {
	Symbol        string
	PriceTick     decimal.Decimal
	QtyStep       decimal.Decimal
	MinQty        decimal.Decimal
	MinNotional   decimal.Decimal
	PriceDecimals int32
	QtyDecimals   int32
}
