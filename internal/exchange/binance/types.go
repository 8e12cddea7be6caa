package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/core"
)

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolInfoResponse struct {
	Symbol            string `json:"symbol"`
	PricePrecision    int32  `json:"pricePrecision"`
	QuantityPrecision int32  `json:"quantityPrecision"`
	Filters           []struct {
		FilterType  string `json:"filterType"`
		MinQty      string `json:"minQty"`
		StepSize    string `json:"stepSize"`
		TickSize    string `json:"tickSize"`
		MinNotional string `json:"notional"`
	} `json:"filters"`
}

func parseRules(src symbolInfoResponse) core.Rules {
	rules := core.Rules{
		Symbol:        src.Symbol,
		PriceDecimals: src.PricePrecision,
		QtyDecimals:   src.QuantityPrecision,
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			rules.MinQty = parseDec(f.MinQty)
			rules.QtyStep = parseDec(f.StepSize)
		case "PRICE_FILTER":
			rules.PriceTick = parseDec(f.TickSize)
		case "MIN_NOTIONAL":
			if v := parseDec(f.MinNotional); v.Cmp(rules.MinNotional) > 0 {
				rules.MinNotional = v
			}
		}
	}
	return rules
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
	Time     int64  `json:"time"`
}

type priceTickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Time int64      `json:"T"`
}

type recentTradeResponse struct {
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

type balanceResponse struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

type positionRiskResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	UpdateTime       int64  `json:"updateTime"`
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) toOrder() core.Order {
	o := core.Order{
		ID:            strconv.FormatInt(r.OrderID, 10),
		CorrelationID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.Side(r.Side),
		Type:          core.OrderType(r.Type),
		Price:         parseDec(r.Price),
		Qty:           parseDec(r.OrigQty),
		FilledQty:     parseDec(r.ExecutedQty),
		Status:        core.OrderStatus(r.Status),
	}
	if r.Time > 0 {
		o.CreatedAt = time.UnixMilli(r.Time)
	}
	if r.UpdateTime > 0 {
		o.UpdatedAt = time.UnixMilli(r.UpdateTime)
	}
	return o
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// Stream payloads.

type streamEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
	Time     int64  `json:"E"`
}

type aggTradeEvent struct {
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	Time       int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type depthEvent struct {
	Symbol string     `json:"s"`
	Time   int64      `json:"T"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

type orderTradeUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		Type            string `json:"o"`
		Price           string `json:"p"`
		Qty             string `json:"q"`
		ExecType        string `json:"x"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		LastQty         string `json:"l"`
		CumQty          string `json:"z"`
		LastPrice       string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TradeTime       int64  `json:"T"`
		TradeID         int64  `json:"t"`
	} `json:"o"`
}

var two = decimal.NewFromInt(2)

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func parseBook(levels [][]string) []core.BookLevel {
	out := make([]core.BookLevel, 0, len(levels))
	for _, lv := range levels {
		if len(lv) < 2 {
			continue
		}
		out = append(out, core.BookLevel{Price: parseDec(lv[0]), Qty: parseDec(lv[1])})
	}
	return out
}
