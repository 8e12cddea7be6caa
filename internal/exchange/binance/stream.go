package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
)

// listenKeyKeepalive is well under the 60 minute expiry Binance enforces.
const listenKeyKeepalive = 25 * time.Minute

const readTimeout = 90 * time.Second

type readResult struct {
	ev  exchange.Event
	err error
}

// wsTransport implements exchange.Transport over two sockets: the combined
// market stream and the user-data stream behind a listenKey. Server pings
// surface as heartbeat events so the supervisor's liveness watchdog sees an
// idle-but-healthy market as alive.
type wsTransport struct {
	client *Client
	log    *zap.Logger

	mu        sync.Mutex
	market    *websocket.Conn
	user      *websocket.Conn
	listenKey string
	recv      chan readResult
	done      chan struct{}
	reqID     atomic.Int64
}

func newWSTransport(c *Client, log *zap.Logger) *wsTransport {
	return &wsTransport{client: c, log: log}
}

func (t *wsTransport) Dial(ctx context.Context) error {
	_ = t.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.recv = make(chan readResult, 256)
	t.done = make(chan struct{})

	endpoint := t.client.wsBaseURL + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return errors.Join(fmt.Errorf("dial %s: %w", endpoint, err), core.ErrTransient)
	}
	t.market = conn
	go t.readConn(conn, t.done, t.recv, t.parseMarket)
	return nil
}

// Authenticate opens the user-data stream: obtain a listenKey over signed
// REST, connect the second socket, keep the key alive in the background.
func (t *wsTransport) Authenticate(ctx context.Context) error {
	body, err := t.client.doRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, authAPIKey)
	if err != nil {
		return err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}
	if resp.ListenKey == "" {
		return errors.New("empty listen key")
	}

	endpoint := t.client.wsBaseURL + "/ws/" + resp.ListenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return errors.Join(err, core.ErrTransient)
	}

	t.mu.Lock()
	t.user = conn
	t.listenKey = resp.ListenKey
	done, recv := t.done, t.recv
	t.mu.Unlock()

	go t.readConn(conn, done, recv, t.parseUser)
	go t.keepAliveListenKey(done)
	return nil
}

func (t *wsTransport) Subscribe(ctx context.Context, sub exchange.Subscription) error {
	if sub.Channel == exchange.ChannelUserData {
		// Delivered by the listenKey socket; nothing to request.
		return nil
	}
	stream, err := streamName(sub)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.market
	t.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	req := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{stream},
		"id":     t.reqID.Add(1),
	}
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		return errors.Join(err, core.ErrTransient)
	}
	return nil
}

func (t *wsTransport) Read(ctx context.Context) (exchange.Event, error) {
	t.mu.Lock()
	recv, done := t.recv, t.done
	t.mu.Unlock()
	if recv == nil {
		return exchange.Event{}, errors.New("not connected")
	}
	select {
	case r := <-recv:
		return r.ev, r.err
	case <-done:
		return exchange.Event{}, errors.New("transport closed")
	case <-ctx.Done():
		return exchange.Event{}, ctx.Err()
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
	if t.market != nil {
		_ = t.market.Close()
		t.market = nil
	}
	if t.user != nil {
		_ = t.user.Close()
		t.user = nil
	}
	t.listenKey = ""
	return nil
}

// readConn pumps one socket into the shared receive channel. A server ping
// counts as liveness and is forwarded as a heartbeat event.
func (t *wsTransport) readConn(conn *websocket.Conn, done chan struct{}, recv chan readResult, parse func([]byte) (exchange.Event, bool)) {
	conn.SetPingHandler(func(appData string) error {
		_ = conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		select {
		case recv <- readResult{ev: exchange.Event{Kind: exchange.EventHeartbeat}}:
		default:
		}
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case recv <- readResult{err: errors.Join(err, core.ErrTransient)}:
			case <-done:
			}
			return
		}
		ev, ok := parse(data)
		if !ok {
			continue
		}
		select {
		case recv <- readResult{ev: ev}:
		case <-done:
			return
		}
	}
}

func (t *wsTransport) parseMarket(data []byte) (exchange.Event, bool) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return exchange.Event{}, false
	}
	switch env.EventType {
	case "bookTicker":
		var ev bookTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return exchange.Event{}, false
		}
		bid, ask := parseDec(ev.BidPrice), parseDec(ev.AskPrice)
		tick := core.Ticker{
			Symbol: ev.Symbol,
			Bid:    bid,
			Ask:    ask,
			Last:   bid.Add(ask).Div(two),
			Time:   time.UnixMilli(env.EventTime),
		}
		return exchange.Event{Kind: exchange.EventTicker, Ticker: &tick}, true
	case "aggTrade":
		var ev aggTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return exchange.Event{}, false
		}
		side := core.Buy
		if ev.BuyerMaker {
			side = core.Sell
		}
		trade := core.MarketTrade{
			Symbol: ev.Symbol,
			Side:   side,
			Price:  parseDec(ev.Price),
			Qty:    parseDec(ev.Qty),
			Time:   time.UnixMilli(ev.Time),
		}
		return exchange.Event{Kind: exchange.EventTrade, Trade: &trade}, true
	case "depthUpdate":
		var ev depthEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return exchange.Event{}, false
		}
		book := core.OrderBook{
			Symbol: ev.Symbol,
			Bids:   parseBook(ev.Bids),
			Asks:   parseBook(ev.Asks),
			Time:   time.UnixMilli(ev.Time),
		}
		return exchange.Event{Kind: exchange.EventOrderBook, OrderBook: &book}, true
	}
	return exchange.Event{}, false
}

func (t *wsTransport) parseUser(data []byte) (exchange.Event, bool) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return exchange.Event{}, false
	}
	switch env.EventType {
	case "ORDER_TRADE_UPDATE":
		var ev orderTradeUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return exchange.Event{}, false
		}
		o := ev.Order
		if o.ExecType == "TRADE" {
			fill := core.Fill{
				OrderID:       strconv.FormatInt(o.OrderID, 10),
				TradeID:       strconv.FormatInt(o.TradeID, 10),
				CorrelationID: o.ClientOrderID,
				Symbol:        o.Symbol,
				Side:          core.Side(o.Side),
				Price:         parseDec(o.LastPrice),
				Qty:           parseDec(o.LastQty),
				Fee:           parseDec(o.Commission),
				FeeAsset:      o.CommissionAsset,
				Sequence:      ev.EventTime,
				Time:          time.UnixMilli(o.TradeTime),
			}
			return exchange.Event{Kind: exchange.EventFill, Fill: &fill}, true
		}
		order := core.Order{
			ID:            strconv.FormatInt(o.OrderID, 10),
			CorrelationID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          core.Side(o.Side),
			Type:          core.OrderType(o.Type),
			Price:         parseDec(o.Price),
			Qty:           parseDec(o.Qty),
			FilledQty:     parseDec(o.CumQty),
			Status:        core.OrderStatus(o.Status),
			UpdatedAt:     time.UnixMilli(ev.EventTime),
		}
		return exchange.Event{Kind: exchange.EventOrderUpdate, Order: &order}, true
	case "listenKeyExpired":
		// Surfacing as heartbeat silence: keepalive failed and the user
		// socket will drop shortly; the supervisor reconnect handles it.
		return exchange.Event{}, false
	}
	return exchange.Event{}, false
}

func (t *wsTransport) keepAliveListenKey(done chan struct{}) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err := t.client.doRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", url.Values{}, authAPIKey)
			cancel()
			if err != nil {
				t.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

func streamName(sub exchange.Subscription) (string, error) {
	sym := strings.ToLower(sub.Symbol)
	switch sub.Channel {
	case exchange.ChannelTicker:
		return sym + "@bookTicker", nil
	case exchange.ChannelTrades:
		return sym + "@aggTrade", nil
	case exchange.ChannelOrderBook:
		return sym + "@depth20@100ms", nil
	}
	return "", fmt.Errorf("unsupported channel %q", sub.Channel)
}
