package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
)

// Client is the uniform capability contract one exchange adapter must
// satisfy. Implementations classify every error into the core taxonomy at
// this boundary; callers branch with errors.Is and never see raw API codes.
type Client interface {
	Name() string

	// Connect and Disconnect are idempotent. Connect verifies credentials
	// with a signed probe, so a bad key fails here rather than on the first
	// order.
	Connect(ctx context.Context) error
	Disconnect() error

	// HealthCheck is a lightweight liveness probe, distinct from the
	// business-level reconciliation pass.
	HealthCheck(ctx context.Context) error

	GetRules(ctx context.Context, symbol string) (core.Rules, error)
	GetTicker(ctx context.Context, symbol string) (core.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.Kline, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]core.MarketTrade, error)

	GetBalances(ctx context.Context) ([]core.Balance, error)
	GetPosition(ctx context.Context, symbol string) (core.Position, error)

	// Mutating calls are idempotent under retry keyed by the caller-supplied
	// correlation id, and are logged with that id before submission.
	CreateOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	GetOrder(ctx context.Context, symbol, orderID, correlationID string) (core.Order, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]core.Order, error)

	// One-time setup. Startup aborts if either fails.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode core.MarginMode) error

	// NewCorrelationID mints a client order id in the adapter's accepted
	// format.
	NewCorrelationID() string

	// StreamTransport returns the streaming transport for this exchange,
	// driven by the stream supervisor rather than by the client itself.
	StreamTransport() Transport
}

// Transport is the raw streaming surface the supervisor drives. Read blocks
// until the next event, a heartbeat, or a transport failure.
type Transport interface {
	Dial(ctx context.Context) error
	Authenticate(ctx context.Context) error
	Subscribe(ctx context.Context, sub Subscription) error
	Read(ctx context.Context) (Event, error)
	Close() error
}

type Channel string

const (
	ChannelTicker    Channel = "ticker"
	ChannelOrderBook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
	ChannelUserData  Channel = "userdata"
)

type Subscription struct {
	Channel Channel
	Symbol  string
}

func (s Subscription) Key() string {
	return string(s.Channel) + ":" + s.Symbol
}

type EventKind int

const (
	EventHeartbeat EventKind = iota
	EventTicker
	EventOrderBook
	EventTrade
	EventOrderUpdate
	EventFill
)

// Event is one message off the stream. Exactly one payload pointer is set;
// none for EventHeartbeat.
type Event struct {
	Kind      EventKind
	Ticker    *core.Ticker
	OrderBook *core.OrderBook
	Trade     *core.MarketTrade
	Order     *core.Order
	Fill      *core.Fill
}

// Constructor builds a client from validated config.
type Constructor func(cfg config.ExchangeConfig, log *zap.Logger) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register installs a constructor under an exchange id. Adapters register
// themselves from init.
func Register(id string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = ctor
}

// New instantiates the adapter selected by cfg.ID.
func New(cfg config.ExchangeConfig, log *zap.Logger) (Client, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.ID]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q (registered: %v)", cfg.ID, Registered())
	}
	return ctor(cfg, log)
}

// Registered lists the installed exchange ids, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
