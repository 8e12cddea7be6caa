package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
	"gridtrader/internal/logger"
)

var errClosed = errors.New("transport closed")

// fakeTransport scripts a streaming connection. Events pushed to the feed
// channel come out of Read; Close unblocks a pending Read.
type fakeTransport struct {
	mu         sync.Mutex
	feed       chan exchange.Event
	dials      int
	auths      int
	subscribed []string
	authErr    error
	subErrOnce error
	closed     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		feed:   make(chan exchange.Event, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.closed = make(chan struct{})
	return nil
}

func (f *fakeTransport) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths++
	return f.authErr
}

func (f *fakeTransport) Subscribe(ctx context.Context, sub exchange.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErrOnce != nil {
		err := f.subErrOnce
		f.subErrOnce = nil
		return err
	}
	f.subscribed = append(f.subscribed, sub.Key())
	return nil
}

func (f *fakeTransport) Read(ctx context.Context) (exchange.Event, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	select {
	case ev := <-f.feed:
		return ev, nil
	case <-closed:
		return exchange.Event{}, errClosed
	case <-ctx.Done():
		return exchange.Event{}, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) snapshot() (dials, auths int, subs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.auths, append([]string(nil), f.subscribed...)
}

func testCfg() config.StreamConfig {
	return config.StreamConfig{
		HeartbeatIntervalSec:      1,
		HeartbeatMaxMissed:        3,
		ReconnectInitialBackoffMs: 100,
		ReconnectMaxBackoffSec:    1,
	}
}

func waitForState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func TestConnectSubscribesAllBeforeSubscribed(t *testing.T) {
	tr := newFakeTransport()
	s := NewSupervisor(tr, testCfg(), logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Subscribe(ctx, exchange.Subscription{Channel: exchange.ChannelTicker, Symbol: "BTCUSDT"}))
	require.NoError(t, s.Subscribe(ctx, exchange.Subscription{Channel: exchange.ChannelUserData, Symbol: "BTCUSDT"}))

	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()

	waitForState(t, s, StateSubscribed, 2*time.Second)
	_, _, subs := tr.snapshot()
	assert.Len(t, subs, 2)

	cancel()
	<-done
	assert.Equal(t, StateDisconnected, s.State())
}

func TestMissedHeartbeatsDegradeThenReconnect(t *testing.T) {
	tr := newFakeTransport()
	s := NewSupervisor(tr, testCfg(), logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Subscribe(ctx, exchange.Subscription{Channel: exchange.ChannelTicker, Symbol: "BTCUSDT"}))

	seen := make(chan State, 64)
	go func() {
		for st := range s.StateChanges() {
			seen <- st
		}
	}()
	go func() { _ = s.Run(ctx) }()

	waitForState(t, s, StateSubscribed, 2*time.Second)

	// No traffic: the watchdog must count three misses, degrade, and force
	// a reconnect that resubscribes the ticker channel.
	var order []State
	deadline := time.After(10 * time.Second)
	sawDegraded, sawReconnecting := false, false
	for !(sawDegraded && sawReconnecting) {
		select {
		case st := <-seen:
			order = append(order, st)
			if st == StateDegraded {
				sawDegraded = true
			}
			if st == StateReconnecting {
				sawReconnecting = true
				assert.True(t, sawDegraded, "reconnecting before degraded: %v", order)
			}
		case <-deadline:
			t.Fatalf("no degrade/reconnect observed, transitions: %v", order)
		}
	}

	waitForState(t, s, StateSubscribed, 3*time.Second)
	dials, _, subs := tr.snapshot()
	assert.GreaterOrEqual(t, dials, 2)
	assert.GreaterOrEqual(t, len(subs), 2, "ticker resubscribed on reconnect")
}

func TestTrafficResetsMissCounter(t *testing.T) {
	tr := newFakeTransport()
	s := NewSupervisor(tr, testCfg(), logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = s.Run(ctx) }()
	waitForState(t, s, StateSubscribed, 2*time.Second)

	// Feed heartbeats for longer than the miss budget; the state must hold.
	for i := 0; i < 8; i++ {
		tr.feed <- exchange.Event{Kind: exchange.EventHeartbeat}
		time.Sleep(500 * time.Millisecond)
	}
	assert.Equal(t, StateSubscribed, s.State())
	assert.True(t, s.Healthy())
}

func TestPartialResubscriptionStaysReconnecting(t *testing.T) {
	tr := newFakeTransport()
	tr.subErrOnce = errors.New("subscribe refused")
	s := NewSupervisor(tr, testCfg(), logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Subscribe(ctx, exchange.Subscription{Channel: exchange.ChannelTicker, Symbol: "BTCUSDT"}))
	go func() { _ = s.Run(ctx) }()

	// First attempt fails mid-subscribe; the supervisor must pass through
	// Reconnecting before the retry lands Subscribed.
	sawReconnecting := false
	deadline := time.After(5 * time.Second)
	for !sawReconnecting {
		select {
		case st := <-s.StateChanges():
			if st == StateReconnecting {
				sawReconnecting = true
			}
			if st == StateSubscribed {
				t.Fatal("subscribed before failed subscription retried")
			}
		case <-deadline:
			t.Fatal("never entered reconnecting")
		}
	}
	waitForState(t, s, StateSubscribed, 3*time.Second)
}

func TestEventsAreForwarded(t *testing.T) {
	tr := newFakeTransport()
	s := NewSupervisor(tr, testCfg(), logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = s.Run(ctx) }()
	waitForState(t, s, StateSubscribed, 2*time.Second)

	tick := core.Ticker{Symbol: "BTCUSDT", Last: decimal.RequireFromString("9500")}
	tr.feed <- exchange.Event{Kind: exchange.EventTicker, Ticker: &tick}

	select {
	case ev := <-s.Events():
		require.Equal(t, exchange.EventTicker, ev.Kind)
		assert.True(t, ev.Ticker.Last.Equal(decimal.RequireFromString("9500")))
	case <-time.After(2 * time.Second):
		t.Fatal("event not forwarded")
	}
}
