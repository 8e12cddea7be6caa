package alert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"gridtrader/internal/config"
	"gridtrader/internal/logger"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() {
			close(n.entered)
		})
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func (n *notifierSpy) first() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return ""
	}
	return n.msgs[0]
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("live", "BTCUSDT", spy, logger.Nop())
	require.NotNil(t, m)

	m.Important("runner_started", map[string]string{"a": "1"})
	m.Important("runner_stopped", map[string]string{"b": "2"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	assert.Equal(t, 2, spy.count())
	assert.Contains(t, spy.first(), "event: runner_started")
	assert.Contains(t, spy.first(), "symbol: BTCUSDT")
}

func TestManagerImportantNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManager("live", "BTCUSDT", spy, logger.Nop())
	require.NotNil(t, m)

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("notifier did not enter blocked state")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Important("spam", map[string]string{"i": "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() appears blocked when queue is full")
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestManagerTracksDroppedCountAndPendingWindow(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManagerWithOptions("live", "BTCUSDT", spy, logger.Nop(), ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 0,
	})
	require.NotNil(t, m)

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	// Fill the queue while the notifier is blocked, then force drops.
	m.Important("queue_fill", nil)
	for i := 0; i < 10; i++ {
		m.Important("spam", map[string]string{"i": "x"})
	}

	total, pending := m.droppedStats()
	assert.Equal(t, uint64(10), total)
	assert.Equal(t, uint64(10), pending)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestManagerPeriodicDroppedReportEmitsAndResetsWindow(t *testing.T) {
	obsCore, logs := observer.New(zap.WarnLevel)

	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManagerWithOptions("live", "BTCUSDT", spy, zap.New(obsCore), ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 40 * time.Millisecond,
	})
	require.NotNil(t, m)

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	m.Important("queue_fill", nil)
	for i := 0; i < 3; i++ {
		m.Important("spam", nil)
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for {
		if logs.FilterMessage("alert drops in window").Len() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("missing dropped report log")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, pending := m.droppedStats()
	assert.Equal(t, uint64(0), pending)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

func TestTelegramNotifierPostsSendMessage(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{
		Enabled:    true,
		BotToken:   "TOKEN",
		ChatID:     "42",
		APIBaseURL: srv.URL,
		TimeoutSec: 5,
	})
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Contains(t, gotBody, `"chat_id":"42"`)
	assert.Contains(t, gotBody, `"text":"hello"`)
}

func TestTelegramNotifierDisabledIsNoop(t *testing.T) {
	n := NewTelegramNotifier(config.TelegramConfig{Enabled: false})
	assert.NoError(t, n.Notify(context.Background(), "ignored"))
}
