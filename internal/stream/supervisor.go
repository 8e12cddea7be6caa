package stream

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/exchange"
)

type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateSubscribed    State = "subscribed"
	StateDegraded      State = "degraded"
	StateReconnecting  State = "reconnecting"
)

// eventBuffer bounds the queue toward the consumer. The coordinator drains
// it in its own loop; the supervisor never calls back into business logic.
const eventBuffer = 1024

// Supervisor owns one streaming connection. It drives the transport through
// the connection state machine, watches heartbeat liveness, and reconnects
// with capped exponential backoff, re-issuing every active subscription
// before reporting Subscribed again.
type Supervisor struct {
	transport exchange.Transport
	cfg       config.StreamConfig
	log       *zap.Logger

	// Gate runs before every connect attempt; a circuit breaker can hold
	// redials during its cooldown. Nil means no gating.
	Gate func(ctx context.Context) error

	mu      sync.Mutex
	state   State
	subs    map[string]exchange.Subscription
	missed  int
	lastRx  time.Time
	events  chan exchange.Event
	changes chan State
}

func NewSupervisor(transport exchange.Transport, cfg config.StreamConfig, log *zap.Logger) *Supervisor {
	return &Supervisor{
		transport: transport,
		cfg:       cfg,
		log:       log,
		state:     StateDisconnected,
		subs:      make(map[string]exchange.Subscription),
		events:    make(chan exchange.Event, eventBuffer),
		changes:   make(chan State, 16),
	}
}

// Subscribe registers a subscription for the lifetime of the supervisor.
// Registered before Run, or while running; an active connection picks it up
// on the next (re)subscribe pass.
func (s *Supervisor) Subscribe(ctx context.Context, sub exchange.Subscription) error {
	s.mu.Lock()
	s.subs[sub.Key()] = sub
	live := s.state == StateSubscribed || s.state == StateAuthenticated
	s.mu.Unlock()
	if live {
		return s.transport.Subscribe(ctx, sub)
	}
	return nil
}

// Events is the queue of stream payloads toward the owning consumer.
func (s *Supervisor) Events() <-chan exchange.Event {
	return s.events
}

// StateChanges emits every transition. Best-effort: slow consumers miss
// intermediate states, never the channel itself.
func (s *Supervisor) StateChanges() <-chan State {
	return s.changes
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy reports whether stream data can currently be trusted. While
// Degraded or Reconnecting the consumer must fall back to REST for anything
// safety-critical.
func (s *Supervisor) Healthy() bool {
	return s.State() == StateSubscribed
}

// Run drives the connection until ctx is cancelled. Cancellation closes the
// transport and does not retry.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		_ = s.transport.Close()
		s.setState(StateDisconnected)
	}()

	backoff := time.Duration(s.cfg.ReconnectInitialBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(s.cfg.ReconnectMaxBackoffSec) * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Gate != nil {
			if err := s.Gate(ctx); err != nil {
				return err
			}
		}
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("stream connect failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff))
			s.setState(StateReconnecting)
			if !sleep(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = time.Duration(s.cfg.ReconnectInitialBackoffMs) * time.Millisecond

		err := s.readLoop(ctx)
		_ = s.transport.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("stream lost", zap.Error(err))
		s.setState(StateReconnecting)
		if !sleep(ctx, jitter(backoff)) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

// connect walks Disconnected/Reconnecting -> Connecting -> Authenticated ->
// Subscribed. Every registered subscription must succeed before Subscribed
// is declared; partial resubscription leaves the state for the caller's
// retry path.
func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(StateConnecting)
	if err := s.transport.Dial(ctx); err != nil {
		return err
	}
	if err := s.transport.Authenticate(ctx); err != nil {
		_ = s.transport.Close()
		return err
	}
	s.setState(StateAuthenticated)

	s.mu.Lock()
	subs := make([]exchange.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		if err := s.transport.Subscribe(ctx, sub); err != nil {
			_ = s.transport.Close()
			return err
		}
	}

	s.mu.Lock()
	s.missed = 0
	s.lastRx = time.Now()
	s.mu.Unlock()
	s.setState(StateSubscribed)
	s.log.Info("stream subscribed", zap.Int("subscriptions", len(subs)))
	return nil
}

func (s *Supervisor) readLoop(ctx context.Context) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchdog(watchCtx)

	for {
		ev, err := s.transport.Read(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.missed = 0
		s.lastRx = time.Now()
		s.mu.Unlock()
		if ev.Kind == exchange.EventHeartbeat {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchdog counts heartbeat intervals without traffic. Reaching the miss
// limit degrades the connection and closes the transport, which unblocks
// the read loop into the reconnect path.
func (s *Supervisor) watchdog(ctx context.Context) {
	interval := time.Duration(s.cfg.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if time.Since(s.lastRx) < interval {
				s.missed = 0
				s.mu.Unlock()
				continue
			}
			s.missed++
			missed := s.missed
			s.mu.Unlock()
			s.log.Warn("heartbeat missed", zap.Int("count", missed))
			if missed >= s.cfg.HeartbeatMaxMissed {
				s.setState(StateDegraded)
				_ = s.transport.Close()
				return
			}
		}
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	s.log.Info("connection state",
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	select {
	case s.changes <- next:
	default:
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

// jitter spreads reconnects by +-20%.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
