package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
)

type DriftKind string

const (
	// DriftMissingLocal: the exchange holds an order we do not know about.
	DriftMissingLocal DriftKind = "missing_local_order"
	// DriftMissingExchange: a locally tracked order no longer exists on the
	// exchange.
	DriftMissingExchange DriftKind = "missing_exchange_order"
	// DriftPositionMismatch: net position differs beyond tolerance.
	DriftPositionMismatch DriftKind = "position_mismatch"
)

type Drift struct {
	Kind  DriftKind
	Order core.Order
}

// Snapshot is one reconciliation observation of exchange truth.
type Snapshot struct {
	Time       time.Time
	OpenOrders []core.Order
	Position   core.Position
	Drifts     []Drift
}

// Report carries everything a reconciliation pass concluded. Corrections are
// never applied here; the coordinator owns all mutation.
type Report struct {
	Snapshot Snapshot
	// Adopt lists confirmed exchange orders unknown locally.
	Adopt []core.Order
	// Resolve lists confirmed locally tracked orders gone from the
	// exchange, with their authoritative final state.
	Resolve []core.Order
	// Position is the authoritative position captured with the snapshot.
	Position core.Position
	// TrustBreached is set exactly once per breach episode, when a position
	// mismatch has persisted across the configured consecutive snapshots.
	TrustBreached bool
	// TrustRestored is set once the same number of consecutive clean
	// snapshots has been observed after a breach.
	TrustRestored bool
}

// LocalView is the coordinator's read-only belief surface.
type LocalView interface {
	OpenOrders() []core.Order
	Position() core.Position
}

// Reconciler periodically fetches exchange truth over REST and compares it
// to local belief. A discrepancy must persist across ConfirmSnapshots
// consecutive passes before it is acted on, so an order that fills mid-check
// never causes a false escalation.
type Reconciler struct {
	client  exchange.Client
	local   LocalView
	cfg     config.HealthConfig
	symbol  string
	log     *zap.Logger
	reports chan Report

	history  []Snapshot
	streaks  map[string]int
	clean    int
	breached bool
}

func NewReconciler(client exchange.Client, local LocalView, cfg config.HealthConfig, symbol string, log *zap.Logger) *Reconciler {
	return &Reconciler{
		client:  client,
		local:   local,
		cfg:     cfg,
		symbol:  symbol,
		log:     log,
		reports: make(chan Report, 8),
		streaks: make(map[string]int),
	}
}

// Reports is the queue of reconciliation outcomes toward the coordinator.
func (r *Reconciler) Reports() <-chan Report {
	return r.reports
}

// Run executes one pass per interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(r.cfg.IntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Warn("reconciliation pass failed", zap.Error(err))
				continue
			}
			select {
			case r.reports <- report:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	orders, err := r.client.GetOpenOrders(ctx, r.symbol)
	if err != nil {
		return Report{}, err
	}
	pos, err := r.client.GetPosition(ctx, r.symbol)
	if err != nil {
		return Report{}, err
	}
	snap := Snapshot{
		Time:       time.Now(),
		OpenOrders: orders,
		Position:   pos,
	}
	snap.Drifts = r.detect(snap)
	return r.confirm(ctx, snap), nil
}

func (r *Reconciler) detect(snap Snapshot) []Drift {
	localOrders := r.local.OpenOrders()
	localByID := make(map[string]core.Order, len(localOrders))
	for _, o := range localOrders {
		localByID[o.ID] = o
	}
	exchangeByID := make(map[string]core.Order, len(snap.OpenOrders))
	for _, o := range snap.OpenOrders {
		exchangeByID[o.ID] = o
	}

	var drifts []Drift
	for id, o := range exchangeByID {
		if _, ok := localByID[id]; !ok {
			drifts = append(drifts, Drift{Kind: DriftMissingLocal, Order: o})
		}
	}
	for id, o := range localByID {
		if _, ok := exchangeByID[id]; !ok {
			drifts = append(drifts, Drift{Kind: DriftMissingExchange, Order: o})
		}
	}

	localPos := r.local.Position()
	diff := localPos.Qty.Sub(snap.Position.Qty).Abs()
	if diff.Cmp(r.cfg.PositionTolerance.Decimal) > 0 {
		drifts = append(drifts, Drift{Kind: DriftPositionMismatch})
	}
	return drifts
}

// confirm applies the consecutive-snapshot rule: each drift key must appear
// in ConfirmSnapshots passes in a row before it reaches the report.
func (r *Reconciler) confirm(ctx context.Context, snap Snapshot) Report {
	report := Report{Snapshot: snap, Position: snap.Position}

	r.history = append(r.history, snap)
	if len(r.history) > r.cfg.ConfirmSnapshots {
		r.history = r.history[1:]
	}

	present := make(map[string]Drift, len(snap.Drifts))
	for _, d := range snap.Drifts {
		present[driftKey(d)] = d
	}
	for key := range r.streaks {
		if _, ok := present[key]; !ok {
			delete(r.streaks, key)
		}
	}

	positionDrifted := false
	for key, d := range present {
		r.streaks[key]++
		if r.streaks[key] < r.cfg.ConfirmSnapshots {
			continue
		}
		switch d.Kind {
		case DriftMissingLocal:
			r.log.Warn("adopting unknown exchange order",
				zap.String("order_id", d.Order.ID),
				zap.String("correlation_id", d.Order.CorrelationID))
			report.Adopt = append(report.Adopt, d.Order)
		case DriftMissingExchange:
			resolved := r.resolveMissing(ctx, d.Order)
			r.log.Warn("local order gone from exchange",
				zap.String("order_id", d.Order.ID),
				zap.String("final_status", string(resolved.Status)))
			report.Resolve = append(report.Resolve, resolved)
		case DriftPositionMismatch:
			positionDrifted = true
		}
	}

	if positionDrifted {
		r.clean = 0
		if !r.breached {
			r.breached = true
			report.TrustBreached = true
			r.log.Error("position drift confirmed, trust breached")
		}
	} else if !r.hasDrift(DriftPositionMismatch) {
		r.clean++
		if r.breached && r.clean >= r.cfg.ConfirmSnapshots {
			r.breached = false
			r.clean = 0
			report.TrustRestored = true
			r.log.Info("position trust restored")
		}
	}
	return report
}

func (r *Reconciler) hasDrift(kind DriftKind) bool {
	for _, d := range r.history[len(r.history)-1].Drifts {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// resolveMissing queries the authoritative final state of an order the
// exchange no longer lists as open. Filled or canceled per history; not
// found at all resolves as canceled.
func (r *Reconciler) resolveMissing(ctx context.Context, o core.Order) core.Order {
	final, err := r.client.GetOrder(ctx, o.Symbol, o.ID, o.CorrelationID)
	if err != nil {
		o.Status = core.OrderCanceled
		return o
	}
	if final.Status.Open() {
		// Raced a fresh listing; leave untouched and let the next pass see
		// it as open again.
		return final
	}
	return final
}

func driftKey(d Drift) string {
	if d.Kind == DriftPositionMismatch {
		return string(d.Kind)
	}
	return string(d.Kind) + ":" + d.Order.ID
}
