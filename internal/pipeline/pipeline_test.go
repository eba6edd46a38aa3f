package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jstrand/chainprice/internal/broadcast"
	"github.com/jstrand/chainprice/internal/feed"
	"github.com/jstrand/chainprice/internal/model"
	"github.com/jstrand/chainprice/internal/window"
)

// fakeClient satisfies feed.Client with caller-fed channels.
type fakeClient struct {
	events chan model.ValueEvent
	errs   chan error
	closed atomic.Bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		events: make(chan model.ValueEvent, 64),
		errs:   make(chan error, 1),
	}
}

func (c *fakeClient) Events() <-chan model.ValueEvent { return c.events }
func (c *fakeClient) Errors() <-chan error            { return c.errs }
func (c *fakeClient) Close() error                    { c.closed.Store(true); return nil }
func (c *fakeClient) IsConnected() bool               { return !c.closed.Load() }
func (c *fakeClient) Stats() feed.Stats               { return feed.Stats{} }

// fakeSource hands out queued clients, then fails.
type fakeSource struct {
	clients chan feed.Client
	dials   atomic.Int32
}

func (s *fakeSource) Dial(ctx context.Context) (feed.Client, error) {
	s.dials.Add(1)
	select {
	case c := <-s.clients:
		return c, nil
	default:
		return nil, errors.New("no upstream")
	}
}

func newOrchestrator(t *testing.T, windows map[model.WindowID]*window.Manager) (*Orchestrator, *fakeSource, *broadcast.Registry) {
	t.Helper()
	src := &fakeSource{clients: make(chan feed.Client, 4)}
	registry := broadcast.NewRegistry(16, nil)

	cfg := DefaultConfig()
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 10 * time.Millisecond
	return New(cfg, src, windows, registry, nil), src, registry
}

func addEvent(txID string, window model.WindowID, btc ...string) model.ValueEvent {
	values := make([]decimal.Decimal, 0, len(btc))
	for _, s := range btc {
		values = append(values, decimal.RequireFromString(s))
	}
	return model.ValueEvent{
		Kind:      model.EventAdd,
		TxID:      txID,
		Values:    values,
		Window:    window,
		Timestamp: time.Now(),
	}
}

func TestApplyAdd(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, _, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})

	o.apply(addEvent("tx1", model.WindowMempool, "0.00012345", "0.0543"))

	if got := mempool.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
	if got := mempool.HistogramCountAt(0.00012345); got != 1 {
		t.Errorf("HistogramCountAt = %v, want 1", got)
	}
	if got := o.Stats().EventsIngested; got != 1 {
		t.Errorf("EventsIngested = %d, want 1", got)
	}
}

func TestApplyRemove(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, _, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})

	o.apply(addEvent("tx1", model.WindowMempool, "0.00012345"))
	o.apply(model.ValueEvent{Kind: model.EventRemove, TxID: "tx1", Window: model.WindowMempool})

	if got := mempool.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
}

func TestApplyConfirmMovesToBaseline(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	baseline := window.NewManager(model.WindowBaseline, window.DefaultConfig(), nil)
	o, _, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool:  mempool,
		model.WindowBaseline: baseline,
	})

	o.apply(addEvent("tx1", model.WindowMempool, "0.00012345"))
	o.apply(model.ValueEvent{
		Kind:      model.EventConfirm,
		TxID:      "tx1",
		Window:    model.WindowBaseline,
		Timestamp: time.Now(),
	})

	if got := mempool.ActiveCount(); got != 0 {
		t.Errorf("mempool ActiveCount = %d, want 0", got)
	}
	if got := baseline.ActiveCount(); got != 1 {
		t.Errorf("baseline ActiveCount = %d, want 1", got)
	}
	if got := baseline.HistogramCountAt(0.00012345); got != 1 {
		t.Errorf("baseline HistogramCountAt = %v, want 1", got)
	}
}

func TestApplyConfirmUnknownTx(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	baseline := window.NewManager(model.WindowBaseline, window.DefaultConfig(), nil)
	o, _, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool:  mempool,
		model.WindowBaseline: baseline,
	})

	o.apply(model.ValueEvent{Kind: model.EventConfirm, TxID: "ghost", Window: model.WindowBaseline})

	if got := baseline.ActiveCount(); got != 0 {
		t.Errorf("baseline ActiveCount = %d, want 0", got)
	}
}

func TestApplyUnknownWindowCounted(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, _, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})

	o.apply(addEvent("tx1", model.WindowBaseline, "0.001"))

	if got := o.Stats().UnknownWindow; got != 1 {
		t.Errorf("UnknownWindow = %d, want 1", got)
	}
	if got := mempool.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
}

func TestEstimateWindowProducesPrice(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, _, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})

	fillWindow(mempool, 50000, 99)

	est := o.estimateWindow(model.WindowMempool, mempool, time.Now())

	if !est.Valid {
		t.Fatal("estimate invalid, want valid")
	}
	if est.Stale {
		t.Error("fresh estimate flagged stale")
	}
	if est.Price < 45000 || est.Price > 55000 {
		t.Errorf("Price = %v, want within 10%% of 50000", est.Price)
	}
	if est.SampleSize < DefaultConfig().Converge.MinPoints {
		t.Errorf("SampleSize = %d, want >= %d", est.SampleSize, DefaultConfig().Converge.MinPoints)
	}

	// The window snapshot carries the estimate now.
	if got := mempool.State().LastEstimate.Price; got != est.Price {
		t.Errorf("window LastEstimate.Price = %v, want %v", got, est.Price)
	}
}

func TestEstimateWindowStaleFallback(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, _, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})

	// Empty window, no history: invalid.
	est := o.estimateWindow(model.WindowMempool, mempool, time.Now())
	if est.Valid {
		t.Fatal("estimate on empty window valid, want invalid")
	}

	// Produce one valid estimate, then drain the window.
	fillWindow(mempool, 50000, 7)
	valid := o.estimateWindow(model.WindowMempool, mempool, time.Now())
	if !valid.Valid {
		t.Fatal("estimate invalid after fill, want valid")
	}
	for i := 0; i < 1000; i++ {
		mempool.RemoveTransaction(txID(i))
	}

	stale := o.estimateWindow(model.WindowMempool, mempool, time.Now())
	if !stale.Valid {
		t.Fatal("fallback estimate invalid, want previous valid")
	}
	if !stale.Stale {
		t.Error("fallback estimate not flagged stale")
	}
	if stale.Price != valid.Price {
		t.Errorf("fallback Price = %v, want carried %v", stale.Price, valid.Price)
	}

	// State readers must see the staleness flag too, not the carried
	// estimate presented as fresh.
	last := mempool.State().LastEstimate
	if !last.Stale {
		t.Error("window LastEstimate not flagged stale")
	}
	if last.Price != valid.Price {
		t.Errorf("window LastEstimate.Price = %v, want carried %v", last.Price, valid.Price)
	}
}

func TestStartDegradedWhenDialFails(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, src, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})
	// src has no queued clients: every dial fails.

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	if got := o.Status(); got != StateDegraded {
		t.Errorf("Status = %v, want degraded", got)
	}
	if got := src.dials.Load(); got < 1 {
		t.Errorf("dials = %d, want >= 1", got)
	}
}

func TestIngestAndRedial(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, src, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})

	first := newFakeClient()
	second := newFakeClient()
	src.clients <- first
	src.clients <- second

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	first.events <- addEvent("tx1", model.WindowMempool, "0.001234")
	waitFor(t, func() bool { return mempool.ActiveCount() == 1 })

	// Kill the first connection; ingestion must redial and keep going.
	first.errs <- errors.New("connection reset")
	second.events <- addEvent("tx2", model.WindowMempool, "0.005678")
	waitFor(t, func() bool { return mempool.ActiveCount() == 2 })

	if got := o.Stats().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
	if got := o.Status(); got != StateStreaming {
		t.Errorf("Status = %v, want streaming", got)
	}
	if !first.closed.Load() {
		t.Error("failed client not closed")
	}
}

func TestEstimateLoopPublishes(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	src := &fakeSource{clients: make(chan feed.Client, 1)}
	src.clients <- newFakeClient()
	registry := broadcast.NewRegistry(16, nil)

	cfg := DefaultConfig()
	cfg.EstimateInterval = 100 * time.Millisecond
	o := New(cfg, src, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	}, registry, nil)

	fillWindow(mempool, 50000, 5)

	sub := registry.Subscribe()
	defer sub.Cancel()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	select {
	case snap := <-sub.C:
		if snap.WindowID != model.WindowMempool {
			t.Errorf("WindowID = %q, want mempool", snap.WindowID)
		}
		if !snap.Valid {
			t.Error("published snapshot invalid, want valid")
		}
		if snap.Price < 45000 || snap.Price > 55000 {
			t.Errorf("Price = %v, want within 10%% of 50000", snap.Price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published within 2s")
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, src, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})
	src.clients <- newFakeClient()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop(t, o)

	if got := o.Status(); got != StateStopped {
		t.Errorf("Status = %v, want stopped", got)
	}
}

func TestStopBeforeStart(t *testing.T) {
	mempool := window.NewManager(model.WindowMempool, window.DefaultConfig(), nil)
	o, _, _ := newOrchestrator(t, map[model.WindowID]*window.Manager{
		model.WindowMempool: mempool,
	})

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if got := o.Status(); got != StateStopped {
		t.Errorf("Status = %v, want stopped", got)
	}
}

func TestEstimateIntervalClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EstimateInterval = time.Millisecond

	o := New(cfg, &fakeSource{clients: make(chan feed.Client)}, nil, broadcast.NewRegistry(1, nil), nil)

	if got := o.cfg.EstimateInterval; got != minEstimateInterval {
		t.Errorf("EstimateInterval = %v, want clamped to %v", got, minEstimateInterval)
	}
}

// fillWindow populates a window with jittered round-dollar spends at the
// given USD price, enough for both the stencil and the convergence pass.
func fillWindow(m *window.Manager, price float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	notes := []float64{5, 10, 20, 50, 100}
	at := time.Now()

	n := 0
	for _, note := range notes {
		for i := 0; i < 200; i++ {
			btc := note / price * (1 + 0.3*(rng.Float64()-0.5))
			sats := int64(btc * 1e8)
			if sats%1000 == 0 {
				sats++ // keep synthetic values off the round-satoshi grid
			}
			m.AddTransaction(txID(n), []model.Value{{BTC: btc, Sats: sats}}, at)
			n++
		}
	}
}

func txID(i int) string {
	return fmt.Sprintf("synthetic-%d", i)
}

func stop(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
