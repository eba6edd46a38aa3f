// Package pipeline orchestrates the live estimation loop: ingesting the
// upstream value stream into rolling windows, evicting aged transactions,
// and periodically recomputing and broadcasting price estimates. The three
// stages run concurrently and communicate only through the single-writer
// window managers and the bounded broadcast registry, so a slow stage never
// stalls another.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jstrand/chainprice/internal/broadcast"
	"github.com/jstrand/chainprice/internal/converge"
	"github.com/jstrand/chainprice/internal/feed"
	"github.com/jstrand/chainprice/internal/model"
	"github.com/jstrand/chainprice/internal/window"
)

// minEstimateInterval caps the estimation cadence at 10 Hz.
const minEstimateInterval = 100 * time.Millisecond

// Config holds orchestrator settings.
type Config struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	CleanupInterval    time.Duration
	EstimateInterval   time.Duration

	// MaxSampleValues bounds the window values handed to the convergence
	// pass per tick. Zero means all.
	MaxSampleValues int

	Converge converge.Options
	Bands    []converge.Band
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		CleanupInterval:    60 * time.Second,
		EstimateInterval:   time.Second,
		MaxSampleValues:    50_000,
		Converge:           converge.DefaultOptions(),
		Bands:              converge.DefaultBands(),
	}
}

// Stats holds orchestrator counters.
type Stats struct {
	State          State
	EventsIngested int64
	UnknownWindow  int64
	Reconnects     int64
	Ticks          int64
	Evicted        int64
}

// Orchestrator runs the three pipeline stages over a set of windows.
type Orchestrator struct {
	cfg      Config
	source   feed.Source
	windows  map[model.WindowID]*window.Manager
	registry *broadcast.Registry
	logger   *slog.Logger

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// lastValid is touched only by the estimation goroutine.
	lastValid map[model.WindowID]model.PriceEstimate

	ingested      atomic.Int64
	unknownWindow atomic.Int64
	reconnects    atomic.Int64
	ticks         atomic.Int64
	evicted       atomic.Int64
}

// New creates an orchestrator. Windows maps each enabled window id to its
// manager; there must be at least one.
func New(
	cfg Config,
	source feed.Source,
	windows map[model.WindowID]*window.Manager,
	registry *broadcast.Registry,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EstimateInterval < minEstimateInterval {
		logger.Warn("estimate interval below cap, clamping",
			"requested", cfg.EstimateInterval,
			"min", minEstimateInterval,
		)
		cfg.EstimateInterval = minEstimateInterval
	}

	o := &Orchestrator{
		cfg:       cfg,
		source:    source,
		windows:   windows,
		registry:  registry,
		logger:    logger,
		lastValid: make(map[model.WindowID]model.PriceEstimate),
	}
	o.state.Store(int32(StateInit))
	return o
}

// Start dials the feed and launches the three stages. A failed initial dial
// starts the pipeline degraded; ingestion keeps retrying with backoff.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.group, o.ctx = errgroup.WithContext(o.ctx)

	client, err := o.source.Dial(o.ctx)
	if err != nil {
		o.logger.Warn("initial feed dial failed, starting degraded", "error", err)
		o.setState(StateDegraded)
	} else {
		o.setState(StateConnected)
	}

	o.group.Go(func() error { return o.ingestLoop(client) })
	o.group.Go(func() error { return o.cleanupLoop() })
	o.group.Go(func() error { return o.estimateLoop() })

	if client != nil {
		o.setState(StateStreaming)
	}

	o.logger.Info("pipeline started",
		"windows", len(o.windows),
		"cleanup_interval", o.cfg.CleanupInterval,
		"estimate_interval", o.cfg.EstimateInterval,
	)
	return nil
}

// Stop cancels all stages and waits for them to drain. Histogram mutation
// is atomic per call, so cancellation mid-stream loses at most one in-flight
// event and never leaves a torn aggregate.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.logger.Info("stopping pipeline")

	if o.cancel != nil {
		o.cancel()
	}
	if o.group == nil {
		// Never started; nothing to drain.
		o.setState(StateStopped)
		return nil
	}

	done := make(chan struct{})
	go func() {
		o.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("pipeline stopped")
	case <-ctx.Done():
		o.logger.Warn("pipeline stop timed out")
	}

	o.setState(StateStopped)
	return nil
}

// Stats returns current counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		State:          o.Status(),
		EventsIngested: o.ingested.Load(),
		UnknownWindow:  o.unknownWindow.Load(),
		Reconnects:     o.reconnects.Load(),
		Ticks:          o.ticks.Load(),
		Evicted:        o.evicted.Load(),
	}
}

// WindowState returns the snapshot of one window, if it exists.
func (o *Orchestrator) WindowState(id model.WindowID) (window.State, bool) {
	m, ok := o.windows[id]
	if !ok {
		return window.State{}, false
	}
	return m.State(), true
}

// ingestLoop consumes the feed, applying each event to its window. On a
// connection error it transitions to degraded and redials with capped
// exponential backoff.
func (o *Orchestrator) ingestLoop(client feed.Client) error {
	defer func() {
		if client != nil {
			client.Close()
		}
	}()

	for {
		if client == nil {
			client = o.redial()
			if client == nil {
				return nil // cancelled
			}
			o.setState(StateStreaming)
		}

		select {
		case <-o.ctx.Done():
			return nil

		case err := <-client.Errors():
			o.logger.Warn("feed connection lost", "error", err)
			o.setState(StateDegraded)
			client.Close()
			client = nil

		case ev, ok := <-client.Events():
			if !ok {
				o.setState(StateDegraded)
				client.Close()
				client = nil
				continue
			}
			o.apply(ev)
		}
	}
}

// redial retries the feed with exponential backoff until connected or
// cancelled.
func (o *Orchestrator) redial() feed.Client {
	wait := o.cfg.ReconnectBaseDelay

	for {
		select {
		case <-o.ctx.Done():
			return nil
		case <-time.After(wait):
		}

		o.logger.Info("reconnecting feed")
		client, err := o.source.Dial(o.ctx)
		if err == nil {
			o.reconnects.Add(1)
			o.logger.Info("feed reconnected")
			return client
		}

		o.logger.Warn("feed reconnect failed", "error", err, "next_wait", wait*2)
		wait *= 2
		if wait > o.cfg.ReconnectMaxDelay {
			wait = o.cfg.ReconnectMaxDelay
		}
	}
}

// apply dispatches one event to its window. The switch over event kinds is
// exhaustive; unknown windows are counted and dropped.
func (o *Orchestrator) apply(ev model.ValueEvent) {
	mgr, ok := o.windows[ev.Window]
	if !ok {
		o.unknownWindow.Add(1)
		return
	}

	switch ev.Kind {
	case model.EventAdd:
		values := make([]model.Value, 0, len(ev.Values))
		for _, d := range ev.Values {
			values = append(values, model.ValueFromDecimal(d))
		}
		mgr.AddTransaction(ev.TxID, values, ev.Timestamp)

	case model.EventRemove:
		mgr.RemoveTransaction(ev.TxID)

	case model.EventConfirm:
		// Confirmation moves a mempool transaction into the baseline
		// window when one is configured, preserving its values.
		baseline, hasBaseline := o.windows[model.WindowBaseline]
		if mempool, ok := o.windows[model.WindowMempool]; ok {
			if values, found := mempool.TakeTransaction(ev.TxID); found && hasBaseline {
				baseline.AddTransaction(ev.TxID, values, ev.Timestamp)
			}
		}
	}

	o.ingested.Add(1)
}

// cleanupLoop evicts aged transactions on its own cadence, decoupled from
// ingestion so a slow sweep never blocks incoming events.
func (o *Orchestrator) cleanupLoop() error {
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()
			for _, m := range o.windows {
				o.evicted.Add(int64(m.Cleanup(now)))
			}
		}
	}
}

// estimateLoop recomputes and broadcasts estimates for every window on each
// tick.
func (o *Orchestrator) estimateLoop() error {
	ticker := time.NewTicker(o.cfg.EstimateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return nil
		case <-ticker.C:
			o.ticks.Add(1)
			now := time.Now()
			for id, m := range o.windows {
				est := o.estimateWindow(id, m, now)
				o.registry.Publish(model.SnapshotFrom(est, id))
			}
		}
	}
}
