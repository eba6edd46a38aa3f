package pipeline

import (
	"errors"
	"time"

	"github.com/jstrand/chainprice/internal/converge"
	"github.com/jstrand/chainprice/internal/model"
	"github.com/jstrand/chainprice/internal/stencil"
	"github.com/jstrand/chainprice/internal/window"
)

// estimateWindow runs one full estimation pass over a window snapshot:
// smooth round-BTC artifacts, normalize, slide the stencils for a rough
// price, then converge on the robust final price. Any failure falls back to
// the previous valid estimate flagged stale; a failed tick never surfaces as
// an error. Every tick's outcome, stale fallbacks included, is recorded on
// the manager so state readers see the staleness flag rather than the old
// estimate presented as fresh.
func (o *Orchestrator) estimateWindow(id model.WindowID, m *window.Manager, now time.Time) model.PriceEstimate {
	est := o.computeEstimate(id, m, now)
	m.SetEstimate(est)
	return est
}

func (o *Orchestrator) computeEstimate(id model.WindowID, m *window.Manager, now time.Time) model.PriceEstimate {
	hist := m.SnapshotHistogram()
	hist.SmoothRoundBTC()
	if !hist.Normalize() {
		return o.staleFallback(id, now)
	}

	rough := stencil.FindPrice(hist.Counts())
	if !rough.Valid {
		o.logger.Debug("no stencil match", "window", id)
		return o.staleFallback(id, now)
	}

	values := m.SampleValues(o.cfg.MaxSampleValues)
	points := converge.CollectPoints(values, rough.Price, o.cfg.Bands)

	est, err := converge.Refine(rough.Price, points, now, o.cfg.Converge)
	if err != nil {
		if !errors.Is(err, converge.ErrInsufficientData) {
			o.logger.Warn("estimation failed", "window", id, "error", err)
		}
		return o.staleFallback(id, now)
	}

	if !est.Converged {
		o.logger.Warn("price refinement hit iteration cap",
			"window", id,
			"price", est.Price,
			"iterations", est.Iterations,
		)
	}

	o.lastValid[id] = est
	return est
}

// staleFallback returns the previous valid estimate marked stale, or an
// invalid zero estimate when none exists yet. A stale estimate is never
// presented as fresh.
func (o *Orchestrator) staleFallback(id model.WindowID, now time.Time) model.PriceEstimate {
	prev, ok := o.lastValid[id]
	if !ok {
		return model.PriceEstimate{Timestamp: now, Valid: false}
	}
	prev.Stale = true
	return prev
}
