// Package window owns the rolling, time-evicting set of active transactions
// for one window id. The manager is the sole writer of its histogram; every
// consumer-facing read returns an immutable copy.
package window

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jstrand/chainprice/internal/histogram"
	"github.com/jstrand/chainprice/internal/model"
)

// Config holds rolling window settings.
type Config struct {
	// TTL evicts transactions older than now-TTL at cleanup.
	TTL time.Duration

	// VizSampleSize bounds the value sample included in State.
	VizSampleSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Minute,
		VizSampleSize: 200,
	}
}

// State is an immutable snapshot of a window.
type State struct {
	WindowID     model.WindowID
	ActiveCount  int
	LastEstimate model.PriceEstimate
	VizSample    []float64 // BTC amounts
}

// Stats counts window mutations.
type Stats struct {
	Added   int64
	Removed int64
	Evicted int64
}

type txRecord struct {
	values     []model.Value
	insertedAt time.Time
}

type queueEntry struct {
	txID       string
	insertedAt time.Time
}

// Manager owns one window's transaction queue, index, and histogram.
type Manager struct {
	id     model.WindowID
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	hist  *histogram.Histogram
	queue []queueEntry
	index map[string]txRecord

	lastEstimate model.PriceEstimate
	stats        Stats
}

// NewManager creates an empty window.
func NewManager(id model.WindowID, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("window", id)
	return &Manager{
		id:     id,
		cfg:    cfg,
		logger: logger,
		hist:   histogram.New(logger),
		index:  make(map[string]txRecord),
	}
}

// ID returns the window id.
func (m *Manager) ID() model.WindowID { return m.id }

// AddTransaction records a transaction's values, mirroring each into the
// histogram. A txID already present is ignored; adds and any later remove
// for the same txID are applied in arrival order by the single ingestion
// writer.
func (m *Manager) AddTransaction(txID string, values []model.Value, at time.Time) {
	if txID == "" || len(values) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[txID]; exists {
		return
	}

	kept := make([]model.Value, 0, len(values))
	for _, v := range values {
		if v.BTC <= 0 {
			continue
		}
		m.hist.Add(v.BTC)
		kept = append(kept, v)
	}
	if len(kept) == 0 {
		return
	}

	m.index[txID] = txRecord{values: kept, insertedAt: at}
	m.queue = append(m.queue, queueEntry{txID: txID, insertedAt: at})
	m.stats.Added++
}

// RemoveTransaction evicts a transaction explicitly (replace-by-fee,
// conflict). Unknown txIDs are a no-op: the transaction may already have
// aged out. The queue entry is left behind as a tombstone and skipped at
// cleanup.
func (m *Manager) RemoveTransaction(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(txID)
}

func (m *Manager) removeLocked(txID string) bool {
	rec, ok := m.index[txID]
	if !ok {
		return false
	}
	for _, v := range rec.values {
		m.hist.Remove(v.BTC)
	}
	delete(m.index, txID)
	m.stats.Removed++
	return true
}

// TakeTransaction removes a transaction and returns its values, for moving
// it between windows on confirmation.
func (m *Manager) TakeTransaction(txID string) ([]model.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.index[txID]
	if !ok {
		return nil, false
	}
	m.removeLocked(txID)
	return rec.values, true
}

// Cleanup evicts transactions inserted before now-TTL and reports how many
// were evicted. Insertion times carry the upstream event timestamp and can
// arrive out of order, so the whole queue is scanned rather than stopping at
// the first live entry. Tombstoned entries (already removed explicitly) are
// compacted away; a re-added txID is only evicted by the queue entry matching
// its insertion time.
func (m *Manager) Cleanup(now time.Time) int {
	cutoff := now.Add(-m.cfg.TTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	kept := m.queue[:0]
	for _, e := range m.queue {
		rec, ok := m.index[e.txID]
		if !ok || !rec.insertedAt.Equal(e.insertedAt) {
			continue
		}
		if !e.insertedAt.Before(cutoff) {
			kept = append(kept, e)
			continue
		}
		if m.removeLocked(e.txID) {
			m.stats.Removed--
			m.stats.Evicted++
			evicted++
		}
	}
	m.queue = kept

	if evicted > 0 {
		m.logger.Debug("window cleanup",
			"evicted", evicted,
			"active", len(m.index),
		)
	}
	return evicted
}

// SetEstimate records the latest estimate for State.
func (m *Manager) SetEstimate(e model.PriceEstimate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEstimate = e
}

// State returns an immutable snapshot of the window.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample := make([]float64, 0, m.cfg.VizSampleSize)
	for _, rec := range m.index {
		for _, v := range rec.values {
			if len(sample) == cap(sample) {
				break
			}
			sample = append(sample, v.BTC)
		}
		if len(sample) == cap(sample) {
			break
		}
	}

	return State{
		WindowID:     m.id,
		ActiveCount:  len(m.index),
		LastEstimate: m.lastEstimate,
		VizSample:    sample,
	}
}

// Stats returns mutation counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ActiveCount returns the number of indexed transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// SnapshotHistogram deep-copies the histogram for the estimator.
func (m *Manager) SnapshotHistogram() *histogram.Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hist.Clone()
}

// HistogramCountAt returns the live count of the bin holding v.
func (m *Manager) HistogramCountAt(v float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hist.CountAt(v)
}

// SampleValues copies up to max window values for the convergence pass.
// Zero or negative max means all values.
func (m *Manager) SampleValues(max int) []model.Value {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Value, 0, 64)
	for _, rec := range m.index {
		for _, v := range rec.values {
			if max > 0 && len(out) >= max {
				return out
			}
			out = append(out, v)
		}
	}
	return out
}
