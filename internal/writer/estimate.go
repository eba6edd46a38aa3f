package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jstrand/chainprice/internal/broadcast"
	"github.com/jstrand/chainprice/internal/config"
	"github.com/jstrand/chainprice/internal/model"
)

// estimateRow is the flattened form written to the price_estimates table.
type estimateRow struct {
	Instance   string
	WindowID   string
	Price      float64
	Confidence float64
	SampleSize int64
	Valid      bool
	Stale      bool
	Ts         int64 // estimate timestamp, epoch micros
	RecordedAt int64 // insert-side timestamp, epoch micros
}

// Metrics holds recorder counters.
type Metrics struct {
	Inserts int64
	Flushes int64
	Errors  int64
	Skipped int64 // invalid snapshots not recorded
}

// EstimateRecorder consumes snapshots from a broadcast subscription and
// writes them to the price_estimates table.
type EstimateRecorder struct {
	cfg      config.WriterConfig
	instance string
	logger   *slog.Logger

	// Input from the broadcast registry
	sub *broadcast.Subscription

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []estimateRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics Metrics
}

// NewEstimateRecorder creates a recorder reading from sub.
func NewEstimateRecorder(
	cfg config.WriterConfig,
	instance string,
	sub *broadcast.Subscription,
	db *pgxpool.Pool,
	logger *slog.Logger,
) *EstimateRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &EstimateRecorder{
		cfg:      cfg,
		instance: instance,
		sub:      sub,
		db:       db,
		logger:   logger,
		batch:    make([]estimateRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming snapshots and writing to the database.
func (w *EstimateRecorder) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("estimate recorder started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder.
func (w *EstimateRecorder) Stop(ctx context.Context) error {
	w.logger.Info("stopping estimate recorder")

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("estimate recorder stopped")
	case <-ctx.Done():
		w.logger.Warn("estimate recorder stop timed out")
	}

	// Final flush
	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *EstimateRecorder) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads snapshots from the subscription and accumulates batches.
func (w *EstimateRecorder) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case snap, ok := <-w.sub.C:
			if !ok {
				return
			}
			w.handleSnapshot(snap)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *EstimateRecorder) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// handleSnapshot transforms and adds a snapshot to the batch.
func (w *EstimateRecorder) handleSnapshot(snap model.Snapshot) {
	if !snap.Valid {
		w.batchMu.Lock()
		w.metrics.Skipped++
		w.batchMu.Unlock()
		return
	}

	row := w.transform(snap)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a Snapshot to an estimateRow.
func (w *EstimateRecorder) transform(snap model.Snapshot) estimateRow {
	return estimateRow{
		Instance:   w.instance,
		WindowID:   string(snap.WindowID),
		Price:      snap.Price,
		Confidence: snap.Confidence,
		SampleSize: int64(snap.SampleSize),
		Valid:      snap.Valid,
		Stale:      snap.Stale,
		Ts:         int64(snap.Timestamp * 1e6),
		RecordedAt: time.Now().UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (w *EstimateRecorder) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]estimateRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed estimates",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *EstimateRecorder) batchInsert(rows []estimateRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO price_estimates (instance, window_id, price, confidence, sample_size, valid, stale, ts, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, r.Instance, r.WindowID, r.Price, r.Confidence, r.SampleSize, r.Valid, r.Stale, r.Ts, r.RecordedAt)
	}

	// Use Background rather than w.ctx so the final flush after Stop still runs.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}
