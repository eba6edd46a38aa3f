package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jstrand/chainprice/internal/broadcast"
	"github.com/jstrand/chainprice/internal/config"
	"github.com/jstrand/chainprice/internal/converge"
	"github.com/jstrand/chainprice/internal/database"
	"github.com/jstrand/chainprice/internal/feed"
	"github.com/jstrand/chainprice/internal/model"
	"github.com/jstrand/chainprice/internal/pipeline"
	"github.com/jstrand/chainprice/internal/version"
	"github.com/jstrand/chainprice/internal/window"
	"github.com/jstrand/chainprice/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/chainpriced.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting chainpriced",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"feed_url", cfg.Feed.URL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Window managers, one per enabled window
	windows := make(map[model.WindowID]*window.Manager)
	if cfg.Windows.Mempool.Enabled {
		windows[model.WindowMempool] = window.NewManager(model.WindowMempool, window.Config{
			TTL:           cfg.Windows.Mempool.TTL,
			VizSampleSize: cfg.Windows.Mempool.VizSampleSize,
		}, logger)
	}
	if cfg.Windows.Baseline.Enabled {
		windows[model.WindowBaseline] = window.NewManager(model.WindowBaseline, window.Config{
			TTL:           cfg.Windows.Baseline.TTL,
			VizSampleSize: cfg.Windows.Baseline.VizSampleSize,
		}, logger)
	}

	// Broadcast registry
	registry := broadcast.NewRegistry(cfg.Broadcast.BufferSize, logger)

	// Optional estimate recorder
	var pool *pgxpool.Pool
	var recorder *writer.EstimateRecorder
	if cfg.Database != nil {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)

		pool, err = database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		logger.Info("database connected")

		recorder = writer.NewEstimateRecorder(cfg.Writer, cfg.Instance.ID, registry.Subscribe(), pool, logger)
		if err := recorder.Start(ctx); err != nil {
			logger.Error("failed to start estimate recorder", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			recorder.Stop(shutdownCtx)
		}()
	}

	// Feed dialer
	feedCfg := feed.DefaultConfig(cfg.Feed.URL)
	if cfg.Feed.HandshakeTimeout > 0 {
		feedCfg.HandshakeTimeout = cfg.Feed.HandshakeTimeout
	}
	if cfg.Feed.WriteTimeout > 0 {
		feedCfg.WriteTimeout = cfg.Feed.WriteTimeout
	}
	if cfg.Feed.PingInterval > 0 {
		feedCfg.PingInterval = cfg.Feed.PingInterval
	}
	if cfg.Feed.BufferSize > 0 {
		feedCfg.BufferSize = cfg.Feed.BufferSize
	}
	dialer := feed.NewDialer(feedCfg, logger)

	// Pipeline orchestrator
	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.ReconnectBaseDelay = cfg.Feed.ReconnectBaseDelay
	pipeCfg.ReconnectMaxDelay = cfg.Feed.ReconnectMaxDelay
	pipeCfg.CleanupInterval = cfg.Estimator.CleanupInterval
	pipeCfg.EstimateInterval = cfg.Estimator.Interval
	pipeCfg.MaxSampleValues = cfg.Estimator.MaxSampleValues
	pipeCfg.Converge.Epsilon = cfg.Estimator.Epsilon
	pipeCfg.Converge.MaxIterations = cfg.Estimator.MaxIterations
	pipeCfg.Converge.MinPoints = cfg.Estimator.MinPoints
	if len(cfg.Estimator.RoundExclusion) > 0 {
		bands := make([]converge.Band, 0, len(cfg.Estimator.RoundExclusion))
		for _, b := range cfg.Estimator.RoundExclusion {
			bands = append(bands, converge.Band{
				MinSats:   b.MinSats,
				Modulus:   b.ModulusSats,
				Tolerance: b.ToleranceSats,
			})
		}
		pipeCfg.Bands = bands
	}

	orch := pipeline.New(pipeCfg, dialer, windows, registry, logger)

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Health.Path, orch, registry, pool, windows, logger),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Start the pipeline
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	logger.Info("chainpriced running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	orch.Stop(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)

	logger.Info("chainpriced stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(
	path string,
	orch *pipeline.Orchestrator,
	registry *broadcast.Registry,
	pool *pgxpool.Pool,
	windows map[model.WindowID]*window.Manager,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats := orch.Stats()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		health.Components["pipeline"] = map[string]interface{}{
			"state":           stats.State.String(),
			"events_ingested": stats.EventsIngested,
			"reconnects":      stats.Reconnects,
			"ticks":           stats.Ticks,
			"evicted":         stats.Evicted,
		}
		switch stats.State {
		case pipeline.StateDegraded:
			health.Status = "degraded"
		case pipeline.StateStopped, pipeline.StateInit:
			health.Status = "unhealthy"
		}

		for id, m := range windows {
			st := m.State()
			health.Components["window_"+string(id)] = map[string]interface{}{
				"active_transactions": st.ActiveCount,
				"price":               st.LastEstimate.Price,
				"confidence":          st.LastEstimate.Confidence,
				"valid":               st.LastEstimate.Valid,
				"stale":               st.LastEstimate.Stale,
			}
		}

		bstats := registry.Stats()
		health.Components["broadcast"] = map[string]interface{}{
			"sinks":   bstats.Sinks,
			"sent":    bstats.Sent,
			"dropped": bstats.Dropped,
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/windows", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]interface{})
		for id, m := range windows {
			st := m.State()
			out[string(id)] = map[string]interface{}{
				"active_transactions": st.ActiveCount,
				"viz_sample":          st.VizSample,
				"estimate":            st.LastEstimate,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	return mux
}
