package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultFeedURL            = "ws://localhost:8765/values"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultFeedBufferSize     = 1000
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second

	DefaultMempoolTTL    = 30 * time.Minute
	DefaultBaselineTTL   = 4 * time.Hour
	DefaultVizSampleSize = 200

	DefaultEstimateInterval = 1 * time.Second
	MinEstimateInterval     = 100 * time.Millisecond
	DefaultCleanupInterval  = 60 * time.Second
	DefaultEpsilon          = 1e-6
	DefaultMaxIterations    = 50
	DefaultMinPoints        = 10
	DefaultMaxSampleValues  = 50_000

	DefaultBroadcastBufferSize = 16

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultBatchSize     = 500
	DefaultFlushInterval = 5 * time.Second

	DefaultHealthPort = 8080
	DefaultHealthPath = "/health"
)

func (c *Config) applyDefaults() {
	// Feed defaults
	if c.Feed.URL == "" {
		c.Feed.URL = DefaultFeedURL
	}
	if c.Feed.HandshakeTimeout == 0 {
		c.Feed.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = DefaultPingInterval
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = DefaultFeedBufferSize
	}
	if c.Feed.ReconnectBaseDelay == 0 {
		c.Feed.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Feed.ReconnectMaxDelay == 0 {
		c.Feed.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Window defaults: the mempool window is on unless the config says
	// otherwise via an explicit windows block with it disabled.
	if !c.Windows.Mempool.Enabled && !c.Windows.Baseline.Enabled {
		c.Windows.Mempool.Enabled = true
	}
	if c.Windows.Mempool.TTL == 0 {
		c.Windows.Mempool.TTL = DefaultMempoolTTL
	}
	if c.Windows.Baseline.TTL == 0 {
		c.Windows.Baseline.TTL = DefaultBaselineTTL
	}
	if c.Windows.Mempool.VizSampleSize == 0 {
		c.Windows.Mempool.VizSampleSize = DefaultVizSampleSize
	}
	if c.Windows.Baseline.VizSampleSize == 0 {
		c.Windows.Baseline.VizSampleSize = DefaultVizSampleSize
	}

	// Estimator defaults
	if c.Estimator.Interval == 0 {
		c.Estimator.Interval = DefaultEstimateInterval
	}
	if c.Estimator.CleanupInterval == 0 {
		c.Estimator.CleanupInterval = DefaultCleanupInterval
	}
	if c.Estimator.Epsilon == 0 {
		c.Estimator.Epsilon = DefaultEpsilon
	}
	if c.Estimator.MaxIterations == 0 {
		c.Estimator.MaxIterations = DefaultMaxIterations
	}
	if c.Estimator.MinPoints == 0 {
		c.Estimator.MinPoints = DefaultMinPoints
	}
	if c.Estimator.MaxSampleValues == 0 {
		c.Estimator.MaxSampleValues = DefaultMaxSampleValues
	}

	// Broadcast defaults
	if c.Broadcast.BufferSize == 0 {
		c.Broadcast.BufferSize = DefaultBroadcastBufferSize
	}

	// Database defaults (recorder enabled only when a database block exists)
	if c.Database != nil {
		applyDBDefaults(&c.Database.Timescale)
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
