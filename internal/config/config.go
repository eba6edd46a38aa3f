// Package config loads and validates the estimator configuration from YAML,
// with ${VAR} environment expansion and defaults for every optional field.
//
// Stencil template weights and bin geometry are deliberately absent here:
// they are calibration constants compiled into internal/stencil and must not
// be tuned per deployment.
package config

import "time"

// Config is the root configuration for an estimator instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Feed      FeedConfig      `yaml:"feed"`
	Windows   WindowsConfig   `yaml:"windows"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Database  *DatabaseConfig `yaml:"database,omitempty"` // nil disables the estimate recorder
	Writer    WriterConfig    `yaml:"writer"`
	Health    HealthConfig    `yaml:"health"`
}

// InstanceConfig identifies this estimator.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds upstream value-stream settings.
type FeedConfig struct {
	URL                string        `yaml:"url"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	BufferSize         int           `yaml:"buffer_size"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// WindowsConfig enables and tunes the rolling windows.
type WindowsConfig struct {
	Mempool  WindowConfig `yaml:"mempool"`
	Baseline WindowConfig `yaml:"baseline"`
}

// WindowConfig holds one rolling window's settings.
type WindowConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	VizSampleSize int           `yaml:"viz_sample_size"`
}

// EstimatorConfig tunes the periodic estimation pass.
type EstimatorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Epsilon         float64       `yaml:"epsilon"`
	MaxIterations   int           `yaml:"max_iterations"`
	MinPoints       int           `yaml:"min_points"`
	MaxSampleValues int           `yaml:"max_sample_values"`

	// RoundExclusion overrides the magnitude-dependent round-satoshi
	// exclusion bands. Empty means the built-in defaults.
	RoundExclusion []BandConfig `yaml:"round_exclusion,omitempty"`
}

// BandConfig is one round-satoshi exclusion band.
type BandConfig struct {
	MinSats       int64 `yaml:"min_sats"`
	ModulusSats   int64 `yaml:"modulus_sats"`
	ToleranceSats int64 `yaml:"tolerance_sats"`
}

// BroadcastConfig tunes snapshot fan-out.
type BroadcastConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// DatabaseConfig holds the TimescaleDB connection for the estimate recorder.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds estimate recorder batching settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
