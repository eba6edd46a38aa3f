package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	if c.Feed.ReconnectBaseDelay > c.Feed.ReconnectMaxDelay {
		return errors.New("feed.reconnect_base_delay must not exceed feed.reconnect_max_delay")
	}

	if !c.Windows.Mempool.Enabled && !c.Windows.Baseline.Enabled {
		return errors.New("at least one window must be enabled")
	}
	if c.Windows.Mempool.Enabled && c.Windows.Mempool.TTL <= 0 {
		return errors.New("windows.mempool.ttl must be positive")
	}
	if c.Windows.Baseline.Enabled && c.Windows.Baseline.TTL <= 0 {
		return errors.New("windows.baseline.ttl must be positive")
	}

	if c.Estimator.Interval < MinEstimateInterval {
		return fmt.Errorf("estimator.interval must be >= %v (10 Hz cap), got %v",
			MinEstimateInterval, c.Estimator.Interval)
	}
	if c.Estimator.Epsilon <= 0 {
		return errors.New("estimator.epsilon must be positive")
	}
	if c.Estimator.MaxIterations < 1 {
		return errors.New("estimator.max_iterations must be >= 1")
	}
	if c.Estimator.MinPoints < 1 {
		return errors.New("estimator.min_points must be >= 1")
	}
	for i, b := range c.Estimator.RoundExclusion {
		if b.ModulusSats < 1 {
			return fmt.Errorf("estimator.round_exclusion[%d].modulus_sats must be >= 1", i)
		}
		if b.ToleranceSats < 0 || b.ToleranceSats >= b.ModulusSats {
			return fmt.Errorf("estimator.round_exclusion[%d].tolerance_sats must be in [0, modulus)", i)
		}
	}

	if c.Broadcast.BufferSize < 1 {
		return errors.New("broadcast.buffer_size must be >= 1")
	}

	if c.Database != nil {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
		if c.Writer.BatchSize < 1 {
			return errors.New("writer.batch_size must be >= 1")
		}
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns must not exceed max_conns", prefix)
	}
	return nil
}
