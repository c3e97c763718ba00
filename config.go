// Package pgtransit is a PostgreSQL-backed message broker offering job
// queues, ordered event logs, and pub/sub fan-out behind one API. The
// database is the only coordination primitive: every delivery decision is
// a committed transaction, so any number of processes can share the load
// without an external broker.
package pgtransit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/delimaa/pg-transit/internal/store"
)

// Config configures a broker: the database connection plus the cadence of
// the background sweeps.
type Config struct {
	DB store.Config `yaml:"db"`

	// TrimInterval is how often acknowledged messages beyond each
	// topic's retention are deleted.
	TrimInterval time.Duration `yaml:"trim_interval"`

	// StaleTimeout is how long a processing message may go without a
	// heartbeat before the stale sweep reclaims it.
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	// ResetStaleInterval is how often the stale sweep runs.
	ResetStaleInterval time.Duration `yaml:"reset_stale_interval"`

	// ScheduledInterval is how often due cron schedules are materialized
	// into concrete messages.
	ScheduledInterval time.Duration `yaml:"scheduled_interval"`
}

// DefaultConfig returns the stock broker configuration.
func DefaultConfig() Config {
	return Config{
		DB:                 store.DefaultConfig(),
		TrimInterval:       time.Minute,
		StaleTimeout:       time.Minute,
		ResetStaleInterval: time.Minute,
		ScheduledInterval:  5 * time.Second,
	}
}

// applyDefaults fills zero-valued tunables so a partially populated
// config behaves like the documented defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.TrimInterval <= 0 {
		c.TrimInterval = def.TrimInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = def.StaleTimeout
	}
	if c.ResetStaleInterval <= 0 {
		c.ResetStaleInterval = def.ResetStaleInterval
	}
	if c.ScheduledInterval <= 0 {
		c.ScheduledInterval = def.ScheduledInterval
	}
	if c.DB.QueryTimeout <= 0 {
		c.DB.QueryTimeout = def.DB.QueryTimeout
	}
	if c.DB.MaxOpenConns <= 0 {
		c.DB.MaxOpenConns = def.DB.MaxOpenConns
	}
	if c.DB.MaxIdleConns <= 0 {
		c.DB.MaxIdleConns = def.DB.MaxIdleConns
	}
	if c.DB.ConnMaxLifetime <= 0 {
		c.DB.ConnMaxLifetime = def.DB.ConnMaxLifetime
	}
	if c.DB.ConnMaxIdleTime <= 0 {
		c.DB.ConnMaxIdleTime = def.DB.ConnMaxIdleTime
	}
}

// LoadConfig reads a YAML config file and fills unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}
