package scheduler

import (
	"time"

	"github.com/smallbiznis/subledger/internal/config"
)

// Config controls sweep cadence, batch sizes, and the delivery lease.
type Config struct {
	RunInterval    time.Duration
	BatchSize      int
	RetryBatchSize int
	// DeliveryLease is how long a SENT delivery may stay in flight before
	// the stale sweep re-queues it.
	DeliveryLease time.Duration
	EnabledJobs   []string
	LeaderLockKey string
	LeaderLockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		BatchSize:      100,
		RetryBatchSize: 100,
		DeliveryLease:  5 * time.Minute,
		LeaderLockKey:  "subledger:scheduler:leader",
		LeaderLockTTL:  2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = defaults.RetryBatchSize
	}
	if c.DeliveryLease <= 0 {
		c.DeliveryLease = defaults.DeliveryLease
	}
	if c.LeaderLockKey == "" {
		c.LeaderLockKey = defaults.LeaderLockKey
	}
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = defaults.LeaderLockTTL
	}
	return c
}

// ProvideConfig maps the env-level scheduler knobs into the package config.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.Scheduler.RunInterval,
		BatchSize:      cfg.Scheduler.BatchSize,
		RetryBatchSize: cfg.Scheduler.RetryBatchSize,
		DeliveryLease:  cfg.Scheduler.DeliveryLease,
		EnabledJobs:    cfg.Scheduler.EnabledJobs,
		LeaderLockKey:  cfg.Scheduler.LeaderLockKey,
		LeaderLockTTL:  cfg.Scheduler.LeaderLockTTL,
	}.withDefaults()
}
