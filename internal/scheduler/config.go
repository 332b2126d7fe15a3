package scheduler

import (
	"time"

	"github.com/smallbiznis/modulebilling/internal/config"
)

const (
	JobExpireEntitlements = "expire_entitlements"
	JobRefreshDraftBills  = "refresh_draft_bills"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	JobTimeout       time.Duration
	LockTTL          time.Duration
	SweepBatchSize   int
	RefreshBatchSize int
	EnabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		JobTimeout:       30 * time.Second,
		LockTTL:          2 * time.Minute,
		SweepBatchSize:   500,
		RefreshBatchSize: 100,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.SchedulerInterval,
		EnabledJobs: cfg.SchedulerJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.RefreshBatchSize <= 0 {
		c.RefreshBatchSize = defaults.RefreshBatchSize
	}
	return c
}
