package scheduler

import (
	"os"
	"strings"
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval  time.Duration
	JobTimeout   time.Duration
	LockTTL      time.Duration
	SweepBatch   int
	WebhookBatch int

	// EnabledJobs narrows the run to a subset of jobs. Empty means all
	// jobs run, which is the single-binary default.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  15 * time.Second,
		JobTimeout:   30 * time.Second,
		LockTTL:      time.Minute,
		SweepBatch:   200,
		WebhookBatch: 50,
	}
}

func ProvideConfig() Config {
	cfg := DefaultConfig()
	if raw := os.Getenv("SCHEDULER_RUN_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.RunInterval = d
		}
	}
	if raw := os.Getenv("SCHEDULER_ENABLED_JOBS"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, name)
			}
		}
	}
	return cfg
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
	if c.SweepBatch <= 0 {
		c.SweepBatch = defaults.SweepBatch
	}
	if c.WebhookBatch <= 0 {
		c.WebhookBatch = defaults.WebhookBatch
	}
	return c
}
