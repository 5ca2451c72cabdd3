package scheduler

import "time"

// Config tunes the job loop. Zero values take defaults; an empty
// EnabledJobs list enables everything (monolith mode).
type Config struct {
	RunInterval    time.Duration
	JobTimeout     time.Duration
	BatchSize      int
	EnabledJobs    []string
	MaxAttempts    int
	RetryBackoff   time.Duration
	ExpiryBatch    int
	AuditTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunInterval <= 0 {
		c.RunInterval = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 30 * time.Second
	}
	if c.ExpiryBatch <= 0 {
		c.ExpiryBatch = 200
	}
	if c.AuditTTL <= 0 {
		c.AuditTTL = 60 * 24 * time.Hour
	}
	return c
}
