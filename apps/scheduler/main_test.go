package main

import (
	"testing"
	"time"

	"github.com/doodleops/platform/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestSchedulerConfigCarriesWebhookKnobs(t *testing.T) {
	cfg := config.Config{
		WebhookMaxAttempts:  7,
		WebhookRetryBackoff: 2 * time.Minute,
		WebhookAuditTTL:     30 * 24 * time.Hour,
	}

	got := SchedulerConfig(cfg)
	assert.Equal(t, 7, got.MaxAttempts)
	assert.Equal(t, 2*time.Minute, got.RetryBackoff)
	assert.Equal(t, 30*24*time.Hour, got.AuditTTL)
}
