package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://bonus@db/bonus")

	cfg := LoadConfig()

	assert.Equal(t, "9083", cfg.GRPCPort)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, "postgres://bonus@db/bonus", cfg.LedgerDatabaseURL)
	assert.Equal(t, 72*time.Hour, cfg.EventDedupeTTL)
	assert.Equal(t, 5*time.Minute, cfg.ExpirySweepInterval)
	assert.Equal(t, 30, cfg.ExpirationDays)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("STORAGE", "Memory")
	t.Setenv("TEMPLATES_FILE", "/etc/bonus/templates.yaml")
	t.Setenv("EXPIRY_SWEEP_INTERVAL", "30s")
	t.Setenv("TURNOVER_RETRIES", "5")
	t.Setenv("EVENT_DEDUPE_TTL", "not-a-duration")
	t.Setenv("EXPIRY_BATCH_SIZE", "lots")

	cfg := LoadConfig()

	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 30*time.Second, cfg.ExpirySweepInterval)
	assert.Equal(t, 5, cfg.TurnoverRetries)
	assert.Equal(t, 72*time.Hour, cfg.EventDedupeTTL)
	assert.Equal(t, 500, cfg.ExpiryBatchSize)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := LoadConfig()

	cfg.Storage = "cassandra"
	assert.Error(t, cfg.Validate())

	cfg.Storage = StorageMemory
	cfg.TemplatesFile = ""
	assert.Error(t, cfg.Validate())

	cfg.TemplatesFile = "templates.yaml"
	cfg.ExpirySweepInterval = 0
	assert.Error(t, cfg.Validate())
}
