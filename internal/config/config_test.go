package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 100, cfg.Server.MaxConnections)
	assert.Equal(t, 1<<20, cfg.Server.MaxFrameBytes)
	assert.Equal(t, 64, cfg.Server.OutboxSize)

	assert.Equal(t, "0.0.0.0:8081", cfg.HTTP.Addr())

	assert.Equal(t, 60, cfg.Heartbeat.IntervalSeconds)
	assert.Equal(t, 300, cfg.Heartbeat.OfflineThresholdSeconds)

	assert.Equal(t, 10000, cfg.Scheduler.QueueCapacity)
	assert.Equal(t, 300, cfg.Scheduler.DefaultTaskTimeoutSeconds)
	assert.Equal(t, 3, cfg.Scheduler.DefaultMaxRetries)

	assert.Equal(t, 10000, cfg.Results.RetentionCount)
	assert.Equal(t, 86400, cfg.Results.RetentionSeconds)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.False(t, cfg.Redis.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RETIRE_SERVER_PORT", "9999")
	t.Setenv("RETIRE_STORAGE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	t.Setenv("RETIRE_HEARTBEAT_OFFLINE_THRESHOLD_SECONDS", "30")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline_threshold_seconds")
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Setenv("RETIRE_STORAGE_DRIVER", "etcd")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestPostgresDSNAndURL(t *testing.T) {
	pg := PostgresConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", pg.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/d?sslmode=disable", pg.URL())
}
