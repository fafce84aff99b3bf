package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lily.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: postgres
  dsn: postgres://lily@localhost/lily?sslmode=disable
dedup:
  retention: 48h
change:
  relevant_attributes: [tags]
  watermark_ttl: 1h
tenants:
  - id: tenant-a
    name: Acme
    targets:
      - target_id: wh-1
        kind: snowflake
        enabled: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, 48*time.Hour, cfg.Dedup.Retention.Std())
	assert.Equal(t, []string{"tags"}, cfg.Change.RelevantAttributes)
	// Untouched sections keep defaults.
	assert.Equal(t, "memory", cfg.Queue.Backend)
	require.Len(t, cfg.Tenants, 1)
	require.Len(t, cfg.Tenants[0].Targets, 1)
	assert.Equal(t, "snowflake", cfg.Tenants[0].Targets[0].Kind)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lily.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dedup:\n  retention: soon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LILY_STORE_BACKEND", "postgres")
	t.Setenv("LILY_STORE_DSN", "postgres://x")
	t.Setenv("LILY_RETRY_MAX_ATTEMPTS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "postgres://x", cfg.Store.DSN)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestValidateRejectsBadBackends(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "dynamo"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Queue.Backend = "redis"
	assert.Error(t, cfg.Validate(), "redis without addr")
	cfg.Queue.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Change.RelevantAttributes = nil
	assert.Error(t, cfg.Validate())
}
