package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	for _, k := range []string{"PG_DSN", "REDIS_ADDR", "KAFKA_BROKERS", "NOTIFY_MAX_ATTEMPTS", "LOCK_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.NotifyMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.NotifyBaseDelay)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, "dispatch:", cfg.RedisChannelPrefix)
	assert.Empty(t, cfg.PGDSN)
	assert.Nil(t, cfg.KafkaBrokers)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("NOTIFY_MAX_ATTEMPTS", "5")
	t.Setenv("NOTIFY_BASE_DELAY", "250ms")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.NotifyMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.NotifyBaseDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	t.Setenv("NOTIFY_MAX_ATTEMPTS", "11")
	t.Setenv("LOCK_TIMEOUT", "soon")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTIFY_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "invalid LOCK_TIMEOUT")
}

func TestLoadDotEnvUpFindsParentFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("DISPATCH_DOTENV_PROBE=found\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Cleanup(func() { _ = os.Unsetenv("DISPATCH_DOTENV_PROBE") })

	path, ok := LoadDotEnvUp(4)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, ".env"), path)
	assert.Equal(t, "found", os.Getenv("DISPATCH_DOTENV_PROBE"))
}
