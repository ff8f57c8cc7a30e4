package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.Equal(t, "admin123", cfg.AdminPassword)
	assert.Equal(t, 7*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, filepath.Join("data", "emby-panel.db"), cfg.DatabasePath)
	assert.Zero(t, cfg.SweepInterval)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADMIN_USERNAME", "root")
	t.Setenv("EMBY_SERVER_URL", "http://emby.local:8096/")
	t.Setenv("CRON_SECRET", "s3cret")
	t.Setenv("SWEEP_INTERVAL", "1h")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001234")
	t.Setenv("CORS_ORIGINS", "https://panel.example, ,http://localhost:5173")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "root", cfg.AdminUsername)
	assert.Equal(t, "http://emby.local:8096", cfg.DefaultServerURL)
	assert.Equal(t, "s3cret", cfg.CronSecret)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, int64(-1001234), cfg.TelegramChatID)
	assert.Equal(t, []string{"https://panel.example", "http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoadRejectsShortAdminPassword(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADMIN_PASSWORD", "12345")

	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 6 characters")
}

func TestLoadReadsDotEnvLocal(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("EMBY_API_KEY=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("EMBY_API_KEY") })

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.DefaultServerAPIKey)
}

func TestJWTSecretIsPersisted(t *testing.T) {
	cfg := Config{DataDir: t.TempDir()}

	first, created, err := cfg.LoadOrCreateJWTSecret()
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, first, 64)

	again := Config{DataDir: cfg.DataDir}
	second, created, err := again.LoadOrCreateJWTSecret()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
}
