package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the process configuration.
type Config struct {
	ListenAddr   string
	DataDir      string
	DatabasePath string

	AdminUsername string
	AdminPassword string

	// Seeds the registry on first run only.
	DefaultServerURL    string
	DefaultServerAPIKey string

	CronSecret   string
	JWTSecret    string
	SessionTTL   time.Duration
	CookieSecure bool
	CORSOrigins  []string

	LogLevel  string
	LogFormat string

	UpstreamTimeout time.Duration
	CacheTTL        time.Duration
	SweepInterval   time.Duration

	TelegramBotToken string
	TelegramChatID   int64
}

const (
	KeyListenAddr       = "listen_addr"
	KeyDataDir          = "data_dir"
	KeyDatabasePath     = "database_path"
	KeyAdminUsername    = "admin_username"
	KeyAdminPassword    = "admin_password"
	KeyEmbyServerURL    = "emby_server_url"
	KeyEmbyAPIKey       = "emby_api_key"
	KeyCronSecret       = "cron_secret"
	KeyJWTSecret        = "jwt_secret"
	KeySessionTTL       = "session_ttl"
	KeyCookieSecure     = "cookie_secure"
	KeyCORSOrigins      = "cors_origins"
	KeyLogLevel         = "log_level"
	KeyLogFormat        = "log_format"
	KeyUpstreamTimeout  = "upstream_timeout"
	KeyCacheTTL         = "cache_ttl"
	KeySweepInterval    = "sweep_interval"
	KeyTelegramBotToken = "telegram_bot_token"
	KeyTelegramChatID   = "telegram_chat_id"
)

const jwtSecretFile = ".sk"

// MinAdminPasswordLength matches the panel's password rule so the bootstrap
// administrator can always be created.
const MinAdminPasswordLength = 6

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SetDefaults registers the default value of every recognized option.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, ":3000")
	v.SetDefault(KeyDataDir, "data")
	v.SetDefault(KeyDatabasePath, "")
	v.SetDefault(KeyAdminUsername, "admin")
	v.SetDefault(KeyAdminPassword, "admin123")
	v.SetDefault(KeyEmbyServerURL, "")
	v.SetDefault(KeyEmbyAPIKey, "")
	v.SetDefault(KeyCronSecret, "")
	v.SetDefault(KeyJWTSecret, "")
	v.SetDefault(KeySessionTTL, 7*24*time.Hour)
	v.SetDefault(KeyCookieSecure, false)
	v.SetDefault(KeyCORSOrigins, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeyUpstreamTimeout, 10*time.Second)
	v.SetDefault(KeyCacheTTL, 15*time.Second)
	v.SetDefault(KeySweepInterval, time.Duration(0))
	v.SetDefault(KeyTelegramBotToken, "")
	v.SetDefault(KeyTelegramChatID, int64(0))
}

// Load reads .env.local and .env (when present) into the environment and
// resolves every option from flags, environment and defaults, in that order.
func Load(v *viper.Viper) (Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		ListenAddr:          v.GetString(KeyListenAddr),
		DataDir:             v.GetString(KeyDataDir),
		DatabasePath:        v.GetString(KeyDatabasePath),
		AdminUsername:       strings.TrimSpace(v.GetString(KeyAdminUsername)),
		AdminPassword:       v.GetString(KeyAdminPassword),
		DefaultServerURL:    strings.TrimRight(strings.TrimSpace(v.GetString(KeyEmbyServerURL)), "/"),
		DefaultServerAPIKey: strings.TrimSpace(v.GetString(KeyEmbyAPIKey)),
		CronSecret:          strings.TrimSpace(v.GetString(KeyCronSecret)),
		JWTSecret:           strings.TrimSpace(v.GetString(KeyJWTSecret)),
		SessionTTL:          v.GetDuration(KeySessionTTL),
		CookieSecure:        v.GetBool(KeyCookieSecure),
		CORSOrigins:         splitList(v.GetString(KeyCORSOrigins)),
		LogLevel:            v.GetString(KeyLogLevel),
		LogFormat:           v.GetString(KeyLogFormat),
		UpstreamTimeout:     v.GetDuration(KeyUpstreamTimeout),
		CacheTTL:            v.GetDuration(KeyCacheTTL),
		SweepInterval:       v.GetDuration(KeySweepInterval),
		TelegramBotToken:    strings.TrimSpace(v.GetString(KeyTelegramBotToken)),
		TelegramChatID:      v.GetInt64(KeyTelegramChatID),
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "emby-panel.db")
	}
	if cfg.AdminUsername == "" {
		return cfg, errors.New("admin username must not be empty")
	}
	if len(cfg.AdminPassword) < MinAdminPasswordLength {
		return cfg, fmt.Errorf("admin password must be at least %d characters", MinAdminPasswordLength)
	}
	if cfg.SessionTTL <= 0 {
		return cfg, fmt.Errorf("invalid session ttl %s", cfg.SessionTTL)
	}
	if cfg.UpstreamTimeout <= 0 {
		return cfg, fmt.Errorf("invalid upstream timeout %s", cfg.UpstreamTimeout)
	}
	return cfg, nil
}

// LoadOrCreateJWTSecret returns the configured signing secret, or the one
// persisted under the data directory, generating it on first use.
func (c *Config) LoadOrCreateJWTSecret() (secret string, created bool, err error) {
	if c.JWTSecret != "" {
		return c.JWTSecret, false, nil
	}
	path := filepath.Join(c.DataDir, jwtSecretFile)
	b, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(b))) > 0 {
		c.JWTSecret = strings.TrimSpace(string(b))
		return c.JWTSecret, false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", false, fmt.Errorf("read jwt secret: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("generate jwt secret: %w", err)
	}
	secret = hex.EncodeToString(buf)
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return "", false, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", false, fmt.Errorf("write jwt secret: %w", err)
	}
	c.JWTSecret = secret
	return secret, true, nil
}
