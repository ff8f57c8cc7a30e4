package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"emby-panel/internal/apperr"
	"emby-panel/internal/database"
	"emby-panel/internal/emby"
	"emby-panel/internal/model"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultServerID   = "server-1"
	DefaultServerName = "Emby Principal"

	cacheKeyAll     = "servers:all"
	cacheKeyEnabled = "servers:enabled"
	cacheKeyPrefix  = "server:"
	cacheTTL        = 5 * time.Minute
	cacheCleanup    = 10 * time.Minute

	connectionTimeout = 10 * time.Second
)

// Registry persists the upstream servers the panel manages.
type Registry struct {
	db        *gorm.DB
	cache     *cache.Cache
	log       *zap.Logger
	now       func() time.Time
	newClient emby.Factory
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithClientFactory sets how TestConnection reaches a server.
func WithClientFactory(f emby.Factory) Option {
	return func(r *Registry) { r.newClient = f }
}

func New(db *gorm.DB, log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		db:        db,
		cache:     cache.New(cacheTTL, cacheCleanup),
		log:       log.Named("registry"),
		now:       time.Now,
		newClient: emby.NewFactory(emby.WithTimeout(connectionTimeout)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewServer is the input to Add.
type NewServer struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	APIKey  string `json:"api_key"`
	Enabled *bool  `json:"enabled"`
}

// ServerPatch carries the fields Update should change; nil fields are left alone.
type ServerPatch struct {
	Name    *string `json:"name"`
	URL     *string `json:"url"`
	APIKey  *string `json:"api_key"`
	Enabled *bool   `json:"enabled"`
}

// ConnectionResult is the outcome of TestConnection.
type ConnectionResult struct {
	Success    bool   `json:"success"`
	ServerName string `json:"server_name,omitempty"`
	Version    string `json:"version,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (r *Registry) List(ctx context.Context) ([]model.Server, error) {
	return r.list(ctx, cacheKeyAll, false)
}

func (r *Registry) ListEnabled(ctx context.Context) ([]model.Server, error) {
	return r.list(ctx, cacheKeyEnabled, true)
}

func (r *Registry) list(ctx context.Context, key string, enabledOnly bool) ([]model.Server, error) {
	if cached, found := r.cache.Get(key); found {
		return append([]model.Server(nil), cached.([]model.Server)...), nil
	}
	q := r.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var servers []model.Server
	if err := q.Find(&servers).Error; err != nil {
		return nil, apperr.Persistence("failed to list servers", err)
	}
	r.cache.Set(key, servers, cache.DefaultExpiration)
	return append([]model.Server(nil), servers...), nil
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Server, error) {
	if cached, found := r.cache.Get(cacheKeyPrefix + id); found {
		server := cached.(model.Server)
		return &server, nil
	}
	var server model.Server
	if err := r.db.WithContext(ctx).First(&server, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("server not found")
		}
		return nil, apperr.Persistence("failed to fetch server", err)
	}
	r.cache.Set(cacheKeyPrefix+id, server, cache.DefaultExpiration)
	return &server, nil
}

func (r *Registry) Add(ctx context.Context, in NewServer) (*model.Server, error) {
	name := strings.TrimSpace(in.Name)
	url := normalizeURL(in.URL)
	key := strings.TrimSpace(in.APIKey)
	switch {
	case name == "":
		return nil, apperr.Validation("name", "name is required")
	case url == "":
		return nil, apperr.Validation("url", "url is required")
	case key == "":
		return nil, apperr.Validation("api_key", "api key is required")
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	server := model.Server{Name: name, URL: url, APIKey: key, Enabled: enabled}
	millis := r.now().UnixMilli()
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		server.ID = fmt.Sprintf("server-%d", millis+int64(attempt))
		err = r.db.WithContext(ctx).Create(&server).Error
		if !database.IsDuplicateKeyErr(err) {
			break
		}
	}
	if err != nil {
		return nil, apperr.Persistence("failed to create server", err)
	}
	r.cache.Flush()
	r.log.Info("server added", zap.String("server_id", server.ID), zap.String("name", server.Name))
	return &server, nil
}

func (r *Registry) Update(ctx context.Context, id string, patch ServerPatch) (*model.Server, error) {
	updates := map[string]any{}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, apperr.Validation("name", "name must not be empty")
		}
		updates["name"] = name
	}
	if patch.URL != nil {
		url := normalizeURL(*patch.URL)
		if url == "" {
			return nil, apperr.Validation("url", "url must not be empty")
		}
		updates["url"] = url
	}
	// A redacted key echoed back by a form means "unchanged".
	if patch.APIKey != nil && *patch.APIKey != model.RedactedSecret {
		key := strings.TrimSpace(*patch.APIKey)
		if key == "" {
			return nil, apperr.Validation("api_key", "api key must not be empty")
		}
		updates["api_key"] = key
	}
	if patch.Enabled != nil {
		updates["enabled"] = *patch.Enabled
	}

	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		if err := r.db.WithContext(ctx).Model(&model.Server{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, apperr.Persistence("failed to update server", err)
		}
		r.cache.Flush()
		r.log.Info("server updated", zap.String("server_id", id))
	}
	return r.Get(ctx, id)
}

// Delete removes a server; its ledger entries go with it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&model.Server{}, "id = ?", id)
	if res.Error != nil {
		return apperr.Persistence("failed to delete server", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("server not found")
	}
	r.cache.Flush()
	r.log.Info("server deleted", zap.String("server_id", id))
	return nil
}

// TestConnection asks the server for its info. It never returns an error;
// failures are described in the result.
func (r *Registry) TestConnection(ctx context.Context, url, apiKey string) ConnectionResult {
	url = normalizeURL(url)
	if url == "" || strings.TrimSpace(apiKey) == "" {
		return ConnectionResult{Error: "url and api key are required"}
	}
	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	info, err := r.newClient(model.Server{Name: url, URL: url, APIKey: strings.TrimSpace(apiKey)}).SystemInfo(ctx)
	if err != nil {
		r.log.Info("connection test failed", zap.String("url", url), zap.Error(err))
		return ConnectionResult{Error: apperr.PublicMessage(err)}
	}
	return ConnectionResult{Success: true, ServerName: info.ServerName, Version: info.Version}
}

// EnsureDefault seeds the registry with the configured server when it is empty.
func (r *Registry) EnsureDefault(ctx context.Context, url, apiKey string) (bool, error) {
	url = normalizeURL(url)
	apiKey = strings.TrimSpace(apiKey)
	if url == "" || apiKey == "" {
		return false, nil
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Server{}).Count(&count).Error; err != nil {
		return false, apperr.Persistence("failed to count servers", err)
	}
	if count > 0 {
		return false, nil
	}
	server := model.Server{ID: DefaultServerID, Name: DefaultServerName, URL: url, APIKey: apiKey, Enabled: true}
	if err := r.db.WithContext(ctx).Create(&server).Error; err != nil {
		if database.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, apperr.Persistence("failed to seed default server", err)
	}
	r.cache.Flush()
	r.log.Info("default server seeded", zap.String("server_id", server.ID), zap.String("url", url))
	return true, nil
}

func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
