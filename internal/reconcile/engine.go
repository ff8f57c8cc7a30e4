// Package reconcile merges live upstream state with the local ledger: the
// enriched account view, expiration status and the disable sweeps.
package reconcile

import (
	"context"
	"sync"
	"time"

	"emby-panel/internal/emby"
	"emby-panel/internal/model"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type Servers interface {
	ListEnabled(ctx context.Context) ([]model.Server, error)
}

type Ledger interface {
	All(ctx context.Context) (map[string]model.Subscription, error)
	Expired(ctx context.Context) ([]model.ExpiredSubscription, error)
}

type Names interface {
	Names(ctx context.Context) (map[string]string, error)
}

// Observer is told about every executed (not dry-run) sweep.
type Observer interface {
	SweepFinished(ctx context.Context, result *SweepResult)
}

type Engine struct {
	servers   Servers
	ledger    Ledger
	names     Names
	newClient emby.Factory
	cache     *cache.Cache
	cacheTTL  time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

type Option func(*Engine)

func WithClientFactory(f emby.Factory) Option {
	return func(e *Engine) { e.newClient = f }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCacheTTL sets how long per-server snapshots are reused; 0 disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = ttl }
}

func New(servers Servers, ledger Ledger, names Names, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		servers:   servers,
		ledger:    ledger,
		names:     names,
		newClient: emby.NewFactory(),
		cacheTTL:  15 * time.Second,
		log:       log.Named("reconcile"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = cache.New(e.cacheTTL, time.Minute)
	return e
}

// Observe registers o for sweep notifications.
func (e *Engine) Observe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) notify(ctx context.Context, result *SweepResult) {
	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()
	for _, o := range observers {
		o.SweepFinished(ctx, result)
	}
}

// Invalidate drops the cached snapshot of one server.
func (e *Engine) Invalidate(serverID string) {
	e.cache.Delete(snapshotKey(serverID))
}

func (e *Engine) InvalidateAll() {
	e.cache.Flush()
}

func snapshotKey(serverID string) string {
	return "snapshot:" + serverID
}

// snapshot is the live state of one server.
type snapshot struct {
	server   model.Server
	accounts []model.Account
	sessions []model.Session
}

// snapshots fetches every server concurrently. Servers that fail are left out.
func (e *Engine) snapshots(ctx context.Context, servers []model.Server, fresh bool) ([]snapshot, []emby.Failure) {
	return emby.FanOut(ctx, servers, e.newClient, func(ctx context.Context, c *emby.Client) ([]snapshot, error) {
		server := c.Server()
		if !fresh && e.cacheTTL > 0 {
			if cached, ok := e.cache.Get(snapshotKey(server.ID)); ok {
				return []snapshot{cached.(snapshot)}, nil
			}
		}
		accounts, err := c.Users(ctx)
		if err != nil {
			return nil, err
		}
		sessions, err := c.Sessions(ctx)
		if err != nil {
			e.log.Warn("sessions unavailable", zap.String("server_id", server.ID), zap.Error(err))
			sessions = nil
		}
		snap := snapshot{server: server, accounts: accounts, sessions: sessions}
		if e.cacheTTL > 0 {
			e.cache.Set(snapshotKey(server.ID), snap, e.cacheTTL)
		}
		return []snapshot{snap}, nil
	})
}
