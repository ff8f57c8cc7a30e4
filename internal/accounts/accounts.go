// Package accounts runs the mutating operations on upstream accounts. Every
// operation validates its input, authorizes the actor, resolves the server,
// performs the upstream mutation and only then touches the ledger.
package accounts

import (
	"context"
	"time"

	"emby-panel/internal/access"
	"emby-panel/internal/apperr"
	"emby-panel/internal/emby"
	"emby-panel/internal/model"

	"go.uber.org/zap"
)

type Servers interface {
	Get(ctx context.Context, id string) (*model.Server, error)
}

type Ledger interface {
	SetCreator(ctx context.Context, accountID, serverID, creatorID string) (*model.Subscription, error)
	SetExpiration(ctx context.Context, accountID, serverID string, date time.Time, creatorID *string) (*model.Subscription, error)
	Extend(ctx context.Context, accountID, serverID string, months int) (*model.Subscription, error)
	Delete(ctx context.Context, accountID, serverID string) error
}

type Authorizer interface {
	Authorize(ctx context.Context, actor *access.Actor, accountID, serverID string) error
}

// Invalidator drops cached upstream state after a mutation.
type Invalidator interface {
	Invalidate(serverID string)
}

type Service struct {
	servers   Servers
	ledger    Ledger
	auth      Authorizer
	cache     Invalidator
	newClient emby.Factory
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithClientFactory(f emby.Factory) Option {
	return func(s *Service) { s.newClient = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(servers Servers, ledger Ledger, auth Authorizer, cache Invalidator, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		servers:   servers,
		ledger:    ledger,
		auth:      auth,
		cache:     cache,
		newClient: emby.NewFactory(),
		log:       log.Named("accounts"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func authenticated(actor *access.Actor) error {
	if actor == nil {
		return apperr.Authentication("not authenticated")
	}
	return nil
}

// client resolves serverID to a client. Disabled servers are rejected.
func (s *Service) client(ctx context.Context, serverID string) (*emby.Client, error) {
	if serverID == "" {
		return nil, apperr.Validation("server_id", "server is required")
	}
	server, err := s.servers.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !server.Enabled {
		return nil, apperr.Validation("server_id", "server is disabled")
	}
	return s.newClient(*server), nil
}

// target authorizes actor for the account and loads it from upstream.
func (s *Service) target(ctx context.Context, actor *access.Actor, serverID, accountID string) (*emby.Client, *model.Account, error) {
	if accountID == "" {
		return nil, nil, apperr.Validation("account_id", "account is required")
	}
	if err := s.auth.Authorize(ctx, actor, accountID, serverID); err != nil {
		return nil, nil, err
	}
	c, err := s.client(ctx, serverID)
	if err != nil {
		return nil, nil, err
	}
	account, err := c.User(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	return c, account, nil
}

func (s *Service) invalidate(serverID string) {
	if s.cache != nil {
		s.cache.Invalidate(serverID)
	}
}

func exempt(account *model.Account, action string) error {
	if account.IsUpstreamAdministrator() {
		return apperr.Authorization("cannot " + action + " a server administrator")
	}
	return nil
}

// Delete removes the account upstream and then its ledger entry. A ledger
// failure is logged and the deletion still reported as successful.
func (s *Service) Delete(ctx context.Context, actor *access.Actor, serverID, accountID string) error {
	c, account, err := s.target(ctx, actor, serverID, accountID)
	if err != nil {
		return err
	}
	if err := exempt(account, "delete"); err != nil {
		return err
	}
	if err := c.DeleteUser(ctx, accountID); err != nil {
		return err
	}
	s.invalidate(serverID)
	s.log.Info("account deleted",
		zap.String("actor_id", actor.ID),
		zap.String("server_id", serverID),
		zap.String("account_id", accountID),
		zap.String("name", account.Name))

	if err := s.ledger.Delete(ctx, accountID, serverID); err != nil {
		s.log.Error("failed to remove subscription of deleted account",
			zap.String("server_id", serverID),
			zap.String("account_id", accountID),
			zap.Error(err))
	}
	return nil
}

// Toggle enables or disables the account. Disabling ends its sessions first.
func (s *Service) Toggle(ctx context.Context, actor *access.Actor, serverID, accountID string, enable bool) error {
	c, account, err := s.target(ctx, actor, serverID, accountID)
	if err != nil {
		return err
	}
	if err := exempt(account, "disable"); err != nil {
		return err
	}
	if err := c.SetDisabled(ctx, accountID, !enable); err != nil {
		return err
	}
	s.invalidate(serverID)
	s.log.Info("account toggled",
		zap.String("actor_id", actor.ID),
		zap.String("server_id", serverID),
		zap.String("account_id", accountID),
		zap.Bool("enabled", enable))
	return nil
}

// SetExpiration replaces the expiration date of the account.
func (s *Service) SetExpiration(ctx context.Context, actor *access.Actor, serverID, accountID string, date time.Time) (*model.Subscription, error) {
	if date.IsZero() {
		return nil, apperr.Validation("expiration_date", "expiration date is required")
	}
	if _, _, err := s.target(ctx, actor, serverID, accountID); err != nil {
		return nil, err
	}
	sub, err := s.ledger.SetExpiration(ctx, accountID, serverID, date, &actor.ID)
	if err != nil {
		return nil, err
	}
	s.invalidate(serverID)
	return sub, nil
}

// Extend adds months to the current expiration, one month when months is 0.
func (s *Service) Extend(ctx context.Context, actor *access.Actor, serverID, accountID string, months int) (*model.Subscription, error) {
	if months == 0 {
		months = 1
	}
	if months < 1 {
		return nil, apperr.Validation("months", "months must be at least 1")
	}
	if _, _, err := s.target(ctx, actor, serverID, accountID); err != nil {
		return nil, err
	}
	sub, err := s.ledger.Extend(ctx, accountID, serverID, months)
	if err != nil {
		return nil, err
	}
	s.invalidate(serverID)
	return sub, nil
}

// StopSession stops playback on a session. Any authenticated actor may do so.
func (s *Service) StopSession(ctx context.Context, actor *access.Actor, serverID, sessionID string) error {
	if err := authenticated(actor); err != nil {
		return err
	}
	if sessionID == "" {
		return apperr.Validation("session_id", "session is required")
	}
	c, err := s.client(ctx, serverID)
	if err != nil {
		return err
	}
	if err := c.StopPlayback(ctx, sessionID); err != nil {
		return err
	}
	s.invalidate(serverID)
	return nil
}

// ForceLogoutSession stops, notifies and logs out a session. Only
// administrators may do this; each step is attempted regardless of the others.
func (s *Service) ForceLogoutSession(ctx context.Context, actor *access.Actor, serverID, sessionID string) (emby.Report, error) {
	if err := authenticated(actor); err != nil {
		return emby.Report{}, err
	}
	if !access.IsAdministrator(actor) {
		return emby.Report{}, apperr.Authorization("administrator role required")
	}
	if sessionID == "" {
		return emby.Report{}, apperr.Validation("session_id", "session is required")
	}
	c, err := s.client(ctx, serverID)
	if err != nil {
		return emby.Report{}, err
	}
	report := c.ForceLogout(ctx, sessionID)
	s.invalidate(serverID)
	s.log.Info("session logged out",
		zap.String("actor_id", actor.ID),
		zap.String("server_id", serverID),
		zap.String("session_id", sessionID),
		zap.Strings("failed_steps", report.Failed()))
	return report, nil
}

// Libraries lists the media folders of a server.
func (s *Service) Libraries(ctx context.Context, actor *access.Actor, serverID string) ([]model.Library, error) {
	if err := authenticated(actor); err != nil {
		return nil, err
	}
	c, err := s.client(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return c.Libraries(ctx)
}
