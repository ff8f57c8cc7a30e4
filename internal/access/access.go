// Package access resolves session proofs into actors and decides what each
// actor may see and manage.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"emby-panel/internal/apperr"
	"emby-panel/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Actor is the authenticated panel operator behind a request.
type Actor struct {
	ID       string          `json:"id"`
	Username string          `json:"username"`
	Name     string          `json:"name"`
	Role     model.PanelRole `json:"role"`
}

// Claims is the payload of a session proof.
type Claims struct {
	UserID       string `json:"uid"`
	TokenVersion int64  `json:"tv"`
	jwt.RegisteredClaims
}

type Identities interface {
	Get(ctx context.Context, id string) (*model.PanelUser, error)
}

type Ledger interface {
	Get(ctx context.Context, accountID, serverID string) (*model.Subscription, error)
}

type Control struct {
	identities Identities
	ledger     Ledger
	secret     []byte
	ttl        time.Duration
	now        func() time.Time
}

type Option func(*Control)

func WithClock(now func() time.Time) Option {
	return func(c *Control) { c.now = now }
}

func New(secret string, ttl time.Duration, identities Identities, ledger Ledger, opts ...Option) *Control {
	c := &Control{
		identities: identities,
		ledger:     ledger,
		secret:     []byte(secret),
		ttl:        ttl,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Control) TTL() time.Duration {
	return c.ttl
}

// Issue mints a session proof for user.
func (c *Control) Issue(user *model.PanelUser) (string, time.Time, error) {
	now := c.now()
	expires := now.Add(c.ttl)
	claims := &Claims{
		UserID:       user.ID,
		TokenVersion: user.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, apperr.Internal("could not generate session", err)
	}
	return token, expires, nil
}

func (c *Control) parse(proof string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(proof, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ResolveActor returns the operator a session proof belongs to. Absent,
// malformed, expired or revoked proofs and unknown identities resolve to none.
func (c *Control) ResolveActor(ctx context.Context, proof string) (*Actor, bool) {
	if proof == "" {
		return nil, false
	}
	claims, err := c.parse(proof)
	if err != nil {
		return nil, false
	}
	user, err := c.identities.Get(ctx, claims.UserID)
	if err != nil || user == nil {
		return nil, false
	}
	if user.TokenVersion != claims.TokenVersion {
		return nil, false
	}
	return &Actor{ID: user.ID, Username: user.Username, Name: user.Name, Role: user.Role}, true
}

func IsAdministrator(a *Actor) bool {
	return a != nil && a.Role == model.RoleAdmin
}

func IsReseller(a *Actor) bool {
	return a != nil && a.Role == model.RoleReseller
}

// FilterAccountsByRole returns what actor may see, in input order:
// administrators see everything, resellers the accounts they created.
func FilterAccountsByRole(actor *Actor, accounts []model.Account, ledger map[string]model.Subscription) []model.Account {
	switch {
	case IsAdministrator(actor):
		return accounts
	case IsReseller(actor):
		out := make([]model.Account, 0, len(accounts))
		for _, a := range accounts {
			if sub, ok := ledger[model.SubscriptionKey(a.ID, a.ServerID)]; ok && sub.CreatedByID() == actor.ID {
				out = append(out, a)
			}
		}
		return out
	default:
		return []model.Account{}
	}
}

// CanManage reports whether actor may mutate the account.
func (c *Control) CanManage(ctx context.Context, actor *Actor, accountID, serverID string) (bool, error) {
	switch {
	case IsAdministrator(actor):
		return true, nil
	case IsReseller(actor):
		sub, err := c.ledger.Get(ctx, accountID, serverID)
		if err != nil {
			return false, err
		}
		return sub != nil && sub.CreatedByID() == actor.ID, nil
	default:
		return false, nil
	}
}

// Authorize is CanManage as an error: authentication for a missing actor,
// authorization when the actor may not manage the account.
func (c *Control) Authorize(ctx context.Context, actor *Actor, accountID, serverID string) error {
	if actor == nil {
		return apperr.Authentication("not authenticated")
	}
	ok, err := c.CanManage(ctx, actor, accountID, serverID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Authorization("you do not have permission to manage this account")
	}
	return nil
}
