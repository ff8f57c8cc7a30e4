// Package ledger keeps the local subscription record of upstream accounts:
// who created each account and when it expires.
package ledger

import (
	"context"
	"errors"
	"time"

	"emby-panel/internal/apperr"
	"emby-panel/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(db *gorm.DB, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{db: db, log: log.Named("ledger"), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// All returns every entry keyed by model.SubscriptionKey.
func (l *Ledger) All(ctx context.Context) (map[string]model.Subscription, error) {
	var subs []model.Subscription
	if err := l.db.WithContext(ctx).Find(&subs).Error; err != nil {
		return nil, apperr.Persistence("failed to read subscriptions", err)
	}
	out := make(map[string]model.Subscription, len(subs))
	for _, s := range subs {
		out[s.Key()] = s
	}
	return out, nil
}

// Get returns the entry for (accountID, serverID), or nil when there is none.
func (l *Ledger) Get(ctx context.Context, accountID, serverID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND server_id = ?", accountID, serverID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("failed to read subscription", err)
	}
	return &sub, nil
}

func (l *Ledger) ListByCreator(ctx context.Context, creatorID string) ([]model.Subscription, error) {
	var subs []model.Subscription
	if err := l.db.WithContext(ctx).Where("created_by = ?", creatorID).Order("id ASC").Find(&subs).Error; err != nil {
		return nil, apperr.Persistence("failed to read subscriptions", err)
	}
	return subs, nil
}

// upsert inserts sub or, when its key already exists, overwrites only columns.
func (l *Ledger) upsert(ctx context.Context, sub *model.Subscription, columns ...string) (*model.Subscription, error) {
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
	}).Create(sub).Error
	if err != nil {
		return nil, apperr.Persistence("failed to write subscription", err)
	}
	return l.Get(ctx, sub.UserID, sub.ServerID)
}

// SetCreator records who created the account.
func (l *Ledger) SetCreator(ctx context.Context, accountID, serverID, creatorID string) (*model.Subscription, error) {
	if accountID == "" || serverID == "" {
		return nil, apperr.Validation("user_id", "account and server are required")
	}
	creator := creatorID
	return l.upsert(ctx, &model.Subscription{UserID: accountID, ServerID: serverID, CreatedBy: &creator}, "created_by")
}

// SetExpiration sets the expiration date. creatorID is only stored when the
// entry is new; an existing creator is never overwritten.
func (l *Ledger) SetExpiration(ctx context.Context, accountID, serverID string, date time.Time, creatorID *string) (*model.Subscription, error) {
	if accountID == "" || serverID == "" {
		return nil, apperr.Validation("user_id", "account and server are required")
	}
	if date.IsZero() {
		return nil, apperr.Validation("expiration_date", "expiration date is required")
	}
	exp := date.UTC()
	sub := &model.Subscription{UserID: accountID, ServerID: serverID, ExpirationDate: &exp, CreatedBy: creatorID}
	return l.upsert(ctx, sub, "expiration_date")
}

// Extend pushes the expiration forward by months, counting from the current
// expiration when there is one (expired or not) and from now otherwise.
func (l *Ledger) Extend(ctx context.Context, accountID, serverID string, months int) (*model.Subscription, error) {
	if months < 1 {
		return nil, apperr.Validation("months", "months must be at least 1")
	}
	current, err := l.Get(ctx, accountID, serverID)
	if err != nil {
		return nil, err
	}
	base := l.now().UTC()
	if current != nil && current.ExpirationDate != nil {
		base = current.ExpirationDate.UTC()
	}
	next := AddMonths(base, months)
	l.log.Info("subscription extended",
		zap.String("account_id", accountID),
		zap.String("server_id", serverID),
		zap.Int("months", months),
		zap.Time("expiration_date", next))
	return l.SetExpiration(ctx, accountID, serverID, next, nil)
}

func (l *Ledger) Delete(ctx context.Context, accountID, serverID string) error {
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND server_id = ?", accountID, serverID).
		Delete(&model.Subscription{}).Error
	if err != nil {
		return apperr.Persistence("failed to delete subscription", err)
	}
	return nil
}

// Expired lists entries whose expiration is strictly before now. Entries
// without an expiration are never expired.
func (l *Ledger) Expired(ctx context.Context) ([]model.ExpiredSubscription, error) {
	var subs []model.Subscription
	if err := l.db.WithContext(ctx).
		Where("expiration_date IS NOT NULL").
		Order("expiration_date ASC").
		Find(&subs).Error; err != nil {
		return nil, apperr.Persistence("failed to read subscriptions", err)
	}
	now := l.now().UTC()
	var out []model.ExpiredSubscription
	for _, s := range subs {
		if s.ExpirationDate == nil || !s.ExpirationDate.Before(now) {
			continue
		}
		out = append(out, model.ExpiredSubscription{
			UserID:         s.UserID,
			ServerID:       s.ServerID,
			ExpirationDate: s.ExpirationDate.UTC(),
			DaysExpired:    DaysExpired(*s.ExpirationDate, now),
		})
	}
	return out, nil
}
