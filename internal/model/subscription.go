package model

import (
	"fmt"
	"time"
)

// Subscription is the local ledger entry for an upstream account on one server.
// At most one row exists per (user_id, server_id).
type Subscription struct {
	ID             uint       `gorm:"primarykey" json:"-"`
	CreatedAt      time.Time  `json:"-"`
	UpdatedAt      time.Time  `json:"updated_at"`
	UserID         string     `gorm:"not null;uniqueIndex:idx_subscriptions_user_server" json:"user_id"`
	ServerID       string     `gorm:"not null;size:64;uniqueIndex:idx_subscriptions_user_server" json:"server_id"`
	CreatedBy      *string    `gorm:"size:32;index:idx_subscriptions_created_by" json:"created_by"`
	ExpirationDate *time.Time `gorm:"index:idx_subscriptions_expiration" json:"expiration_date"`

	// Relationships
	Server  *Server    `gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE" json:"-"`
	Creator *PanelUser `gorm:"foreignKey:CreatedBy;constraint:OnDelete:SET NULL" json:"-"`
}

// SubscriptionKey builds the map key used by the ledger: serverId::accountId.
func SubscriptionKey(accountID, serverID string) string {
	return fmt.Sprintf("%s::%s", serverID, accountID)
}

func (s Subscription) Key() string {
	return SubscriptionKey(s.UserID, s.ServerID)
}

// CreatedByID returns the creator id or "" when unattributed.
func (s Subscription) CreatedByID() string {
	if s.CreatedBy == nil {
		return ""
	}
	return *s.CreatedBy
}

// ExpiredSubscription is a ledger entry whose expiration is in the past.
type ExpiredSubscription struct {
	UserID         string    `json:"user_id"`
	ServerID       string    `json:"server_id"`
	ExpirationDate time.Time `json:"expiration_date"`
	DaysExpired    int       `json:"days_expired"`
}
