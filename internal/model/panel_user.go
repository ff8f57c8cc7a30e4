package model

import (
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// PanelRole is the role of a panel operator. It is unrelated to the
// administrator flag an account may carry on the media server itself.
type PanelRole string

const (
	RoleAdmin    PanelRole = "admin"
	RoleReseller PanelRole = "reseller"
)

func (r PanelRole) Valid() bool {
	return r == RoleAdmin || r == RoleReseller
}

// PanelUser is an operator of the panel (administrator or reseller).
type PanelUser struct {
	ID           string     `gorm:"primaryKey;size:32" json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login"`
	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"not null" json:"-"`
	Name         string     `gorm:"not null" json:"name"`
	Role         PanelRole  `gorm:"not null;check:chk_panel_users_role,role IN ('admin','reseller')" json:"role"`
	TokenVersion int64      `gorm:"default:1" json:"-"`
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword reports whether password matches the stored hash.
func (u *PanelUser) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func (u *PanelUser) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u *PanelUser) BeforeCreate(tx *gorm.DB) (err error) {
	if u.TokenVersion == 0 {
		u.TokenVersion = 1
	}
	return
}
