// Package identity stores panel operators and verifies their credentials.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"emby-panel/internal/apperr"
	"emby-panel/internal/database"
	"emby-panel/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MinPasswordLength = 6
	bootstrapName     = "Administrator"
)

// ErrUsernameTaken is wrapped by the validation error Create returns for a duplicate username.
var ErrUsernameTaken = errors.New("username already exists")

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log.Named("identity")}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// VerifyCredentials returns the identity matching username and password, or
// nil when either does not match.
func (s *Store) VerifyCredentials(ctx context.Context, username, password string) (*model.PanelUser, error) {
	var user model.PanelUser
	err := s.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("failed to read panel user", err)
	}
	if !user.CheckPassword(password) {
		return nil, nil
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&user).UpdateColumn("last_login", now).Error; err != nil {
		s.log.Warn("failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLogin = &now
	}
	return &user, nil
}

func (s *Store) Create(ctx context.Context, username, password, name string, role model.PanelRole) (*model.PanelUser, error) {
	username = strings.TrimSpace(username)
	name = strings.TrimSpace(name)
	switch {
	case username == "":
		return nil, apperr.Validation("username", "username is required")
	case name == "":
		return nil, apperr.Validation("name", "name is required")
	case len(password) < MinPasswordLength:
		return nil, apperr.Validation("password", "password must be at least 6 characters")
	case !role.Valid():
		return nil, apperr.Validation("role", `role must be "admin" or "reseller"`)
	}

	hash, err := model.HashPassword(password)
	if err != nil {
		return nil, apperr.Internal("failed to hash password", err)
	}
	user := model.PanelUser{
		ID:           newID(),
		Username:     username,
		PasswordHash: hash,
		Name:         name,
		Role:         role,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if database.IsDuplicateKeyErr(err) {
			return nil, &apperr.Error{Kind: apperr.KindValidation, Field: "username", Message: ErrUsernameTaken.Error(), Err: ErrUsernameTaken}
		}
		return nil, apperr.Persistence("failed to create panel user", err)
	}
	s.log.Info("panel user created", zap.String("user_id", user.ID), zap.String("username", username), zap.String("role", string(role)))
	return &user, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.PanelUser, error) {
	var user model.PanelUser
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("panel user not found")
	}
	if err != nil {
		return nil, apperr.Persistence("failed to read panel user", err)
	}
	return &user, nil
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*model.PanelUser, error) {
	var user model.PanelUser
	err := s.db.WithContext(ctx).First(&user, "username = ?", strings.TrimSpace(username)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("panel user not found")
	}
	if err != nil {
		return nil, apperr.Persistence("failed to read panel user", err)
	}
	return &user, nil
}

// List returns every identity, newest first. Password hashes never serialize.
func (s *Store) List(ctx context.Context) ([]model.PanelUser, error) {
	var users []model.PanelUser
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&users).Error; err != nil {
		return nil, apperr.Persistence("failed to list panel users", err)
	}
	return users, nil
}

// Names maps identity ids to display names.
func (s *Store) Names(ctx context.Context) (map[string]string, error) {
	var users []model.PanelUser
	if err := s.db.WithContext(ctx).Select("id", "name").Find(&users).Error; err != nil {
		return nil, apperr.Persistence("failed to list panel users", err)
	}
	out := make(map[string]string, len(users))
	for _, u := range users {
		out[u.ID] = u.Name
	}
	return out, nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every session proof issued before.
func (s *Store) ChangePassword(ctx context.Context, id, oldPassword, newPassword string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !user.CheckPassword(oldPassword) {
		return apperr.Validation("old_password", "current password is incorrect")
	}
	return s.setPassword(ctx, user, newPassword)
}

// ResetPassword sets a reseller's password without knowing the old one.
func (s *Store) ResetPassword(ctx context.Context, id, newPassword string) error {
	user, err := s.reseller(ctx, id)
	if err != nil {
		return err
	}
	return s.setPassword(ctx, user, newPassword)
}

// SetPassword sets any identity's password; it backs the command line.
func (s *Store) SetPassword(ctx context.Context, username, newPassword string) error {
	user, err := s.GetByUsername(ctx, username)
	if err != nil {
		return err
	}
	return s.setPassword(ctx, user, newPassword)
}

func (s *Store) setPassword(ctx context.Context, user *model.PanelUser, password string) error {
	if len(password) < MinPasswordLength {
		return apperr.Validation("password", "password must be at least 6 characters")
	}
	hash, err := model.HashPassword(password)
	if err != nil {
		return apperr.Internal("failed to hash password", err)
	}
	err = s.db.WithContext(ctx).Model(&model.PanelUser{}).Where("id = ?", user.ID).Updates(map[string]any{
		"password_hash": hash,
		"token_version": gorm.Expr("token_version + 1"),
	}).Error
	if err != nil {
		return apperr.Persistence("failed to update password", err)
	}
	s.log.Info("panel user password changed", zap.String("user_id", user.ID))
	return nil
}

// Rename changes a reseller's display name.
func (s *Store) Rename(ctx context.Context, id, name string) (*model.PanelUser, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("name", "name is required")
	}
	user, err := s.reseller(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("name", name).Error; err != nil {
		return nil, apperr.Persistence("failed to rename panel user", err)
	}
	return s.Get(ctx, id)
}

func (s *Store) reseller(ctx context.Context, id string) (*model.PanelUser, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Role != model.RoleReseller {
		return nil, apperr.Validation("id", "only resellers can be edited")
	}
	return user, nil
}

// Delete removes a reseller. Their ledger entries become unattributed.
func (s *Store) Delete(ctx context.Context, id string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if user.IsAdmin() {
		return apperr.Authorization("administrators cannot be deleted")
	}
	res := s.db.WithContext(ctx).Delete(&model.PanelUser{}, "id = ?", id)
	if res.Error != nil {
		return apperr.Persistence("failed to delete panel user", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("panel user not found")
	}
	s.log.Info("panel user deleted", zap.String("user_id", id))
	return nil
}

// EnsureBootstrap creates the initial administrator when no identity has
// the given username. Losing a creation race to another process is fine.
func (s *Store) EnsureBootstrap(ctx context.Context, username, password string) (bool, error) {
	username = strings.TrimSpace(username)
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.PanelUser{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, apperr.Persistence("failed to look up bootstrap user", err)
	}
	if count > 0 {
		return false, nil
	}
	_, err := s.Create(ctx, username, password, bootstrapName, model.RoleAdmin)
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return false, nil
		}
		return false, err
	}
	s.log.Info("bootstrap administrator created", zap.String("username", username))
	return true, nil
}
