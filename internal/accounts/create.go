package accounts

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"emby-panel/internal/access"
	"emby-panel/internal/apperr"
	"emby-panel/internal/emby"
	"emby-panel/internal/identity"
	"emby-panel/internal/model"

	"go.uber.org/zap"
)

const (
	DefaultTemplate = "1 Pantalla"
	MinNameLength   = 3
)

type CreateRequest struct {
	ServerID       string
	Name           string
	Password       string
	Template       string
	IsAdmin        *bool
	Libraries      emby.LibraryMode
	Folders        []string
	Email          string
	ExpirationDate *time.Time
}

// CreateResult carries the new account and the outcome of every optional
// step. A failed step does not fail the creation.
type CreateResult struct {
	Account      *model.Account      `json:"user"`
	Subscription *model.Subscription `json:"subscription,omitempty"`
	Report       emby.Report         `json:"report"`
}

func (s *Service) validateCreate(req *CreateRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Template = strings.TrimSpace(req.Template)
	req.Email = strings.TrimSpace(req.Email)

	if utf8.RuneCountInString(req.Name) < MinNameLength {
		return apperr.Validation("name", "name must be at least 3 characters")
	}
	if req.Password != "" && utf8.RuneCountInString(req.Password) < identity.MinPasswordLength {
		return apperr.Validation("password", "password must be at least 6 characters")
	}
	if req.ExpirationDate == nil || req.ExpirationDate.IsZero() {
		return apperr.Validation("expiration_date", "expiration date is required")
	}
	if beforeToday(*req.ExpirationDate, s.now()) {
		return apperr.Validation("expiration_date", "expiration date cannot be in the past")
	}
	switch req.Libraries {
	case "":
		req.Libraries = emby.LibrariesAll
	case emby.LibrariesAll, emby.LibrariesTemplate, emby.LibrariesSelected:
	default:
		return apperr.Validation("libraries", "libraries must be all, template or selected")
	}
	if req.Libraries == emby.LibrariesSelected && len(req.Folders) == 0 {
		return apperr.Validation("folders", "select at least one library")
	}
	if req.Template == "" {
		req.Template = DefaultTemplate
	}
	return nil
}

func beforeToday(t, now time.Time) bool {
	ty, tm, td := t.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC).Before(time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC))
}

// Create makes a new account on the server and records actor as its creator.
// Only the upstream creation can fail the call.
func (s *Service) Create(ctx context.Context, actor *access.Actor, req CreateRequest) (*CreateResult, error) {
	if err := s.validateCreate(&req); err != nil {
		return nil, err
	}
	if err := authenticated(actor); err != nil {
		return nil, err
	}
	if req.IsAdmin != nil && *req.IsAdmin && !access.IsAdministrator(actor) {
		return nil, apperr.Authorization("only administrators can create server administrators")
	}
	c, err := s.client(ctx, req.ServerID)
	if err != nil {
		return nil, err
	}

	account, report, err := c.CreateUser(ctx, emby.NewUser{
		Name:      req.Name,
		Password:  req.Password,
		Template:  req.Template,
		IsAdmin:   req.IsAdmin,
		Libraries: req.Libraries,
		Folders:   req.Folders,
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(req.ServerID)
	log := s.log.With(
		zap.String("actor_id", actor.ID),
		zap.String("server_id", req.ServerID),
		zap.String("account_id", account.ID))
	log.Info("account created", zap.String("name", account.Name), zap.String("template", req.Template))

	result := &CreateResult{Account: account, Report: report}

	if req.Email != "" {
		err := c.LinkConnect(ctx, account.ID, req.Email)
		result.Report.Record("connect_link", err)
		if err != nil {
			log.Warn("connect link failed", zap.Error(err))
		} else if refreshed, err := c.User(ctx, account.ID); err == nil {
			result.Account = refreshed
		}
	}

	_, err = s.ledger.SetCreator(ctx, account.ID, req.ServerID, actor.ID)
	result.Report.Record("register_creator", err)
	if err != nil {
		log.Error("failed to register creator", zap.Error(err))
	}

	sub, err := s.ledger.SetExpiration(ctx, account.ID, req.ServerID, *req.ExpirationDate, &actor.ID)
	result.Report.Record("set_expiration", err)
	if err != nil {
		log.Error("failed to set expiration", zap.Error(err))
	} else {
		result.Subscription = sub
	}

	if failed := result.Report.Failed(); len(failed) > 0 {
		log.Warn("account created with failed steps", zap.Strings("steps", failed))
	}
	return result, nil
}

// EditRequest changes only the fields that are set. An Email pointing at an
// empty string unlinks the Connect identity.
type EditRequest struct {
	Name     *string
	Password *string
	Email    *string
}

func validateEdit(req *EditRequest) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		req.Name = &name
		if name == "" {
			req.Name = nil
		} else if utf8.RuneCountInString(name) < MinNameLength {
			return apperr.Validation("name", "name must be at least 3 characters")
		}
	}
	if req.Password != nil {
		if *req.Password == "" {
			req.Password = nil
		} else if utf8.RuneCountInString(*req.Password) < identity.MinPasswordLength {
			return apperr.Validation("password", "password must be at least 6 characters")
		}
	}
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		req.Email = &email
	}
	if req.Name == nil && req.Password == nil && req.Email == nil {
		return apperr.Validation("name", "nothing to update")
	}
	return nil
}

// Edit renames the account, changes its password and links or unlinks its
// Connect identity. The first failing change aborts the rest.
func (s *Service) Edit(ctx context.Context, actor *access.Actor, serverID, accountID string, req EditRequest) (*model.Account, error) {
	if err := validateEdit(&req); err != nil {
		return nil, err
	}
	c, account, err := s.target(ctx, actor, serverID, accountID)
	if err != nil {
		return nil, err
	}
	defer s.invalidate(serverID)

	if req.Name != nil && *req.Name != account.Name {
		if err := c.UpdateUser(ctx, accountID, *req.Name); err != nil {
			return nil, err
		}
	}
	if req.Password != nil {
		if err := c.UpdatePassword(ctx, accountID, *req.Password); err != nil {
			return nil, err
		}
	}
	if req.Email != nil {
		switch {
		case *req.Email != "" && *req.Email != account.ConnectUserName:
			if err := c.LinkConnect(ctx, accountID, *req.Email); err != nil {
				return nil, err
			}
		case *req.Email == "" && account.HasConnect():
			if err := c.UnlinkConnect(ctx, accountID); err != nil {
				return nil, err
			}
		}
	}
	s.log.Info("account updated",
		zap.String("actor_id", actor.ID),
		zap.String("server_id", serverID),
		zap.String("account_id", accountID),
		zap.Bool("renamed", req.Name != nil),
		zap.Bool("password", req.Password != nil),
		zap.Bool("connect", req.Email != nil))

	updated, err := c.User(ctx, accountID)
	if err != nil {
		s.log.Warn("reload updated account failed", zap.String("account_id", accountID), zap.Error(err))
		return account, nil
	}
	return updated, nil
}
