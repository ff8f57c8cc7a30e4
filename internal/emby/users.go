package emby

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"emby-panel/internal/apperr"
	"emby-panel/internal/model"

	"go.uber.org/zap"
)

// DisplayPreferenceClients are the client types whose display preferences
// are copied from a template account.
var DisplayPreferenceClients = []string{"emby", "webclient", "android", "web", "ios", "roku", "kodi"}

type LibraryMode string

const (
	// LibrariesAll grants every library.
	LibrariesAll LibraryMode = "all"
	// LibrariesTemplate keeps whatever the template granted.
	LibrariesTemplate LibraryMode = "template"
	// LibrariesSelected grants exactly Folders.
	LibrariesSelected LibraryMode = "selected"
)

// NewUser describes an account to create.
type NewUser struct {
	Name     string
	Password string
	// Template names an existing account whose policy, configuration and
	// display preferences are copied onto the new one.
	Template  string
	IsAdmin   *bool
	Libraries LibraryMode
	Folders   []string
}

func (c *Client) Users(ctx context.Context) ([]model.Account, error) {
	var users []model.Account
	if err := c.do(ctx, http.MethodGet, "/Users", nil, nil, &users); err != nil {
		return nil, err
	}
	for i := range users {
		c.tag(&users[i])
	}
	return users, nil
}

func (c *Client) User(ctx context.Context, id string) (*model.Account, error) {
	var user model.Account
	if err := c.do(ctx, http.MethodGet, "/Users/"+url.PathEscape(id), nil, nil, &user); err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return nil, apperr.NotFound("account not found")
		}
		return nil, err
	}
	c.tag(&user)
	return &user, nil
}

// UserByName finds an account by case-insensitive name. It returns nil when
// no account matches.
func (c *Client) UserByName(ctx context.Context, name string) (*model.Account, error) {
	users, err := c.Users(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Name, name) {
			return &users[i], nil
		}
	}
	return nil, nil
}

func (c *Client) tag(a *model.Account) {
	a.ServerID = c.server.ID
	a.ServerName = c.server.Name
	a.LastActivityDate = normalizeTime(a.LastActivityDate)
	a.LastLoginDate = normalizeTime(a.LastLoginDate)
}

func (c *Client) rawUser(ctx context.Context, id string) (map[string]any, error) {
	var raw map[string]any
	if err := c.do(ctx, http.MethodGet, "/Users/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return nil, apperr.NotFound("account not found")
		}
		return nil, err
	}
	return raw, nil
}

func rawObject(raw map[string]any, key string) map[string]any {
	if m, ok := raw[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (c *Client) postPolicy(ctx context.Context, id string, policy map[string]any) error {
	return c.do(ctx, http.MethodPost, "/Users/"+url.PathEscape(id)+"/Policy", nil, policy, nil)
}

// SetDisabled flips the disabled flag of an account's policy. The policy is
// read, modified and written back whole, so concurrent writers from other
// processes can still interleave. Disabling also ends the account's sessions.
func (c *Client) SetDisabled(ctx context.Context, id string, disabled bool) error {
	unlock := policyLocks.Lock(c.server.ID + "::" + id)
	defer unlock()

	if disabled {
		if _, err := c.LogoutUserSessions(ctx, id); err != nil {
			c.log.Warn("logout before disable failed", zap.String("account_id", id), zap.Error(err))
		}
	}

	raw, err := c.rawUser(ctx, id)
	if err != nil {
		return err
	}
	policy := rawObject(raw, "Policy")
	policy["IsDisabled"] = disabled
	if err := c.postPolicy(ctx, id, policy); err != nil {
		return err
	}
	c.log.Info("account policy updated", zap.String("account_id", id), zap.Bool("disabled", disabled))
	return nil
}

// CreateUser creates an account and applies template cloning and overrides.
// Only the base creation can fail the call; every later step is recorded in
// the returned report.
func (c *Client) CreateUser(ctx context.Context, in NewUser) (*model.Account, Report, error) {
	var report Report

	var template *model.Account
	if in.Template != "" {
		t, err := c.UserByName(ctx, in.Template)
		switch {
		case err != nil:
			report.Record("template_lookup", err)
			c.log.Warn("template lookup failed", zap.String("template", in.Template), zap.Error(err))
		case t == nil:
			report.Skip("template_lookup", fmt.Sprintf("template %q not found", in.Template))
			c.log.Warn("template not found", zap.String("template", in.Template))
		default:
			template = t
			report.Record("template_lookup", nil)
		}
	}

	payload := map[string]any{"Name": in.Name}
	if in.Password != "" {
		payload["Password"] = in.Password
	}
	var created model.Account
	if err := c.do(ctx, http.MethodPost, "/Users/New", nil, payload, &created); err != nil {
		return nil, report, err
	}
	if created.ID == "" {
		return nil, report, apperr.Upstream("server did not return the new account id", nil, false, true)
	}
	c.log.Info("account created", zap.String("account_id", created.ID), zap.String("name", in.Name))

	if template != nil {
		c.cloneFrom(ctx, created.ID, template.ID, &report)
	}
	if err := c.applyOverrides(ctx, created.ID, in, template != nil); err != nil {
		report.Record("policy_overrides", err)
		c.log.Warn("policy overrides failed", zap.String("account_id", created.ID), zap.Error(err))
	}

	user, err := c.User(ctx, created.ID)
	if err != nil {
		c.log.Warn("reload created account failed", zap.String("account_id", created.ID), zap.Error(err))
		c.tag(&created)
		return &created, report, nil
	}
	return user, report, nil
}

func (c *Client) cloneFrom(ctx context.Context, newID, templateID string, report *Report) {
	raw, err := c.rawUser(ctx, templateID)
	if err != nil {
		report.Record("template_read", err)
		c.log.Warn("read template failed", zap.String("template_id", templateID), zap.Error(err))
		return
	}

	if policy, ok := raw["Policy"].(map[string]any); ok {
		delete(policy, "UserId")
		report.Record("policy", c.postPolicy(ctx, newID, policy))
	}

	if cfg, ok := raw["Configuration"].(map[string]any); ok {
		delete(cfg, "UserId")
		delete(cfg, "IsAdministrator")
		report.Record("configuration",
			c.do(ctx, http.MethodPost, "/Users/"+url.PathEscape(newID)+"/Configuration", nil, cfg, nil))
	}

	for _, client := range DisplayPreferenceClients {
		c.cloneDisplayPreferences(ctx, newID, templateID, client, report)
	}

	if failed := report.Failed(); len(failed) > 0 {
		c.log.Warn("template clone incomplete", zap.String("account_id", newID), zap.Strings("failed_steps", failed))
	}
}

func (c *Client) cloneDisplayPreferences(ctx context.Context, newID, templateID, client string, report *Report) {
	step := "display_preferences:" + client
	q := url.Values{"userId": {templateID}, "client": {client}}

	var prefs map[string]any
	if err := c.do(ctx, http.MethodGet, "/DisplayPreferences/usersettings", q, nil, &prefs); err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return
		}
		report.Record(step, err)
		return
	}
	custom, _ := prefs["CustomPrefs"].(map[string]any)
	if len(custom) == 0 {
		return
	}
	sortOrder, _ := prefs["SortOrder"].(string)
	if sortOrder == "" {
		sortOrder = "Ascending"
	}
	body := map[string]any{
		"UserId":      newID,
		"Client":      client,
		"CustomPrefs": custom,
		"SortOrder":   sortOrder,
	}
	report.Record(step, c.do(ctx, http.MethodPost, "/DisplayPreferences/usersettings", nil, body, nil))
}

func (c *Client) applyOverrides(ctx context.Context, id string, in NewUser, fromTemplate bool) error {
	mode := in.Libraries
	if mode == "" {
		mode = LibrariesAll
	}
	if mode == LibrariesTemplate && !fromTemplate {
		mode = LibrariesAll
	}
	if in.IsAdmin == nil && mode == LibrariesTemplate {
		return nil
	}
	if mode == LibrariesSelected && len(in.Folders) == 0 && in.IsAdmin == nil {
		return nil
	}

	raw, err := c.rawUser(ctx, id)
	if err != nil {
		return err
	}
	policy := rawObject(raw, "Policy")
	if in.IsAdmin != nil {
		policy["IsAdministrator"] = *in.IsAdmin
	}
	switch mode {
	case LibrariesAll:
		policy["EnableAllFolders"] = true
		policy["EnabledFolders"] = []string{}
	case LibrariesSelected:
		if len(in.Folders) > 0 {
			policy["EnableAllFolders"] = false
			policy["EnabledFolders"] = in.Folders
		}
	}
	return c.postPolicy(ctx, id, policy)
}

// UpdateUser renames an account, writing back the full user object.
func (c *Client) UpdateUser(ctx context.Context, id, name string) error {
	raw, err := c.rawUser(ctx, id)
	if err != nil {
		return err
	}
	if name != "" {
		raw["Name"] = name
	}
	return c.do(ctx, http.MethodPost, "/Users/"+url.PathEscape(id), nil, raw, nil)
}

func (c *Client) UpdatePassword(ctx context.Context, id, password string) error {
	body := map[string]any{"Id": id, "NewPw": password, "ResetPassword": false}
	return c.do(ctx, http.MethodPost, "/Users/"+url.PathEscape(id)+"/Password", nil, body, nil)
}

// DeleteUser ends every session of the account and then deletes it.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	if n, err := c.LogoutUserSessions(ctx, id); err != nil {
		c.log.Warn("logout before delete failed", zap.String("account_id", id), zap.Error(err))
	} else if n > 0 {
		c.log.Info("sessions closed before delete", zap.String("account_id", id), zap.Int("sessions", n))
	}
	if err := c.do(ctx, http.MethodDelete, "/Users/"+url.PathEscape(id), nil, nil, nil); err != nil {
		if StatusOf(err) == http.StatusNotFound {
			return apperr.NotFound("account not found")
		}
		return err
	}
	return nil
}

// LinkConnect associates the account with an external identity by email.
func (c *Client) LinkConnect(ctx context.Context, id, email string) error {
	q := url.Values{"ConnectUsername": {email}}
	err := c.do(ctx, http.MethodPost, "/Users/"+url.PathEscape(id)+"/Connect/Link", q, nil, nil)
	if StatusOf(err) == http.StatusBadRequest {
		return apperr.Upstream("connect email is invalid or already in use", err, false, false)
	}
	return err
}

func (c *Client) UnlinkConnect(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/Users/"+url.PathEscape(id)+"/Connect/Link", nil, nil, nil)
}
