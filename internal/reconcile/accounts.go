package reconcile

import (
	"context"
	"time"

	"emby-panel/internal/access"
	"emby-panel/internal/emby"
	"emby-panel/internal/model"
)

// SessionView is one upstream session of an enriched account.
type SessionView struct {
	ID         string     `json:"id"`
	DeviceName string     `json:"device_name,omitempty"`
	Client     string     `json:"client,omitempty"`
	NowPlaying string     `json:"now_playing,omitempty"`
	LastActive *time.Time `json:"last_active,omitempty"`
	Active     bool       `json:"active"`
	CanControl bool       `json:"can_control"`
	AppVersion string     `json:"app_version,omitempty"`
}

// EnrichedAccount is an upstream account merged with its ledger entry and
// live session state.
type EnrichedAccount struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	ServerID         string        `json:"server_id"`
	ServerName       string        `json:"server_name"`
	LastActivityDate *time.Time    `json:"last_activity_date"`
	LastLoginDate    *time.Time    `json:"last_login_date"`
	IsDisabled       bool          `json:"is_disabled"`
	IsOnline         bool          `json:"is_online"`
	ActiveSessions   []SessionView `json:"active_sessions"`
	DaysInactive     *int          `json:"days_inactive"`
	HasConnect       bool          `json:"has_connect"`
	ConnectEmail     string        `json:"connect_email,omitempty"`
	AllLibraries     bool          `json:"all_libraries"`
	Libraries        []string      `json:"libraries,omitempty"`
	ExpirationDate   *time.Time    `json:"expiration_date"`
	DaysLeft         *int          `json:"days_left"`
	Status           Status        `json:"status"`
	CreatedBy        string        `json:"created_by,omitempty"`
	CreatorName      string        `json:"creator_name,omitempty"`
}

// AccountList is the result of ListEnrichedAccounts. Unavailable names the
// servers whose accounts are missing because they could not be reached.
type AccountList struct {
	Accounts    []EnrichedAccount `json:"accounts"`
	Unavailable []emby.Failure    `json:"unavailable,omitempty"`
}

// ListEnrichedAccounts returns every account actor may see across the
// enabled servers. Upstream administrators are never included.
func (e *Engine) ListEnrichedAccounts(ctx context.Context, actor *access.Actor) (*AccountList, error) {
	servers, err := e.servers.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	snaps, failures := e.snapshots(ctx, servers, false)

	var (
		accounts []model.Account
		sessions = make(map[string][]model.Session)
	)
	for _, snap := range snaps {
		for _, a := range snap.accounts {
			if a.IsUpstreamAdministrator() {
				continue
			}
			accounts = append(accounts, a)
		}
		for _, s := range snap.sessions {
			key := model.SubscriptionKey(s.UserID, snap.server.ID)
			sessions[key] = append(sessions[key], s)
		}
	}

	ledger, err := e.ledger.All(ctx)
	if err != nil {
		return nil, err
	}
	visible := access.FilterAccountsByRole(actor, accounts, ledger)

	names, err := e.names.Names(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	out := make([]EnrichedAccount, 0, len(visible))
	for _, a := range visible {
		key := model.SubscriptionKey(a.ID, a.ServerID)
		out = append(out, enrich(a, sessions[key], ledger[key], names, now))
	}
	return &AccountList{Accounts: out, Unavailable: failures}, nil
}

func enrich(a model.Account, sessions []model.Session, sub model.Subscription, names map[string]string, now time.Time) EnrichedAccount {
	ea := EnrichedAccount{
		ID:               a.ID,
		Name:             a.Name,
		ServerID:         a.ServerID,
		ServerName:       a.ServerName,
		LastActivityDate: a.LastActivityDate,
		LastLoginDate:    a.LastLoginDate,
		IsDisabled:       a.Policy.IsDisabled,
		ActiveSessions:   make([]SessionView, 0, len(sessions)),
		DaysInactive:     DaysInactive(a.LastActivityDate, now),
		HasConnect:       a.HasConnect(),
		ConnectEmail:     a.ConnectUserName,
		AllLibraries:     a.Policy.EnableAllFolders,
		Libraries:        a.Policy.EnabledFolders,
		ExpirationDate:   sub.ExpirationDate,
		CreatedBy:        sub.CreatedByID(),
	}
	ea.Status, ea.DaysLeft = Bucket(sub.ExpirationDate, now)
	if ea.CreatedBy != "" {
		ea.CreatorName = names[ea.CreatedBy]
	}

	for _, s := range sessions {
		if !IsSessionActive(s, now) {
			continue
		}
		ea.IsOnline = true
		view := SessionView{
			ID:         s.ID,
			DeviceName: s.DeviceName,
			Client:     s.Client,
			LastActive: s.LastActivityDate,
			Active:     true,
			CanControl: s.SupportsRemoteControl,
			AppVersion: s.ApplicationVersion,
		}
		if s.NowPlayingItem != nil {
			view.NowPlaying = s.NowPlayingItem.Name
		}
		ea.ActiveSessions = append(ea.ActiveSessions, view)
	}
	return ea
}

// Summary counts the accounts actor may see per status.
type Summary struct {
	Total          int `json:"total"`
	Online         int `json:"online"`
	Disabled       int `json:"disabled"`
	Expired        int `json:"expired"`
	ExpiringSoon   int `json:"expiring_soon"`
	Active         int `json:"active"`
	NoSubscription int `json:"no_subscription"`
	Servers        int `json:"servers"`
	Unavailable    int `json:"unavailable"`
}

func (e *Engine) Summary(ctx context.Context, actor *access.Actor) (*Summary, error) {
	list, err := e.ListEnrichedAccounts(ctx, actor)
	if err != nil {
		return nil, err
	}
	s := &Summary{Total: len(list.Accounts), Unavailable: len(list.Unavailable)}
	servers := make(map[string]struct{})
	for _, a := range list.Accounts {
		servers[a.ServerID] = struct{}{}
		if a.IsOnline {
			s.Online++
		}
		if a.IsDisabled {
			s.Disabled++
		}
		switch a.Status {
		case StatusExpired:
			s.Expired++
		case StatusExpiringSoon:
			s.ExpiringSoon++
		case StatusActive:
			s.Active++
		default:
			s.NoSubscription++
		}
	}
	s.Servers = len(servers)
	return s, nil
}
