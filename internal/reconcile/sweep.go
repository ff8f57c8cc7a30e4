package reconcile

import (
	"context"
	"fmt"
	"time"

	"emby-panel/internal/apperr"
	"emby-panel/internal/emby"
	"emby-panel/internal/model"

	"go.uber.org/zap"
)

const DefaultInactiveDays = 30

// Candidate is an account a sweep disables, or would disable on a dry run.
type Candidate struct {
	AccountID        string     `json:"id"`
	Name             string     `json:"name"`
	ServerID         string     `json:"server_id"`
	ServerName       string     `json:"server_name"`
	ExpirationDate   *time.Time `json:"expiration_date,omitempty"`
	DaysExpired      *int       `json:"days_expired,omitempty"`
	LastActivityDate *time.Time `json:"last_activity_date,omitempty"`
	DaysInactive     *int       `json:"days_inactive,omitempty"`
	Disabled         bool       `json:"disabled"`
}

type SweepFailure struct {
	AccountID string `json:"id"`
	Name      string `json:"name"`
	ServerID  string `json:"server_id"`
	Error     string `json:"error"`
}

// Anomaly is a ledger entry the sweep could not match to a live account.
type Anomaly struct {
	AccountID string `json:"id"`
	ServerID  string `json:"server_id"`
	Reason    string `json:"reason"`
}

// SweepResult has the same shape for dry and real runs.
type SweepResult struct {
	Kind        string         `json:"kind"`
	Trigger     string         `json:"trigger"`
	DryRun      bool           `json:"dry_run"`
	Candidates  []Candidate    `json:"users"`
	Disabled    int            `json:"disabled"`
	Failed      []SweepFailure `json:"failed"`
	Anomalies   []Anomaly      `json:"anomalies"`
	Unavailable []emby.Failure `json:"unavailable,omitempty"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
}

type SweepOptions struct {
	DryRun bool
	// Trigger names what started the sweep: panel, cron, scheduler or cli.
	Trigger string
}

func (e *Engine) newResult(kind string, opts SweepOptions) *SweepResult {
	return &SweepResult{
		Kind:       kind,
		Trigger:    opts.Trigger,
		DryRun:     opts.DryRun,
		Candidates: []Candidate{},
		Failed:     []SweepFailure{},
		Anomalies:  []Anomaly{},
		Timestamp:  e.now().UTC(),
	}
}

// liveAccounts indexes the fresh account list of every enabled server.
func (e *Engine) liveAccounts(ctx context.Context) (map[string]model.Account, map[string]model.Server, []emby.Failure, error) {
	servers, err := e.servers.ListEnabled(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	byID := make(map[string]model.Server, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	snaps, failures := e.snapshots(ctx, servers, true)
	accounts := make(map[string]model.Account)
	for _, snap := range snaps {
		for _, a := range snap.accounts {
			accounts[model.SubscriptionKey(a.ID, a.ServerID)] = a
		}
	}
	return accounts, byID, failures, nil
}

// ExpirySweep disables every account whose subscription expired. Accounts
// that are upstream administrators or already disabled are left alone.
func (e *Engine) ExpirySweep(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	result := e.newResult(model.SweepKindExpired, opts)

	expired, err := e.ledger.Expired(ctx)
	if err != nil {
		return nil, err
	}
	accounts, servers, failures, err := e.liveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	result.Unavailable = failures
	unavailable := make(map[string]bool, len(failures))
	for _, f := range failures {
		unavailable[f.ServerID] = true
	}

	for _, sub := range expired {
		account, found := accounts[model.SubscriptionKey(sub.UserID, sub.ServerID)]
		if !found {
			reason := "account not found on server"
			switch {
			case unavailable[sub.ServerID]:
				reason = "server unavailable"
			case servers[sub.ServerID].ID == "":
				reason = "server disabled"
			}
			e.log.Warn("expired subscription without live account",
				zap.String("account_id", sub.UserID),
				zap.String("server_id", sub.ServerID),
				zap.String("reason", reason))
			result.Anomalies = append(result.Anomalies, Anomaly{AccountID: sub.UserID, ServerID: sub.ServerID, Reason: reason})
			continue
		}
		if account.IsUpstreamAdministrator() || account.Policy.IsDisabled {
			continue
		}
		exp := sub.ExpirationDate
		days := sub.DaysExpired
		result.Candidates = append(result.Candidates, Candidate{
			AccountID:      account.ID,
			Name:           account.Name,
			ServerID:       account.ServerID,
			ServerName:     account.ServerName,
			ExpirationDate: &exp,
			DaysExpired:    &days,
		})
	}

	e.execute(ctx, servers, result)
	return result, nil
}

type InactivityOptions struct {
	SweepOptions
	// Days of inactivity after which an account is disabled.
	Days int
}

// InactivitySweep disables accounts that have not been active for opts.Days.
// Accounts that were never active are not considered inactive.
func (e *Engine) InactivitySweep(ctx context.Context, opts InactivityOptions) (*SweepResult, error) {
	if opts.Days == 0 {
		opts.Days = DefaultInactiveDays
	}
	if opts.Days < 1 {
		return nil, apperr.Validation("inactive_days", "inactive days must be at least 1")
	}
	result := e.newResult(model.SweepKindInactive, opts.SweepOptions)

	servers, err := e.servers.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Server, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	snaps, failures := e.snapshots(ctx, servers, true)
	result.Unavailable = failures

	now := e.now()
	for _, snap := range snaps {
		for _, a := range snap.accounts {
			if a.IsUpstreamAdministrator() || a.Policy.IsDisabled {
				continue
			}
			days := DaysInactive(a.LastActivityDate, now)
			if days == nil || *days < opts.Days {
				continue
			}
			result.Candidates = append(result.Candidates, Candidate{
				AccountID:        a.ID,
				Name:             a.Name,
				ServerID:         a.ServerID,
				ServerName:       a.ServerName,
				LastActivityDate: a.LastActivityDate,
				DaysInactive:     days,
			})
		}
	}

	e.execute(ctx, byID, result)
	return result, nil
}

// execute disables the candidates unless this is a dry run. One failure does
// not stop the others.
func (e *Engine) execute(ctx context.Context, servers map[string]model.Server, result *SweepResult) {
	if result.DryRun {
		result.Message = fmt.Sprintf("%d accounts would be disabled", len(result.Candidates))
		return
	}

	touched := make(map[string]bool)
	for i := range result.Candidates {
		c := &result.Candidates[i]
		err := e.newClient(servers[c.ServerID]).SetDisabled(ctx, c.AccountID, true)
		if err != nil {
			e.log.Error("sweep failed to disable account",
				zap.String("kind", result.Kind),
				zap.String("account_id", c.AccountID),
				zap.String("server_id", c.ServerID),
				zap.Error(err))
			result.Failed = append(result.Failed, SweepFailure{
				AccountID: c.AccountID,
				Name:      c.Name,
				ServerID:  c.ServerID,
				Error:     apperr.PublicMessage(err),
			})
			continue
		}
		c.Disabled = true
		result.Disabled++
		touched[c.ServerID] = true
	}
	for id := range touched {
		e.Invalidate(id)
	}

	result.Message = fmt.Sprintf("%d accounts disabled", result.Disabled)
	if len(result.Failed) > 0 {
		result.Message += fmt.Sprintf(", %d failed", len(result.Failed))
	}
	e.log.Info("sweep finished",
		zap.String("kind", result.Kind),
		zap.String("trigger", result.Trigger),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("disabled", result.Disabled),
		zap.Int("failed", len(result.Failed)))
	e.notify(ctx, result)
}
