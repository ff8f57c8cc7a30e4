package emby

import (
	"context"
	"net/http"
	"net/url"

	"emby-panel/internal/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const logoutNotice = "Your session has been closed by the administrator"

func (c *Client) Sessions(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	if err := c.do(ctx, http.MethodGet, "/Sessions", nil, nil, &sessions); err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].ServerID = c.server.ID
		sessions[i].ServerName = c.server.Name
		sessions[i].LastActivityDate = normalizeTime(sessions[i].LastActivityDate)
	}
	return sessions, nil
}

// StopPlayback stops whatever the session is playing. A session with no
// active playback is not an error.
func (c *Client) StopPlayback(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodPost, "/Sessions/"+url.PathEscape(sessionID)+"/Playing/Stop", nil, nil, nil)
	switch StatusOf(err) {
	case http.StatusBadRequest, http.StatusNotFound:
		c.log.Debug("session has no active playback", zap.String("session_id", sessionID))
		return nil
	}
	return err
}

// ForceLogout tries every mechanism upstream servers offer to end a session.
// Servers differ in which ones they support, so each step is independent.
func (c *Client) ForceLogout(ctx context.Context, sessionID string) Report {
	var report Report
	base := "/Sessions/" + url.PathEscape(sessionID)

	report.Record("stop_playback", c.StopPlayback(ctx, sessionID))
	report.Record("message", c.do(ctx, http.MethodPost, base+"/Message", nil, map[string]any{
		"Header":    "Session closed",
		"Text":      logoutNotice,
		"TimeoutMs": 5000,
	}, nil))
	report.Record("close_app", c.do(ctx, http.MethodPost, base+"/Command", nil, map[string]any{"Name": "CloseApp"}, nil))
	report.Record("logout", c.do(ctx, http.MethodDelete, "/Sessions/Logout", url.Values{"sessionId": {sessionID}}, nil, nil))

	if failed := report.Failed(); len(failed) > 0 {
		c.log.Warn("force logout partially failed", zap.String("session_id", sessionID), zap.Strings("failed_steps", failed))
	}
	return report
}

// LogoutUserSessions force-logs-out every session of one account and
// returns how many sessions were targeted.
func (c *Client) LogoutUserSessions(ctx context.Context, accountID string) (int, error) {
	sessions, err := c.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	n := 0
	for _, s := range sessions {
		if s.UserID != accountID {
			continue
		}
		n++
		g.Go(func() error {
			c.ForceLogout(ctx, s.ID)
			return nil
		})
	}
	_ = g.Wait()
	return n, nil
}
