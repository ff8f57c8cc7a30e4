package reconcile

import (
	"math"
	"time"

	"emby-panel/internal/model"
)

type Status string

const (
	StatusExpired        Status = "expired"
	StatusExpiringSoon   Status = "expiring_soon"
	StatusActive         Status = "active"
	StatusNoSubscription Status = "no_subscription"

	expiringWindowDays = 7
	onlineWindow       = 5 * time.Minute
	day                = 24 * time.Hour
)

// Bucket classifies an expiration date. daysLeft is nil when there is none.
func Bucket(exp *time.Time, now time.Time) (status Status, daysLeft *int) {
	if exp == nil {
		return StatusNoSubscription, nil
	}
	left := int(math.Ceil(float64(exp.Sub(now)) / float64(day)))
	switch {
	case left < 0:
		status = StatusExpired
	case left <= expiringWindowDays:
		status = StatusExpiringSoon
	default:
		status = StatusActive
	}
	return status, &left
}

// DaysInactive is the number of started days since the last activity, nil
// when the account was never active.
func DaysInactive(last *time.Time, now time.Time) *int {
	if last == nil {
		return nil
	}
	d := now.Sub(*last)
	if d < 0 {
		d = -d
	}
	days := int(math.Ceil(float64(d) / float64(day)))
	return &days
}

// IsSessionActive reports whether a session counts towards an account being
// online: it is playing, or it was active within the last five minutes, or,
// when it carries no activity timestamp at all, it accepts remote control.
func IsSessionActive(s model.Session, now time.Time) bool {
	if s.NowPlayingItem != nil {
		return true
	}
	if s.LastActivityDate != nil {
		return now.Sub(*s.LastActivityDate) < onlineWindow
	}
	return s.SupportsRemoteControl
}
