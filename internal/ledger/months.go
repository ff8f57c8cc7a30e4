package ledger

import "time"

const day = 24 * time.Hour

// AddMonths adds calendar months to t. When the day of month does not exist
// in the target month it is clamped to that month's last day, so Jan 31 + 1
// month is Feb 28 (or 29).
func AddMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// DaysExpired is the number of whole days elapsed since exp.
func DaysExpired(exp, now time.Time) int {
	return int(now.Sub(exp) / day)
}
