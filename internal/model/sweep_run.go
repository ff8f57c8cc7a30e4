package model

import "time"

const (
	SweepKindExpired  = "expired"
	SweepKindInactive = "inactive"
)

// SweepRun records one executed (non dry-run) sweep.
type SweepRun struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Kind       string    `gorm:"index" json:"kind"`
	Trigger    string    `json:"trigger"` // "panel", "cron", "scheduler", "cli"
	Candidates int       `json:"candidates"`
	Disabled   int       `json:"disabled"`
	Failed     int       `json:"failed"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
}
