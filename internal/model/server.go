package model

import "time"

const RedactedSecret = "***HIDDEN***"

// Server represents a registered upstream media server (servers table).
type Server struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Name      string    `gorm:"not null" json:"name"`
	URL       string    `gorm:"not null" json:"url"`
	APIKey    string    `gorm:"not null" json:"-"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
}

// ServerView is the end-user rendering of a Server; the API key is redacted.
type ServerView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	APIKey    string    `json:"api_key"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Server) Redacted() ServerView {
	v := ServerView{
		ID:        s.ID,
		Name:      s.Name,
		URL:       s.URL,
		Enabled:   s.Enabled,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.APIKey != "" {
		v.APIKey = RedactedSecret
	}
	return v
}
