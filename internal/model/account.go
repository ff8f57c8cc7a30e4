package model

import (
	"time"
)

// Account is a user on an upstream media server. It is never persisted locally.
type Account struct {
	ID               string     `json:"Id"`
	Name             string     `json:"Name"`
	ServerID         string     `json:"-"`
	ServerName       string     `json:"-"`
	LastActivityDate *time.Time `json:"LastActivityDate,omitempty"`
	LastLoginDate    *time.Time `json:"LastLoginDate,omitempty"`
	ConnectUserName  string     `json:"ConnectUserName,omitempty"`
	ConnectUserID    string     `json:"ConnectUserId,omitempty"`
	Policy           Policy     `json:"Policy"`
}

// Policy holds the subset of the upstream policy object this panel reads.
// Writes go through the raw object so unknown fields survive.
type Policy struct {
	IsAdministrator         bool     `json:"IsAdministrator"`
	IsDisabled              bool     `json:"IsDisabled"`
	EnableAllFolders        bool     `json:"EnableAllFolders"`
	EnabledFolders          []string `json:"EnabledFolders,omitempty"`
	SimultaneousStreamLimit int      `json:"SimultaneousStreamLimit,omitempty"`
}

// IsUpstreamAdministrator reports the media server's own administrator flag.
// Such accounts are hidden from the panel and exempt from disable/delete.
func (a Account) IsUpstreamAdministrator() bool {
	return a.Policy.IsAdministrator
}

func (a Account) HasConnect() bool {
	return a.ConnectUserID != "" || a.ConnectUserName != ""
}

// Session is an active client session on an upstream server.
type Session struct {
	ID                    string          `json:"Id"`
	UserID                string          `json:"UserId"`
	UserName              string          `json:"UserName,omitempty"`
	ServerID              string          `json:"-"`
	ServerName            string          `json:"-"`
	DeviceName            string          `json:"DeviceName,omitempty"`
	Client                string          `json:"Client,omitempty"`
	ApplicationVersion    string          `json:"ApplicationVersion,omitempty"`
	LastActivityDate      *time.Time      `json:"LastActivityDate,omitempty"`
	SupportsRemoteControl bool            `json:"SupportsRemoteControl"`
	NowPlayingItem        *NowPlayingItem `json:"NowPlayingItem,omitempty"`
}

type NowPlayingItem struct {
	Name string `json:"Name"`
	Type string `json:"Type"`
}

// Library is a top-level media folder on an upstream server.
type Library struct {
	ItemID         string `json:"ItemId"`
	Name           string `json:"Name"`
	CollectionType string `json:"CollectionType,omitempty"`
}

// SystemInfo is the upstream /System/Info payload subset.
type SystemInfo struct {
	ServerName string `json:"ServerName"`
	Version    string `json:"Version"`
	ID         string `json:"Id,omitempty"`
}
