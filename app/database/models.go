package database

import (
	"time"
)

// Connection binds one feed to one webhook.
type Connection struct {
	ID         string
	BlogHandle string // normalized lowercase handle, derived once at creation
	Name       string
	WebhookURL string
	Kinds      []string // empty means every kind
	Enabled    bool
	ConfigName string // connection file name, empty for API-created connections
	CreatedAt  time.Time
	LastSyncAt *time.Time // nil means never synced
}

type ActivityEntry struct {
	ID           int64
	ConnectionID string
	Message      string
	Severity     string
	Delivered    int
	Failed       int
	CreatedAt    time.Time
}

type StableIDEntry struct {
	ConnectionID string
	RemoteID     string
	StableID     string
	CreatedAt    time.Time
}

const (
	DocumentSettings        = "settings"
	DocumentStats           = "stats"
	DocumentRelayPreference = "relay_preference"
)

// Stats is the aggregate delivery counter kept in the stats document.
type Stats struct {
	TotalDelivered int        `json:"total_delivered"`
	TotalFailed    int        `json:"total_failed"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
}
