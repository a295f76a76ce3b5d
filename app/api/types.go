package api

import (
	"time"

	"github.com/lysyi3m/tumblhook/app/backup"
	"github.com/lysyi3m/tumblhook/app/connections"
	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/settings"
	"github.com/lysyi3m/tumblhook/app/syncer"
)

// StableIDPublisher queues an upload of the stable-id map after a sync.
type StableIDPublisher interface {
	PublishStableIDs()
}

type QueueInterface interface {
	Pending() int
}

var _ QueueInterface = (*discord.Queue)(nil)

type HandlerConfig struct {
	Engine      *syncer.Engine
	Manager     *connections.Manager
	Connections *database.ConnectionRepository
	Ledger      *database.LedgerRepository
	Activity    *database.ActivityRepository
	Documents   *database.DocumentRepository
	Settings    *settings.Service
	Backup      *backup.Service
	Events      *EventHub
	Queue       QueueInterface    // optional
	Publisher   StableIDPublisher // optional
	Version     string

	// AllowedOrigins lists host patterns besides the API's own host that may
	// open the event stream.
	AllowedOrigins []string
}

type Handler struct {
	engine      *syncer.Engine
	manager     *connections.Manager
	connections *database.ConnectionRepository
	ledger      *database.LedgerRepository
	activity    *database.ActivityRepository
	documents   *database.DocumentRepository
	settings    *settings.Service
	backup      *backup.Service
	events      *EventHub
	queue       QueueInterface
	publisher   StableIDPublisher
	version     string
	startedAt   time.Time
	origins     []string
}

type connectionView struct {
	ID          string     `json:"id"`
	Blog        string     `json:"blog"`
	Name        string     `json:"name"`
	WebhookURL  string     `json:"webhook_url"`
	Kinds       []string   `json:"kinds"`
	Enabled     bool       `json:"enabled"`
	ConfigName  string     `json:"config_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSyncAt  *time.Time `json:"last_sync_at"`
	SyncedCount int        `json:"synced_count"`
}

type activityView struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Message      string    `json:"message"`
	Severity     string    `json:"severity"`
	Delivered    int       `json:"delivered"`
	Failed       int       `json:"failed"`
	CreatedAt    time.Time `json:"created_at"`
}

func newActivityView(entry database.ActivityEntry) activityView {
	return activityView{
		ID:           entry.ID,
		ConnectionID: entry.ConnectionID,
		Message:      entry.Message,
		Severity:     entry.Severity,
		Delivered:    entry.Delivered,
		Failed:       entry.Failed,
		CreatedAt:    entry.CreatedAt,
	}
}

type backfillRequest struct {
	Days  int      `json:"days" binding:"required,min=1,max=3650"`
	Kinds []string `json:"kinds"`
}
