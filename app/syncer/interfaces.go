package syncer

import (
	"context"
	"time"

	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/normalize"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

// Source pages through a feed, newest first.
type Source interface {
	Posts(ctx context.Context, handle string, query tumblr.PostsQuery) (*tumblr.PostsPage, error)
}

type Ledger interface {
	IsSynced(connectionID, remoteID string) (bool, error)
	MarkSynced(connectionID string, remoteIDs []string, at time.Time) error
	StableID(connectionID, remoteID string) (string, error)
	ClearSynced(connectionID string) error
}

type Connections interface {
	GetConnection(id string) (*database.Connection, error)
	ListConnections(filter database.ConnectionFilter) ([]database.Connection, error)
	UpdateLastSync(id string, at *time.Time) error
}

type ActivityLog interface {
	AddActivity(entry *database.ActivityEntry) error
}

type Stats interface {
	RecordSync(delivered, failed int, at time.Time) error
}

// Delivery sends rendered items to a webhook.
type Delivery interface {
	SendPost(ctx context.Context, webhookURL string, item normalize.Item, env discord.Envelope) error
	SendGallery(ctx context.Context, webhookURL string, item normalize.Item, env discord.Envelope) error
	SendVideo(ctx context.Context, webhookURL string, item normalize.Item, env discord.Envelope) error
	SendNotice(ctx context.Context, webhookURL, title, description string) error
}

var (
	_ Source      = (*tumblr.Client)(nil)
	_ Ledger      = (*database.LedgerRepository)(nil)
	_ Connections = (*database.ConnectionRepository)(nil)
	_ ActivityLog = (*database.ActivityRepository)(nil)
	_ Stats       = (*database.DocumentRepository)(nil)
	_ Delivery    = (*discord.Client)(nil)
)
