package tasks

import (
	"context"

	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/relay"
	"github.com/lysyi3m/tumblhook/app/syncer"
)

// TaskSchedulerInterface defines the interface for task scheduling operations.
// Used by the main application to run background work: the auto-sync tick,
// connection file changes and stable-id publishing.
//
//	scheduler := NewScheduler(SchedulerConfig{...})
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueTask(NewSyncAllTask(engine))
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}

type SyncRunner interface {
	SyncAll(ctx context.Context) (*syncer.Summary, error)
}

// ConnectionStore is the part of the connection repository that connection
// files write through.
type ConnectionStore interface {
	CreateConnection(conn *database.Connection) error
	GetConnectionByConfigName(configName string) (*database.Connection, error)
	ListConnections(filter database.ConnectionFilter) ([]database.Connection, error)
	UpdateConnection(conn *database.Connection) error
	DeleteConnection(id string) error
}

type StableIDSource interface {
	ListStableIDs(connectionID string) ([]database.StableIDEntry, error)
}

type StableIDPublisher interface {
	Publish(ctx context.Context, m relay.StableIDMap) error
}

var (
	_ SyncRunner        = (*syncer.Engine)(nil)
	_ ConnectionStore   = (*database.ConnectionRepository)(nil)
	_ StableIDSource    = (*database.LedgerRepository)(nil)
	_ StableIDPublisher = (*relay.Publisher)(nil)
)
