package tasks

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lysyi3m/tumblhook/app/connfile"
	"github.com/lysyi3m/tumblhook/app/database"
)

type SyncConnectionConfigTask struct {
	Task
	Config *connfile.Config
	store  ConnectionStore
}

func NewSyncConnectionConfigTask(config *connfile.Config, store ConnectionStore) *SyncConnectionConfigTask {
	return &SyncConnectionConfigTask{
		Task:   NewTask(TaskTypeSyncConnectionConfig, config.Name),
		Config: config,
		store:  store,
	}
}

// Execute upserts the connection declared by the file. A changed blog
// replaces the connection, since the ledger belongs to the old blog.
func (t *SyncConnectionConfigTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	existing, err := t.store.GetConnectionByConfigName(t.Config.Name)
	if err != nil {
		return fmt.Errorf("failed to load connection for %s: %w", t.Config.Name, err)
	}

	if existing != nil && existing.BlogHandle != t.Config.Blog {
		if err := t.store.DeleteConnection(existing.ID); err != nil {
			return fmt.Errorf("failed to replace connection for %s: %w", t.Config.Name, err)
		}
		slog.Info("Connection file changed blog, history reset", "config", t.Config.Name, "old_blog", existing.BlogHandle, "blog", t.Config.Blog)
		existing = nil
	}

	name := cmp.Or(t.Config.DisplayName, t.Config.Blog)

	if existing == nil {
		conn := &database.Connection{
			BlogHandle: t.Config.Blog,
			Name:       name,
			WebhookURL: t.Config.Webhook,
			Kinds:      t.Config.Kinds,
			Enabled:    t.Config.IsEnabled(),
			ConfigName: t.Config.Name,
		}
		if err := t.store.CreateConnection(conn); err != nil {
			slog.Error("Task failed", "type", "SyncConnectionConfig", "config", t.Config.Name, "error", err)
			return fmt.Errorf("failed to sync connection file to database: %w", err)
		}

		slog.Info("Task completed",
			"type", "SyncConnectionConfig",
			"config", t.Config.Name,
			"connection", conn.ID,
			"created", true,
			"duration", t.GetDuration())
		return nil
	}

	if existing.Name == name && existing.WebhookURL == t.Config.Webhook &&
		slices.Equal(existing.Kinds, t.Config.Kinds) && existing.Enabled == t.Config.IsEnabled() {
		slog.Debug("Connection file unchanged", "config", t.Config.Name)
		return nil
	}

	existing.Name = name
	existing.WebhookURL = t.Config.Webhook
	existing.Kinds = t.Config.Kinds
	existing.Enabled = t.Config.IsEnabled()

	if err := t.store.UpdateConnection(existing); err != nil {
		slog.Error("Task failed", "type", "SyncConnectionConfig", "config", t.Config.Name, "error", err)
		return fmt.Errorf("failed to sync connection file to database: %w", err)
	}

	slog.Info("Task completed",
		"type", "SyncConnectionConfig",
		"config", t.Config.Name,
		"connection", existing.ID,
		"created", false,
		"duration", t.GetDuration())

	return nil
}
