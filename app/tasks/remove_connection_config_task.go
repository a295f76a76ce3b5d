package tasks

import (
	"context"
	"fmt"
	"log/slog"
)

type RemoveConnectionConfigTask struct {
	Task
	store ConnectionStore
}

func NewRemoveConnectionConfigTask(configName string, store ConnectionStore) *RemoveConnectionConfigTask {
	return &RemoveConnectionConfigTask{
		Task:  NewTask(TaskTypeRemoveConnectionConfig, configName),
		store: store,
	}
}

// Execute deletes the connection whose file is gone, with its ledger.
func (t *RemoveConnectionConfigTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	conn, err := t.store.GetConnectionByConfigName(t.Target)
	if err != nil {
		return fmt.Errorf("failed to load connection for %s: %w", t.Target, err)
	}
	if conn == nil {
		slog.Debug("No connection for removed file", "config", t.Target)
		return nil
	}

	if err := t.store.DeleteConnection(conn.ID); err != nil {
		slog.Error("Task failed", "type", "RemoveConnectionConfig", "config", t.Target, "error", err)
		return fmt.Errorf("failed to remove connection: %w", err)
	}

	slog.Info("Task completed",
		"type", "RemoveConnectionConfig",
		"config", t.Target,
		"connection", conn.ID,
		"duration", t.GetDuration())

	return nil
}
