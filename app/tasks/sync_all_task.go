package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/tumblhook/app/syncer"
)

type SyncAllTask struct {
	Task
	engine SyncRunner
}

func NewSyncAllTask(engine SyncRunner) *SyncAllTask {
	return &SyncAllTask{
		Task:   NewTask(TaskTypeSyncAll, ""),
		engine: engine,
	}
}

// Execute runs one pass over every enabled connection. Only a busy engine
// is reported as an error so the scheduler retries once the running pass
// finishes; per-connection failures are already in the activity log.
func (t *SyncAllTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	summary, err := t.engine.SyncAll(ctx)
	if errors.Is(err, syncer.ErrBusy) {
		return err
	}
	if err != nil {
		slog.Error("Task failed", "type", "SyncAll", "error", err)
		return fmt.Errorf("failed to sync connections: %w", err)
	}

	msg, severity := summary.Message()
	slog.Info("Task completed",
		"type", "SyncAll",
		"connections", summary.Connections,
		"delivered", summary.Delivered,
		"severity", severity,
		"message", msg,
		"duration", t.GetDuration())

	return nil
}
