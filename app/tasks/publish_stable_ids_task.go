package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/tumblhook/app/relay"
)

type PublishStableIDsTask struct {
	Task
	source    StableIDSource
	publisher StableIDPublisher
}

func NewPublishStableIDsTask(source StableIDSource, publisher StableIDPublisher) *PublishStableIDsTask {
	return &PublishStableIDsTask{
		Task:      NewTask(TaskTypePublishStableIDs, ""),
		source:    source,
		publisher: publisher,
	}
}

// Execute uploads the full stable-id map to the lookup relay.
func (t *PublishStableIDsTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	entries, err := t.source.ListStableIDs("")
	if err != nil {
		return fmt.Errorf("failed to list stable ids: %w", err)
	}

	m := relay.BuildMap(entries)
	if err := t.publisher.Publish(ctx, m); err != nil {
		slog.Error("Task failed", "type", "PublishStableIDs", "error", err)
		return fmt.Errorf("failed to publish stable ids: %w", err)
	}

	slog.Info("Task completed",
		"type", "PublishStableIDs",
		"connections", len(m),
		"entries", len(entries),
		"duration", t.GetDuration())

	return nil
}
