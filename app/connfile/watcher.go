package connfile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Handler receives connection file changes. Removed is called with the
// config name when a file disappears.
type Handler interface {
	Changed(config *Config)
	Removed(name string)
}

// Watch reloads files in the directory as they change until ctx is done.
// Files that fail to parse are logged and keep their previous state.
func (cc *ConfigCache) Watch(ctx context.Context, handler Handler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(cc.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", cc.dir, err)
	}

	slog.Info("Watching connection files", "dir", cc.dir)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				cc.handleEvent(event, handler)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Connection file watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (cc *ConfigCache) handleEvent(event fsnotify.Event, handler Handler) {
	if filepath.Ext(event.Name) != extension {
		return
	}
	name := configName(event.Name)

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if !cc.Has(name) {
			return
		}
		cc.Remove(name)
		slog.Info("Connection file removed", "config", name)
		handler.Removed(name)

	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		config, err := cc.LoadConfig(name)
		if err != nil {
			slog.Warn("Failed to reload connection file", "config", name, "error", err)
			return
		}
		slog.Info("Connection file reloaded", "config", name, "blog", config.Blog)
		handler.Changed(config)
	}
}
