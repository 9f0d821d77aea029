package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/bioforge/datahub/internal/foundation"
	"github.com/bioforge/datahub/internal/logfields"
)

// Scan registers every plugin-shaped subdirectory of the plugin root
// that is not registered yet, with URL local://<dir>, and loads it.
// Returns the names of newly registered plugins.
func (l *Loader) Scan(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.registry.pluginRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var added []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		folder := filepath.Join(l.registry.pluginRoot, name)
		if _, ok := codePlugin(name); !ok && !HasManifest(folder) {
			continue
		}
		if err := l.registry.Register(ctx, name, LocalURL(folder)); err != nil {
			if errors.Is(err, foundation.ErrResourceConflict) {
				continue
			}
			return added, err
		}
		if _, err := l.Load(ctx, name); err != nil {
			slog.Error("Failed to load discovered plugin", logfields.Plugin(name), logfields.Error(err))
			continue
		}
		added = append(added, name)
	}
	return added, nil
}

// Watch re-scans the plugin root whenever a directory is created or a
// manifest changes, until ctx is cancelled. Blocks; run it on the job
// manager.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(l.registry.pluginRoot); err != nil {
		return err
	}
	slog.Info("Watching plugin root", logfields.Path(l.registry.pluginRoot))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if _, err := l.Scan(ctx); err != nil {
				slog.Error("Plugin auto-discovery scan failed", logfields.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Plugin watcher error", logfields.Error(err))
		}
	}
}
