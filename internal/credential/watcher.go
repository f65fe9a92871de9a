package credential

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/mediacrawler/harvester/internal/model"
)

// Watch copies every cookie artifact written into dir to the cache as soon
// as it appears, so a credential captured by a still running crawler can
// be reused by the next job. Watch blocks until ctx is done.
func (c *Cache) Watch(ctx context.Context, dir string, platforms []model.Platform) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	slog.DebugContext(ctx, "watching credential artifacts", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(event.Name)
			for _, p := range platforms {
				if !IsArtifact(p, base) {
					continue
				}
				if err := c.harvestFile(ctx, event.Name, p, ""); err != nil {
					// partially written files fail here and succeed on the next write
					slog.DebugContext(ctx, "artifact not harvested", "path", event.Name, "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "artifact watcher", "error", err)
		}
	}
}
