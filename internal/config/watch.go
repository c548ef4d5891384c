// Provides hot reloading of console.yaml.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the new configuration every time dataDir/console.yaml
// is written, until ctx is done. The directory is watched rather than the
// file so that editors replacing the file are noticed. A file that fails to
// load is logged and ignored; the previous configuration stays in effect.
func Watch(ctx context.Context, dataDir string, fn func(*Console)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dataDir); err != nil {
		_ = w.Close()
		return err
	}
	path := filepath.Join(dataDir, FileName)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir, not user input
				if err != nil {
					slog.WarnContext(ctx, "Failed to read config", "path", path, "err", err)
					continue
				}
				if len(data) == 0 {
					// Truncated by the writer; the content follows.
					continue
				}
				c, err := Parse(data)
				if err != nil {
					slog.WarnContext(ctx, "Ignoring invalid config", "path", path, "err", err)
					continue
				}
				slog.InfoContext(ctx, "Config reloaded", "path", path)
				fn(c)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching config", "err", err)
			}
		}
	}()
	return nil
}
