// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for a burst of file events to
// settle before reloading.
const DefaultDebounce = 250 * time.Millisecond

// WatchConfig configures Watch.
type WatchConfig struct {
	// Path is the file to watch.
	Path string

	// Debounce batches events arriving closer together than this.
	Debounce time.Duration

	// Reload is called after each settled change. A failed reload is logged
	// and the previously loaded state stays in effect.
	Reload func() error

	Logger *slog.Logger
}

// Watch calls cfg.Reload whenever cfg.Path is written, created or renamed
// into place. It watches the parent directory so editors that replace the
// file, and symlink swaps, are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, cfg WatchConfig) error {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(cfg.Path)
	dir := filepath.Dir(target)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	cfg.Logger.Info("watching mapping file", slog.String("path", target))

	timer := time.NewTimer(0)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			if err := cfg.Reload(); err != nil {
				cfg.Logger.Error("reload failed, keeping previous mappings",
					slog.String("path", target),
					slog.String("error", err.Error()))
				continue
			}
			cfg.Logger.Info("mappings reloaded", slog.String("path", target))

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(cfg.Debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			cfg.Logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}
