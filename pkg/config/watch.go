package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces editor write bursts into one reload.
const reloadDelay = 500 * time.Millisecond

// Watch reloads path whenever it changes and passes every configuration that
// validates to apply. Invalid edits are logged and skipped, so the previous
// configuration stays in effect. Watching stops when ctx is done.
func (p *Parser) Watch(ctx context.Context, path string, logger zerolog.Logger, apply func(*Config) error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors often replace the file, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	logger = logger.With().Str("component", "config-watcher").Str("file", abs).Logger()
	go p.watch(ctx, watcher, abs, logger, apply)

	logger.Info().Msg("Watching configuration file")
	return nil
}

func (p *Parser) watch(ctx context.Context, watcher *fsnotify.Watcher, path string, logger zerolog.Logger, apply func(*Config) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case <-timer.C:
			cfg, err := p.Load(path)
			if err != nil {
				logger.Error().Err(err).Msg("Configuration reload rejected")
				continue
			}
			if err := apply(cfg); err != nil {
				logger.Error().Err(err).Msg("Failed to apply configuration")
				continue
			}
			logger.Info().Int("paths", len(cfg.Paths)).Msg("Configuration reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
