package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/danmuck/uplinkctl/internal/protocol/session"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 100 * time.Millisecond

// LoadSession reads only the [session] section of path.
func LoadSession(path string) (session.Config, error) {
	raw, keys, err := decode(path)
	if err != nil {
		return session.Config{}, err
	}
	cfg, err := sessionFromFile(raw.Session, keys)
	if err != nil {
		return session.Config{}, fmt.Errorf("load session config: %w", err)
	}
	return cfg, nil
}

// WatchSession reloads the [session] section of path into provider whenever
// the file changes, until ctx ends. Sessions created afterwards use the new
// snapshot; running sessions keep theirs. A file that fails to load leaves
// the provider untouched. onReload, when set, sees every reload outcome.
func WatchSession(ctx context.Context, path string, provider *session.ConfigProvider, onReload func(error)) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	// the directory, so editors that replace the file are still seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
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
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.After(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("path", path).Msg("config.WatchSession watcher error")
			case <-pending:
				pending = nil
				cfg, err := LoadSession(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("config.WatchSession reload failed, keeping current config")
				} else {
					provider.Override(cfg)
					log.Info().
						Str("path", path).
						Dur("handshake_timeout", cfg.HandshakeTimeout()).
						Msg("config.WatchSession session config reloaded")
				}
				if onReload != nil {
					onReload(err)
				}
			}
		}
	}()
	return nil
}
