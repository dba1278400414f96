package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events editors produce on save.
const watchDebounce = 200 * time.Millisecond

// Watch reloads proxies whenever the configuration file changes, until ctx is
// done. The root directory is watched rather than the file so that editors
// replacing the file by rename are noticed.
func (s *Settings) Watch(ctx context.Context, onReload func(Proxies)) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.root, err)
	}

	go s.watchLoop(ctx, watcher, onReload)
	return nil
}

func (s *Settings) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onReload func(Proxies)) {
	defer watcher.Close()

	target := filepath.Clean(s.ConfigPath())
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("reload proxies", "path", target, "error", err)
				continue
			}
			p := s.Proxies()
			s.logger.Info("proxies reloaded", "path", target, "http", p.HTTP != "", "https", p.HTTPS != "")
			if onReload != nil {
				onReload(p)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("settings watcher", "error", err)
		}
	}
}
