package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle absorbs the burst of events editors produce for one save.
const settle = 150 * time.Millisecond

// Watch calls fn with the freshly loaded config whenever path changes,
// until ctx is cancelled. Files that fail to load are logged and skipped.
// The parent directory is watched so rename-on-save editors are seen.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(settle)
			}

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				log.Warnf("reload %s: %v", abs, err)
				continue
			}
			log.Infof("reloaded %s", abs)
			fn(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}
