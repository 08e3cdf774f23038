package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 500 * time.Millisecond

// Watch reloads the providers file whenever it changes, until ctx is done.
// apply receives every version that parses and validates; anything else is
// logged and the previous table stays active. The parent directory is
// watched so editors that replace the file by rename are picked up too.
func Watch(ctx context.Context, path string, debounce time.Duration, log *zap.Logger, apply func(*Providers) error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log.Info("watching providers file", zap.String("path", abs))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("providers watcher error", zap.Error(err))

		case <-timer.C:
			reload(abs, log, apply)
		}
	}
}

func reload(path string, log *zap.Logger, apply func(*Providers) error) {
	p, err := LoadProviders(path)
	if err != nil {
		log.Error("providers file rejected, keeping previous table", zap.String("path", path), zap.Error(err))
		return
	}
	if err := apply(p); err != nil {
		log.Error("providers reload failed, keeping previous table", zap.String("path", path), zap.Error(err))
		return
	}
	log.Info("providers file reloaded", zap.String("path", path), zap.Int("providers", len(p.Providers)))
}
