package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/patchies/gopatchies/graph"
)

const reloadDelay = 200 * time.Millisecond

// watchPatch calls reload with the freshly decoded patch whenever path
// changes. The directory is watched so editors that replace the file are
// seen too. Bursts of events are collapsed into one reload.
func watchPatch(ctx context.Context, path string, log *zap.Logger, reload func(*graph.Patch)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	log.Info("watching patch", zap.String("path", abs))

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			p, err := graph.LoadPatch(abs)
			if err != nil {
				log.Warn("patch reload failed", zap.Error(err))
				continue
			}
			log.Info("patch reloaded", zap.Int("nodes", len(p.Nodes)))
			reload(p)
		}
	}
}
