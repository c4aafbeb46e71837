package rbac

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultSeedDebounce = 500 * time.Millisecond

// SeedWatcher re-applies a seed file whenever it changes on disk
type SeedWatcher struct {
	manager  *Manager
	path     string
	logger   logrus.FieldLogger
	debounce time.Duration

	// applied receives the outcome of every re-apply; tests hook it
	applied func(*SeedResult, error)
}

// NewSeedWatcher creates a watcher for path
func NewSeedWatcher(manager *Manager, path string, logger logrus.FieldLogger) *SeedWatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SeedWatcher{
		manager:  manager,
		path:     filepath.Clean(path),
		logger:   logger.WithField("seed_file", path),
		debounce: defaultSeedDebounce,
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors which replace the file by rename are picked up.
func (w *SeedWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Seed watcher error")
		}
	}
}

func (w *SeedWatcher) reload(ctx context.Context) {
	seed, err := LoadSeed(w.path)
	var result *SeedResult
	if err == nil {
		result, err = w.manager.ApplySeed(ctx, seed, w.logger)
	}

	if err != nil {
		w.logger.WithError(err).Error("Failed to re-apply seed")
	} else {
		w.logger.WithFields(logrus.Fields{
			"permissions_created": result.PermissionsCreated,
			"roles_created":       result.RolesCreated,
			"links_created":       result.LinksCreated,
		}).Info("Seed re-applied")
	}

	if w.applied != nil {
		w.applied(result, err)
	}
}
