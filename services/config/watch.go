package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"cynthion-go/services/boards"
)

// reloadDelay coalesces the burst of events one save produces.
var reloadDelay = 100 * time.Millisecond

// Watch reloads the table at path whenever it is written or replaced and
// hands each accepted registry to onReload. A table that fails to load is
// logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *zap.SugaredLogger, onReload func(*boards.Registry)) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "config watch")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config watch")
	}
	defer w.Close()

	// Editors often save by rename, so watch the directory.
	if err := w.Add(filepath.Dir(target)); err != nil {
		return errors.Wrapf(err, "config watch %s", filepath.Dir(target))
	}
	log.Infow("watching family table", "path", target)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = time.After(reloadDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnw("watcher error", "error", err)
		case <-pending:
			pending = nil
			reg, err := Load(target)
			if err != nil {
				log.Errorw("family table rejected, keeping previous", "path", target, "error", err)
				continue
			}
			log.Infow("family table reloaded", "families", reg.Len())
			onReload(reg)
		}
	}
}
