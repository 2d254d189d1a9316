package outbox

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch blocks, invoking onReady with the bundle file name whenever a
// new bundle lands in the ready directory, until ctx is canceled.
func (o Outbox) Watch(ctx context.Context, log *zap.Logger, onReady func(name string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := o.Ensure(); err != nil {
		return err
	}
	if err := watcher.Add(o.Dir(StateReady)); err != nil {
		return err
	}
	log.Info("watching outbox", zap.String("dir", o.Dir(StateReady)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Producers drop bundles via rename or direct write; both
			// arrive as Create. Rename fires for the old path when a
			// file leaves the directory, which is what a claim does,
			// so reacting to it would re-deliver just-claimed bundles.
			if !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			onReady(name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", zap.Error(err))
		}
	}
}
