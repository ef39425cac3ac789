package fetch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch signals wake whenever an .xml file is created, written or moved into
// the ready directory. Signals are coalesced: a pending wake is not
// duplicated. It returns when ctx is cancelled.
func (f *LocalDirectoryFetcher) Watch(ctx context.Context, wake chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("watching ready dir %s: %w", f.dir, err)
	}
	logger := f.logger.With("component", "localfs-watcher")
	logger.Info("watching ready dir")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".xml") {
				continue
			}
			select {
			case wake <- struct{}{}:
				logger.Debug("ready dir changed", "file", filepath.Base(event.Name), "op", event.Op.String())
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}
