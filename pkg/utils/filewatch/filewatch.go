package filewatch

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// UntilModifyContext returns a context which is cancelled when the
// file at path is written, removed or renamed. The server uses this to
// shut down and be restarted with fresh configuration.
func UntilModifyContext(ctx context.Context, path string) (context.Context, context.CancelFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer watcher.Close()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return ctx, cancel, nil
}
