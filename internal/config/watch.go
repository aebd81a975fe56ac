package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent reports that the configuration file changed on disk.
type ChangeEvent struct {
	Path string
	Op   string
}

// Watch emits a ChangeEvent whenever the file at path is written, created or
// replaced. The parent directory is watched so editors that save via rename
// are still observed. The channel is closed when ctx is done.
func Watch(ctx context.Context, path string) (<-chan ChangeEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	target := filepath.Clean(path)
	events := make(chan ChangeEvent, 1)

	go func() {
		defer close(events)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case events <- ChangeEvent{Path: target, Op: ev.Op.String()}:
				default:
					// a reload is already pending
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Config] watcher error: %v", err)
			}
		}
	}()

	return events, nil
}
