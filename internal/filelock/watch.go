package filelock

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"tftpd/internal/errors"
	"tftpd/internal/filesystem"
)

// Watch registers files created below root by other processes while the server
// runs. It returns once the watcher is armed; events are handled in the
// background until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewFileSystemError("watch", root, err)
	}

	if err := addTree(watcher, root); err != nil {
		watcher.Close()
		return err
	}

	go r.watchLoop(ctx, watcher, root)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, root string) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}

			stat, err := os.Stat(event.Name)
			if err != nil {
				continue
			}

			if stat.IsDir() {
				// New directories are not covered by the existing watches
				if err := addTree(watcher, event.Name); err != nil {
					slog.Warn("Failed to watch new directory", "path", event.Name, "error", err)
				}
				r.registerTree(root, event.Name)
				continue
			}
			if stat.Mode().IsRegular() {
				r.register(root, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("File watcher error", "error", err)
		}
	}
}

func (r *Registry) register(root, path string) {
	if filesystem.IsPartial(path) {
		return
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return
	}
	if _, created := r.FindOrInsert(filepath.ToSlash(rel)); created {
		slog.Debug("Registered new file", "file", filepath.ToSlash(rel))
	}
}

// registerTree picks up files that landed in a directory before its watch
// was added
func (r *Registry) registerTree(root, dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			r.register(root, path)
		}
		return nil
	})
}

func addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return errors.NewFileSystemError("watch", path, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return errors.NewFileSystemError("watch", path, err)
		}
		return nil
	})
}
