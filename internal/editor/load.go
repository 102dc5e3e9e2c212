package editor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// File extensions loaded as editors.
const (
	ExtTrilogy = ".preql"
	ExtSQL     = ".sql"
)

const watchDebounce = 100 * time.Millisecond

// LoadDir loads every .preql and .sql file under dir as an editor bound to
// connection. The id is the slash-separated path relative to dir without the
// extension. Editors previously loaded from dir whose file is gone are marked
// deleted. It returns the number of editors loaded.
func (r *Registry) LoadDir(dir, connection string) (int, error) {
	seen := make(map[string]bool)
	var loaded []Editor

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		typ, ok := editorType(path)
		if !ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read editor %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		id := filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
		seen[path] = true
		loaded = append(loaded, Editor{
			ID:         id,
			Name:       filepath.Base(id),
			Type:       typ,
			Contents:   string(data),
			Connection: connection,
			Path:       path,
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load editors from %s: %w", dir, err)
	}

	for _, e := range loaded {
		r.Put(e)
	}

	prefix := filepath.Clean(dir) + string(filepath.Separator)
	r.mu.Lock()
	for _, e := range r.editors {
		if e.Path != "" && strings.HasPrefix(e.Path, prefix) && !seen[e.Path] && !e.Deleted {
			e.Deleted = true
			e.UpdatedAt = time.Now().UTC()
		}
	}
	r.mu.Unlock()

	r.logger.Debug("editors loaded", "dir", dir, "count", len(loaded))
	return len(loaded), nil
}

func editorType(path string) (string, bool) {
	switch filepath.Ext(path) {
	case ExtTrilogy:
		return core.EditorTrilogy, true
	case ExtSQL:
		return core.EditorSQL, true
	}
	return "", false
}

// Watch reloads dir whenever an editor file changes, then calls onChange.
// It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, dir, connection string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watchDirRecursive(watcher, dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if _, ok := editorType(event.Name); !ok {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watchDebounce, func() {
				r.logger.Debug("editor changed, reloading", "file", event.Name)
				if _, err := r.LoadDir(dir, connection); err != nil {
					r.logger.Error("reload failed", "error", err)
					return
				}
				if onChange != nil {
					onChange()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("watcher error", "error", err)
		}
	}
}

func watchDirRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
