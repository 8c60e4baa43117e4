package watcher

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// watchTree adds root and every directory below it.
func (w *Watcher) watchTree(s *session, backend Backend, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish mid-walk during a reset.
			if path == root {
				return err
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if s.watched[path] {
			return nil
		}
		if err := backend.Add(path); err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("watch add failed", "path", path, "err", err)
			return filepath.SkipDir
		}
		s.watched[path] = true
		w.logger.Debug("watch added", "path", path, "active_watches", len(s.watched))
		return nil
	})
}

// unwatchTree forgets path and everything below it. The kernel drops watches
// on deleted directories by itself, so Remove errors are expected.
func (w *Watcher) unwatchTree(s *session, backend Backend, path string) {
	for watched := range s.watched {
		if watched != path && !isBelow(path, watched) {
			continue
		}
		_ = backend.Remove(watched)
		delete(s.watched, watched)
	}
}

// isBelow reports whether path is a strict descendant of root.
func isBelow(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
