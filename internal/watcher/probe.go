package watcher

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/taigrr/coordbug/internal/pathfilter"
	"github.com/taigrr/coordbug/internal/types"
)

// Probe creates and removes a hidden file in the watched directory and waits
// for the backend to report it. It returns ErrNoNotification when ctx ends
// first, and marks the watcher silent. Probe files never reach the callback.
func (w *Watcher) Probe(ctx context.Context) error {
	w.mutex.Lock()
	s := w.session
	if w.state != Watching || s == nil {
		w.mutex.Unlock()
		return ErrNotWatching
	}
	if s.backend == nil {
		w.health.Status = StatusSilent
		w.mutex.Unlock()
		return ErrNoNotification
	}
	name := pathfilter.ProbePrefix + uuid.NewString()
	seen := make(chan struct{})
	s.probes[name] = seen
	w.mutex.Unlock()

	path := filepath.Join(s.root, name)
	defer func() {
		w.mutex.Lock()
		delete(s.probes, name)
		w.mutex.Unlock()
		_ = os.Remove(path)
	}()

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return types.NewIOError("probe", path, err)
	}

	select {
	case <-seen:
		return nil
	case <-s.done:
		return ErrNotWatching
	case <-ctx.Done():
		w.mutex.Lock()
		if w.session == s {
			w.health.Status = StatusSilent
		}
		w.mutex.Unlock()
		w.logger.Warn("no notification received", "path", s.root, "err", ctx.Err())
		return ErrNoNotification
	}
}

func (w *Watcher) resolveProbe(s *session, name string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if seen, ok := s.probes[name]; ok {
		close(seen)
		delete(s.probes, name)
	}
}
