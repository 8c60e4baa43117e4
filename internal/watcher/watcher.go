package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/taigrr/coordbug/internal/pathfilter"
	"github.com/taigrr/coordbug/internal/types"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher watches one directory tree and calls back with coalesced changes.
//
// Callbacks run on a single dispatch goroutine, one at a time. Stop may be
// called from any goroutine at any time, including from inside the callback.
type Watcher struct {
	logger       *slog.Logger
	debounce     time.Duration
	probeTimeout time.Duration
	failureMode  FailureMode
	filter       *pathfilter.PathFilter
	newBackend   func() (Backend, error)

	mutex   sync.Mutex
	state   State
	session *session
	health  Health
}

// session is the state of one Start..Stop cycle. A new session is created on
// every Start so a dispatch goroutine left over from a stop issued inside a
// callback never shares maps with its successor.
type session struct {
	root     string
	onChange func(Change)
	done     chan struct{}
	exited   chan struct{}

	// Guarded by Watcher.mutex.
	backend Backend
	running bool
	probes  map[string]chan struct{}

	dispatcher atomic.Uint64

	// Owned by the run goroutine, or by Start before run begins.
	watched map[string]bool
	pending map[string]struct{}
}

// New creates a stopped Watcher.
func New(options Options) *Watcher {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	failureMode := options.FailureMode
	if failureMode == "" {
		failureMode = Silent
	}

	filter := options.Filter
	if filter == nil {
		filter = pathfilter.New(nil)
	}

	newBackend := options.NewBackend
	if newBackend == nil {
		newBackend = newFSNotifyBackend
	}

	return &Watcher{
		logger:       logger.With("component", "watcher"),
		debounce:     debounce,
		probeTimeout: options.ProbeTimeout,
		failureMode:  failureMode,
		filter:       filter,
		newBackend:   newBackend,
	}
}

// State returns the lifecycle state.
func (w *Watcher) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

// Health returns a copy of the liveness counters.
func (w *Watcher) Health() Health {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	h := w.health
	h.State = w.state
	return h
}

// Start begins watching path recursively and calls onChange after each
// debounce window that saw a relevant event. If Stop runs before Start has
// finished, Start releases everything it acquired and returns ErrNotWatching.
func (w *Watcher) Start(path string, onChange func(Change)) error {
	if onChange == nil {
		return errors.New("watcher: nil callback")
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return types.NewIOError("watch", path, err)
	}
	if _, err := os.Stat(root); err != nil {
		return types.NewIOError("watch", root, err)
	}

	s := &session{
		root:     root,
		onChange: onChange,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		probes:   make(map[string]chan struct{}),
		watched:  make(map[string]bool),
		pending:  make(map[string]struct{}),
	}

	w.mutex.Lock()
	if w.state == Watching {
		w.mutex.Unlock()
		return ErrAlreadyWatching
	}
	w.state = Watching
	w.session = s
	w.health = Health{}
	w.mutex.Unlock()

	backend, err := w.newBackend()
	if err != nil {
		return w.unsupported(s, "create watcher", err, nil)
	}
	if err := w.watchTree(s, backend, root); err != nil {
		return w.unsupported(s, "add watch", err, backend)
	}
	// The containing directory reports removal and recreation of root.
	if err := backend.Add(filepath.Dir(root)); err != nil {
		w.logger.Warn("watch containing directory failed", "path", filepath.Dir(root), "err", err)
	}

	w.mutex.Lock()
	if w.session != s {
		w.mutex.Unlock()
		_ = backend.Close()
		w.logger.Debug("watch stopped during start", "path", root)
		return ErrNotWatching
	}
	s.backend = backend
	s.running = true
	w.mutex.Unlock()

	go w.run(s, backend)
	w.logger.Info("watch started", "path", root, "debounce", w.debounce)

	if w.probeTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), w.probeTimeout)
		defer cancel()
		if err := w.Probe(ctx); err != nil {
			if errors.Is(err, ErrNoNotification) && w.failureMode == FailFast {
				_ = w.Stop()
				return &WatchUnsupportedError{Path: root, Reason: "no notification within probe timeout", Err: err}
			}
			if !errors.Is(err, ErrNoNotification) {
				w.logger.Warn("start-up probe failed", "path", root, "err", err)
			}
		}
	}
	return nil
}

// unsupported applies the failure mode when the backend cannot watch root.
func (w *Watcher) unsupported(s *session, reason string, err error, backend Backend) error {
	if backend != nil {
		_ = backend.Close()
	}

	w.mutex.Lock()
	if w.session != s {
		w.mutex.Unlock()
		return ErrNotWatching
	}
	w.health.Status = StatusSilent
	w.health.LastError = err.Error()
	if w.failureMode == FailFast {
		w.state = Stopped
		w.session = nil
	}
	w.mutex.Unlock()

	if w.failureMode == FailFast {
		return &WatchUnsupportedError{Path: s.root, Reason: reason, Err: err}
	}
	w.logger.Warn("watch unavailable, callbacks will not fire", "path", s.root, "reason", reason, "err", err)
	return nil
}

// Stop ends watching. No callback starts after Stop returns, and when called
// from outside the callback Stop also waits for an in-flight callback to
// return. Called from inside the callback, Stop returns without waiting and
// the dispatch goroutine exits once the callback returns.
func (w *Watcher) Stop() error {
	w.mutex.Lock()
	s := w.session
	if w.state == Stopped || s == nil {
		w.state = Stopped
		w.mutex.Unlock()
		return nil
	}
	w.state = Stopped
	w.session = nil
	backend := s.backend
	running := s.running
	close(s.done)
	w.mutex.Unlock()

	if running && s.dispatcher.Load() != goroutineID() {
		<-s.exited
	}

	var err error
	if backend != nil {
		err = backend.Close()
	}
	w.logger.Info("watch stopped", "path", s.root)
	return err
}

func (w *Watcher) run(s *session, backend Backend) {
	defer close(s.exited)
	s.dispatcher.Store(goroutineID())

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	events := backend.Events()
	errs := backend.Errors()

	for {
		select {
		case <-s.done:
			return

		case <-timer.C:
			w.flush(s)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("watch error", "err", err)
			w.mutex.Lock()
			if w.session == s {
				w.health.LastError = err.Error()
			}
			w.mutex.Unlock()

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if w.handleEvent(s, backend, event) {
				timer.Reset(w.debounce)
			}
		}
	}
}

// handleEvent records event and reports whether it should be delivered.
func (w *Watcher) handleEvent(s *session, backend Backend, event fsnotify.Event) bool {
	// fsnotify does not guarantee clean paths.
	path := filepath.Clean(event.Name)

	if pathfilter.IsProbe(path) {
		w.noteEvent(s)
		w.resolveProbe(s, filepath.Base(path))
		return false
	}
	if path != s.root && !isBelow(s.root, path) {
		return false
	}
	if event.Op == fsnotify.Chmod {
		return false
	}
	if path != s.root {
		rel, err := filepath.Rel(s.root, path)
		if err == nil && !w.filter.IsAllowed(filepath.ToSlash(rel)) {
			return false
		}
	}

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.watchTree(s, backend, path); err != nil {
				w.logger.Warn("watch new directory failed", "path", path, "err", err)
			}
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.unwatchTree(s, backend, path)
	}

	s.pending[path] = struct{}{}
	w.noteEvent(s)
	return true
}

func (w *Watcher) noteEvent(s *session) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.session != s {
		return
	}
	w.health.Events++
	w.health.LastEvent = time.Now().UTC()
	w.health.Status = StatusHealthy
}

func (w *Watcher) flush(s *session) {
	if len(s.pending) == 0 {
		return
	}
	paths := make([]string, 0, len(s.pending))
	for path := range s.pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	s.pending = make(map[string]struct{})

	w.mutex.Lock()
	select {
	case <-s.done:
		w.mutex.Unlock()
		return
	default:
	}
	w.health.Callbacks++
	w.mutex.Unlock()

	w.logger.Debug("change detected", "paths", len(paths))
	s.onChange(Change{Paths: paths, At: time.Now().UTC()})
}
