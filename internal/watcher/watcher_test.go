package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/taigrr/coordbug/internal/types"
)

const waitTimeout = 5 * time.Second

type recorder struct {
	mutex   sync.Mutex
	changes []Change
	signal  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) onChange(change Change) {
	r.mutex.Lock()
	r.changes = append(r.changes, change)
	r.mutex.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.changes)
}

func (r *recorder) sawPath(path string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, change := range r.changes {
		for _, p := range change.Paths {
			if p == path {
				return true
			}
		}
	}
	return false
}

// waitForPath waits until a delivered change mentions path.
func (r *recorder) waitForPath(t *testing.T, path string) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for !r.sawPath(path) {
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for change on %s", path)
		}
	}
}

type silentBackend struct {
	events chan fsnotify.Event
	errs   chan error
}

func newSilentBackend() (Backend, error) {
	return &silentBackend{events: make(chan fsnotify.Event), errs: make(chan error)}, nil
}

func (b *silentBackend) Add(string) error              { return nil }
func (b *silentBackend) Remove(string) error           { return nil }
func (b *silentBackend) Close() error                  { return nil }
func (b *silentBackend) Events() <-chan fsnotify.Event { return b.events }
func (b *silentBackend) Errors() <-chan error          { return b.errs }

// gatedBackend blocks Add until the gate is opened and counts Close calls.
type gatedBackend struct {
	silentBackend
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
	closes  atomic.Int32
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		silentBackend: silentBackend{events: make(chan fsnotify.Event), errs: make(chan error)},
		entered:       make(chan struct{}),
		gate:          make(chan struct{}),
	}
}

func (b *gatedBackend) Add(string) error {
	b.once.Do(func() { close(b.entered) })
	<-b.gate
	return nil
}

func (b *gatedBackend) Close() error {
	b.closes.Add(1)
	return nil
}

func startWatcher(t *testing.T, options Options) (string, *Watcher, *recorder) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Parent")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if options.Debounce == 0 {
		options.Debounce = 20 * time.Millisecond
	}
	w := New(options)
	rec := newRecorder()
	if err := w.Start(dir, rec.onChange); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return dir, w, rec
}

func TestWatcherDispatchesCreateEvent(t *testing.T) {
	dir, w, rec := startWatcher(t, Options{})

	if got := w.State(); got != Watching {
		t.Fatalf("state = %v, want watching", got)
	}

	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	rec.waitForPath(t, path)

	health := w.Health()
	if health.Status != StatusHealthy {
		t.Errorf("status = %v, want healthy", health.Status)
	}
	if health.Callbacks == 0 || health.Events == 0 {
		t.Errorf("health counters = %+v, want non-zero", health)
	}
}

func TestWatcherCoalescesRapidEvents(t *testing.T) {
	dir, _, rec := startWatcher(t, Options{Debounce: 200 * time.Millisecond})

	const n = 20
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, "file-"+string(rune('a'+i)))
		if err := os.WriteFile(paths[i], nil, 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}

	for _, path := range paths {
		rec.waitForPath(t, path)
	}
	if got := rec.count(); got < 1 || got > n {
		t.Errorf("callbacks = %d, want between 1 and %d", got, n)
	}
}

func TestWatcherWatchesNewSubdirectories(t *testing.T) {
	dir, _, rec := startWatcher(t, Options{})

	sub := filepath.Join(dir, "SubDirectory")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rec.waitForPath(t, sub)

	path := filepath.Join(sub, "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	rec.waitForPath(t, path)
}

func TestWatcherSurvivesRootRecreation(t *testing.T) {
	dir, _, rec := startWatcher(t, Options{})

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "SubDirectory"), 0o755); err != nil {
		t.Fatalf("recreate root: %v", err)
	}
	rec.waitForPath(t, dir)

	// Give the re-armed watch a moment to cover the recreated subdirectory.
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(dir, "SubDirectory", "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	rec.waitForPath(t, path)
}

func TestWatcherIgnoresFilteredEntries(t *testing.T) {
	dir, _, rec := startWatcher(t, Options{})

	if err := os.WriteFile(filepath.Join(dir, ".DS_Store"), nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	path := filepath.Join(dir, "visible")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	rec.waitForPath(t, path)

	if rec.sawPath(filepath.Join(dir, ".DS_Store")) {
		t.Error("ignored entry was delivered")
	}
}

func TestWatcherStop(t *testing.T) {
	t.Run("no callbacks after stop", func(t *testing.T) {
		dir, w, rec := startWatcher(t, Options{})

		if err := w.Stop(); err != nil {
			t.Fatalf("stop: %v", err)
		}
		if got := w.State(); got != Stopped {
			t.Fatalf("state = %v, want stopped", got)
		}
		before := rec.count()

		if err := os.WriteFile(filepath.Join(dir, "late"), nil, 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
		if got := rec.count(); got != before {
			t.Errorf("callbacks after stop = %d, want %d", got, before)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		_, w, _ := startWatcher(t, Options{})
		if err := w.Stop(); err != nil {
			t.Fatalf("first stop: %v", err)
		}
		if err := w.Stop(); err != nil {
			t.Fatalf("second stop: %v", err)
		}
	})

	t.Run("waits for in-flight callback", func(t *testing.T) {
		dir := t.TempDir()
		w := New(Options{Debounce: 10 * time.Millisecond})

		entered := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		if err := w.Start(dir, func(Change) {
			once.Do(func() { close(entered) })
			<-release
		}); err != nil {
			t.Fatalf("start watcher: %v", err)
		}

		if err := os.WriteFile(filepath.Join(dir, "file"), nil, 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		select {
		case <-entered:
		case <-time.After(waitTimeout):
			t.Fatal("callback never ran")
		}

		stopped := make(chan struct{})
		go func() {
			_ = w.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("stop returned while callback in flight")
		case <-time.After(100 * time.Millisecond):
		}

		close(release)
		select {
		case <-stopped:
		case <-time.After(waitTimeout):
			t.Fatal("stop deadlocked")
		}
	})

	t.Run("from inside the callback", func(t *testing.T) {
		dir := t.TempDir()
		w := New(Options{Debounce: 10 * time.Millisecond})
		t.Cleanup(func() { _ = w.Stop() })

		var calls atomic.Int32
		stopped := make(chan error, 1)
		if err := w.Start(dir, func(Change) {
			if calls.Add(1) == 1 {
				stopped <- w.Stop()
			}
		}); err != nil {
			t.Fatalf("start watcher: %v", err)
		}

		if err := os.WriteFile(filepath.Join(dir, "file"), nil, 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		select {
		case err := <-stopped:
			if err != nil {
				t.Fatalf("stop: %v", err)
			}
		case <-time.After(waitTimeout):
			t.Fatal("stop from callback deadlocked")
		}
		if got := w.State(); got != Stopped {
			t.Fatalf("state = %v, want stopped", got)
		}

		if err := os.WriteFile(filepath.Join(dir, "late"), nil, 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
		if got := calls.Load(); got != 1 {
			t.Errorf("callbacks = %d, want 1", got)
		}
	})

	t.Run("during start", func(t *testing.T) {
		backend := newGatedBackend()
		w := New(Options{NewBackend: func() (Backend, error) { return backend, nil }})

		dir := t.TempDir()
		started := make(chan error, 1)
		go func() { started <- w.Start(dir, func(Change) {}) }()

		select {
		case <-backend.entered:
		case <-time.After(waitTimeout):
			t.Fatal("start never reached the backend")
		}
		if err := w.Stop(); err != nil {
			t.Fatalf("stop: %v", err)
		}
		close(backend.gate)

		select {
		case err := <-started:
			if !errors.Is(err, ErrNotWatching) {
				t.Fatalf("start = %v, want ErrNotWatching", err)
			}
		case <-time.After(waitTimeout):
			t.Fatal("start never returned")
		}
		if got := w.State(); got != Stopped {
			t.Errorf("state = %v, want stopped", got)
		}
		if got := backend.closes.Load(); got != 1 {
			t.Errorf("backend closed %d times, want 1", got)
		}

		// The watcher is reusable after the interrupted start.
		rec := newRecorder()
		w.newBackend = newFSNotifyBackend
		if err := w.Start(dir, rec.onChange); err != nil {
			t.Fatalf("restart: %v", err)
		}
		t.Cleanup(func() { _ = w.Stop() })
		path := filepath.Join(dir, "file")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		rec.waitForPath(t, path)
	})

	t.Run("restart after stop", func(t *testing.T) {
		dir, w, _ := startWatcher(t, Options{})
		if err := w.Stop(); err != nil {
			t.Fatalf("stop: %v", err)
		}

		rec := newRecorder()
		if err := w.Start(dir, rec.onChange); err != nil {
			t.Fatalf("restart: %v", err)
		}
		path := filepath.Join(dir, "again")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		rec.waitForPath(t, path)
	})
}

func TestWatcherStartErrors(t *testing.T) {
	t.Run("already watching", func(t *testing.T) {
		dir, w, _ := startWatcher(t, Options{})
		if err := w.Start(dir, func(Change) {}); !errors.Is(err, ErrAlreadyWatching) {
			t.Fatalf("start = %v, want ErrAlreadyWatching", err)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		w := New(Options{})
		err := w.Start(filepath.Join(t.TempDir(), "missing"), func(Change) {})
		var ioErr *types.IOError
		if !errors.As(err, &ioErr) {
			t.Fatalf("start = %v, want *types.IOError", err)
		}
		if got := w.State(); got != Stopped {
			t.Errorf("state = %v, want stopped", got)
		}
	})

	t.Run("nil callback", func(t *testing.T) {
		w := New(Options{})
		if err := w.Start(t.TempDir(), nil); err == nil {
			t.Fatal("start with nil callback succeeded")
		}
	})
}

func TestWatcherFailureModes(t *testing.T) {
	unavailable := func() (Backend, error) {
		return nil, errors.New("function not implemented")
	}

	tests := []struct {
		name       string
		options    Options
		wantErr    bool
		wantState  State
		wantStatus Status
	}{
		{
			name:       "backend unavailable fail-fast",
			options:    Options{FailureMode: FailFast, NewBackend: unavailable},
			wantErr:    true,
			wantState:  Stopped,
			wantStatus: StatusSilent,
		},
		{
			name:       "backend unavailable silent",
			options:    Options{FailureMode: Silent, NewBackend: unavailable},
			wantState:  Watching,
			wantStatus: StatusSilent,
		},
		{
			name:       "no events fail-fast",
			options:    Options{FailureMode: FailFast, NewBackend: newSilentBackend, ProbeTimeout: 100 * time.Millisecond},
			wantErr:    true,
			wantState:  Stopped,
			wantStatus: StatusSilent,
		},
		{
			name:       "no events silent",
			options:    Options{FailureMode: Silent, NewBackend: newSilentBackend, ProbeTimeout: 100 * time.Millisecond},
			wantState:  Watching,
			wantStatus: StatusSilent,
		},
		{
			name:       "fsnotify with probe",
			options:    Options{FailureMode: FailFast, ProbeTimeout: waitTimeout},
			wantState:  Watching,
			wantStatus: StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(tt.options)
			t.Cleanup(func() { _ = w.Stop() })
			err := w.Start(t.TempDir(), func(Change) {})

			var unsupported *WatchUnsupportedError
			if tt.wantErr != errors.As(err, &unsupported) {
				t.Fatalf("start = %v, want unsupported error: %v", err, tt.wantErr)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("start = %v", err)
			}

			health := w.Health()
			if health.State != tt.wantState {
				t.Errorf("state = %v, want %v", health.State, tt.wantState)
			}
			if health.Status != tt.wantStatus {
				t.Errorf("status = %v, want %v", health.Status, tt.wantStatus)
			}
		})
	}
}

func TestWatcherProbe(t *testing.T) {
	t.Run("healthy probe does not trigger callback", func(t *testing.T) {
		_, w, rec := startWatcher(t, Options{})

		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := w.Probe(ctx); err != nil {
			t.Fatalf("probe: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
		if got := rec.count(); got != 0 {
			t.Errorf("callbacks = %d, want 0", got)
		}
	})

	t.Run("silent backend", func(t *testing.T) {
		_, w, _ := startWatcher(t, Options{NewBackend: newSilentBackend})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := w.Probe(ctx); !errors.Is(err, ErrNoNotification) {
			t.Fatalf("probe = %v, want ErrNoNotification", err)
		}
		if got := w.Health().Status; got != StatusSilent {
			t.Errorf("status = %v, want silent", got)
		}
	})

	t.Run("not watching", func(t *testing.T) {
		w := New(Options{})
		if err := w.Probe(context.Background()); !errors.Is(err, ErrNotWatching) {
			t.Fatalf("probe = %v, want ErrNotWatching", err)
		}
	})
}

func TestParseFailureMode(t *testing.T) {
	tests := []struct {
		in      string
		want    FailureMode
		wantErr bool
	}{
		{"", Silent, false},
		{"silent", Silent, false},
		{"fail-fast", FailFast, false},
		{"panic", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFailureMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFailureMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFailureMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestGoroutineID(t *testing.T) {
	self := goroutineID()
	if self == 0 {
		t.Fatal("goroutineID() = 0")
	}
	if again := goroutineID(); again != self {
		t.Errorf("goroutineID() changed within a goroutine: %d then %d", self, again)
	}

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	if id := <-other; id == self || id == 0 {
		t.Errorf("other goroutine id = %d, self = %d", id, self)
	}
}
