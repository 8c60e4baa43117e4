// Package coord serializes writers and readers of filesystem paths.
//
// Coordination is hierarchical. Taking a path exclusively also takes a shared
// lock on each of its ancestors below the writer's root, so replacing a
// directory excludes writes anywhere beneath it while writes to sibling
// directories proceed in parallel. Each lock is held both in-process and as an
// advisory file lock so separate processes sharing a lock directory
// coordinate too.
package coord

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/taigrr/coordbug/internal/types"
)

type mode int

const (
	shared mode = iota
	exclusive
)

// Writer performs coordinated reads and writes.
type Writer struct {
	root    string
	lockDir string

	mutex sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	rw   sync.RWMutex
	refs int
}

type held struct {
	path  string
	mode  mode
	local *pathLock
	file  *flock.Flock
}

// New creates a Writer. Ancestors of a coordinated path are locked only when
// they lie below root. An empty lockDir disables cross-process file locks.
func New(root, lockDir string) *Writer {
	return &Writer{
		root:    cleanPath(root),
		lockDir: lockDir,
		locks:   make(map[string]*pathLock),
	}
}

// ForLayout creates a Writer scoped to a layout's root and lock directory.
func ForLayout(layout types.Layout) *Writer {
	return New(layout.Root, layout.LockDir)
}

// WriteFile creates an empty file at path, or truncates an existing one,
// while holding exclusive coordination on its containing directory.
func (w *Writer) WriteFile(path string) error {
	path = cleanPath(path)
	return w.WithExclusiveWrite(filepath.Dir(path), func(string) error {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return types.NewIOError("write", path, err)
		}
		if err := file.Close(); err != nil {
			return types.NewIOError("write", path, err)
		}
		return nil
	})
}

// WithExclusiveWrite runs body while holding exclusive coordination on path.
// The coordination is released on every exit path before body's error is
// returned.
func (w *Writer) WithExclusiveWrite(path string, body func(path string) error) error {
	return w.with(path, exclusive, body)
}

// WithSharedRead runs body while holding shared coordination on path.
func (w *Writer) WithSharedRead(path string, body func(path string) error) error {
	return w.with(path, shared, body)
}

func (w *Writer) with(path string, m mode, body func(string) error) error {
	path = cleanPath(path)
	release, err := w.acquire(path, m)
	if err != nil {
		return err
	}
	defer release()
	return body(path)
}

func (w *Writer) acquire(path string, m mode) (func(), error) {
	chain := w.chain(path)
	acquired := make([]held, 0, len(chain))

	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			w.unlock(acquired[i])
		}
	}

	for i, p := range chain {
		lockMode := shared
		if i == len(chain)-1 {
			lockMode = m
		}
		h, err := w.lock(p, lockMode)
		if err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, h)
	}
	return release, nil
}

// chain returns the ancestors of path strictly below root, top-down, followed
// by path itself.
func (w *Writer) chain(path string) []string {
	chain := []string{path}
	if w.root == "" {
		return chain
	}
	for dir := filepath.Dir(path); isBelow(w.root, dir); dir = filepath.Dir(dir) {
		chain = append(chain, dir)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (w *Writer) lock(path string, m mode) (held, error) {
	w.mutex.Lock()
	local, ok := w.locks[path]
	if !ok {
		local = &pathLock{}
		w.locks[path] = local
	}
	local.refs++
	w.mutex.Unlock()

	if m == exclusive {
		local.rw.Lock()
	} else {
		local.rw.RLock()
	}
	h := held{path: path, mode: m, local: local}

	if w.lockDir == "" {
		return h, nil
	}
	if err := os.MkdirAll(w.lockDir, 0o755); err != nil {
		w.unlock(h)
		return held{}, types.NewIOError("lock", w.lockDir, err)
	}
	file := flock.New(w.lockFile(path))
	var err error
	if m == exclusive {
		err = file.Lock()
	} else {
		err = file.RLock()
	}
	if err != nil {
		w.unlock(h)
		return held{}, types.NewIOError("lock", path, fmt.Errorf("advisory lock: %w", err))
	}
	h.file = file
	return h, nil
}

func (w *Writer) unlock(h held) {
	if h.file != nil {
		// Close releases the lock along with the descriptor.
		_ = h.file.Close()
	}
	if h.mode == exclusive {
		h.local.rw.Unlock()
	} else {
		h.local.rw.RUnlock()
	}

	w.mutex.Lock()
	h.local.refs--
	if h.local.refs == 0 {
		delete(w.locks, h.path)
	}
	w.mutex.Unlock()
}

func (w *Writer) lockFile(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(w.lockDir, hex.EncodeToString(sum[:16])+".lock")
}

func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// isBelow reports whether path is a strict descendant of root.
func isBelow(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
