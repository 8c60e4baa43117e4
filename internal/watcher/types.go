// Package watcher delivers coalesced change notifications for a directory tree.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taigrr/coordbug/internal/pathfilter"
)

// State is the lifecycle state of a Watcher.
type State int32

const (
	Stopped State = iota
	Watching
)

func (s State) String() string {
	if s == Watching {
		return "watching"
	}
	return "stopped"
}

// Status describes whether notifications have been observed to arrive.
type Status int32

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusSilent
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusSilent:
		return "silent"
	default:
		return "unknown"
	}
}

// FailureMode selects what Start does when notifications are unavailable.
type FailureMode string

const (
	// FailFast makes Start return a *WatchUnsupportedError.
	FailFast FailureMode = "fail-fast"
	// Silent lets Start succeed; the condition is reported through Health.
	Silent FailureMode = "silent"
)

// ParseFailureMode parses a failure mode name. The empty string means Silent.
func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case "", Silent:
		return Silent, nil
	case FailFast:
		return FailFast, nil
	}
	return "", fmt.Errorf("unknown failure mode %q (want %q or %q)", s, FailFast, Silent)
}

// Change is one coalesced notification. Paths lists the changed paths seen
// during the debounce window; it is informational only.
type Change struct {
	Paths []string
	At    time.Time
}

// Health reports watcher liveness.
type Health struct {
	State     State     `json:"-"`
	Status    Status    `json:"-"`
	Events    uint64    `json:"events"`
	Callbacks uint64    `json:"callbacks"`
	LastEvent time.Time `json:"lastEvent"`
	LastError string    `json:"lastError,omitempty"`
}

// Options controls watcher behavior.
type Options struct {
	Logger *slog.Logger
	// Debounce is the quiet period after which pending events are delivered.
	Debounce time.Duration
	// ProbeTimeout enables a start-up probe when positive.
	ProbeTimeout time.Duration
	FailureMode  FailureMode
	Filter       *pathfilter.PathFilter
	// NewBackend overrides the fsnotify backend.
	NewBackend func() (Backend, error)
}

var (
	ErrAlreadyWatching = errors.New("watcher already started")
	ErrNotWatching     = errors.New("watcher not started")
	ErrNoNotification  = errors.New("no notification received")
)

// WatchUnsupportedError reports that change notifications are unavailable.
type WatchUnsupportedError struct {
	Path   string
	Reason string
	Err    error
}

func (e *WatchUnsupportedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("watch unsupported for %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("watch unsupported for %s: %s", e.Path, e.Reason)
}

func (e *WatchUnsupportedError) Unwrap() error {
	return e.Err
}
