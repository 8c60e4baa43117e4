// Package controller ties the store, coordinated writer and watcher together
// and holds the current listing counts.
package controller

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taigrr/coordbug/internal/coord"
	"github.com/taigrr/coordbug/internal/store"
	"github.com/taigrr/coordbug/internal/types"
	"github.com/taigrr/coordbug/internal/watcher"
)

// ChangeWatcher is the subset of *watcher.Watcher the controller uses.
type ChangeWatcher interface {
	Start(path string, onChange func(watcher.Change)) error
	Stop() error
	Health() watcher.Health
}

// Options configures a Controller.
type Options struct {
	Store  *store.Store
	Writer *coord.Writer
	// Watcher is started on the parent directory. Nil disables watching.
	Watcher ChangeWatcher
	Logger  *slog.Logger
	// NotifyTimeout arms a deadline after each mutation; a missing
	// notification is counted in Stats().Missed. Zero disables it.
	NotifyTimeout time.Duration
	// OnChange runs after each notification-driven refresh.
	OnChange func(types.ListingSnapshot)
	// OnMissed runs when a mutation saw no notification in time.
	OnMissed func()
	// NewName generates file names. Defaults to upper-case UUIDs.
	NewName func() string
}

// Stats counts refresh activity.
type Stats struct {
	Refreshes     uint64 `json:"refreshes"`
	Notifications uint64 `json:"notifications"`
	Missed        uint64 `json:"missed"`
}

// Controller holds the current listing snapshot.
type Controller struct {
	store         *store.Store
	writer        *coord.Writer
	watcher       ChangeWatcher
	logger        *slog.Logger
	notifyTimeout time.Duration
	onChange      func(types.ListingSnapshot)
	onMissed      func()
	newName       func() string

	mutex    sync.Mutex
	snapshot types.ListingSnapshot
	readSeq  uint64
	heldSeq  uint64
	stats    Stats
	deadline *time.Timer
	closed   bool
}

// New ensures the layout exists, takes the initial snapshot and starts the
// watcher. Layout and listing failures are returned as *types.IOError; a
// watcher failure is returned as is after the controller has been built, so
// callers may keep using it without notifications.
func New(options Options) (*Controller, error) {
	if options.Store == nil {
		return nil, errors.New("controller: store is required")
	}
	writer := options.Writer
	if writer == nil {
		writer = coord.ForLayout(options.Store.Layout())
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	newName := options.NewName
	if newName == nil {
		newName = defaultName
	}

	c := &Controller{
		store:         options.Store,
		writer:        writer,
		watcher:       options.Watcher,
		logger:        logger.With("component", "controller"),
		notifyTimeout: options.NotifyTimeout,
		onChange:      options.OnChange,
		onMissed:      options.OnMissed,
		newName:       newName,
	}

	if err := c.store.EnsureLayout(); err != nil {
		return nil, err
	}
	if err := c.Refresh(); err != nil {
		return nil, err
	}

	if c.watcher != nil {
		if err := c.watcher.Start(c.store.Layout().Parent, c.handleChange); err != nil {
			c.logger.Warn("watcher failed to start", "err", err)
			return c, err
		}
	}
	return c, nil
}

func defaultName() string {
	return strings.ToUpper(uuid.New().String())
}

// AddToParent creates a new empty file in the parent directory.
func (c *Controller) AddToParent() (string, error) {
	return c.add(c.store.ParentFile)
}

// AddToSub creates a new empty file in the subdirectory.
func (c *Controller) AddToSub() (string, error) {
	return c.add(c.store.SubFile)
}

func (c *Controller) add(resolve func(string) (string, error)) (string, error) {
	name := c.newName()
	path, err := resolve(name)
	if err != nil {
		return "", err
	}
	if err := c.writer.WriteFile(path); err != nil {
		c.logger.Error("add failed", "path", path, "err", err)
		return "", err
	}
	c.logger.Debug("file added", "path", path)
	c.armDeadline()
	return name, c.Refresh()
}

// Reset deletes everything under the parent directory and recreates the
// layout while holding exclusive coordination on the parent.
func (c *Controller) Reset() error {
	parent := c.store.Layout().Parent
	err := c.writer.WithExclusiveWrite(parent, func(string) error {
		return c.store.Reset()
	})
	if err != nil {
		c.logger.Error("reset failed", "path", parent, "err", err)
		return err
	}
	c.logger.Debug("directories reset", "path", parent)
	c.armDeadline()
	return c.Refresh()
}

// Refresh replaces the held snapshot with a fresh listing. On failure the
// previous snapshot is kept.
func (c *Controller) Refresh() error {
	var (
		snapshot types.ListingSnapshot
		seq      uint64
	)
	err := c.writer.WithSharedRead(c.store.Layout().Parent, func(string) error {
		c.mutex.Lock()
		c.readSeq++
		seq = c.readSeq
		c.mutex.Unlock()

		var err error
		snapshot, err = c.store.ListContents()
		return err
	})
	if err != nil {
		c.logger.Warn("refresh failed", "err", err)
		return err
	}

	c.mutex.Lock()
	// Concurrent refreshes may finish out of order; keep the newest read.
	if seq > c.heldSeq {
		c.snapshot = snapshot
		c.heldSeq = seq
	}
	c.stats.Refreshes++
	c.mutex.Unlock()
	return nil
}

func (c *Controller) handleChange(change watcher.Change) {
	c.mutex.Lock()
	c.stats.Notifications++
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	c.mutex.Unlock()

	c.logger.Debug("change notification", "paths", len(change.Paths))
	if err := c.Refresh(); err != nil {
		return
	}
	if c.onChange != nil {
		c.onChange(c.Snapshot())
	}
}

// armDeadline starts the missed-notification timer unless one is running.
func (c *Controller) armDeadline() {
	if c.notifyTimeout <= 0 || c.watcher == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed || c.deadline != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.notifyTimeout, func() {
		c.mutex.Lock()
		if c.deadline != timer {
			c.mutex.Unlock()
			return
		}
		c.deadline = nil
		c.stats.Missed++
		c.mutex.Unlock()

		c.logger.Warn("no change notification received", "timeout", c.notifyTimeout)
		if c.onMissed != nil {
			c.onMissed()
		}
	})
	c.deadline = timer
}

// Snapshot returns the current listing.
func (c *Controller) Snapshot() types.ListingSnapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return types.ListingSnapshot{
		Parent:  append([]string(nil), c.snapshot.Parent...),
		Sub:     append([]string(nil), c.snapshot.Sub...),
		TakenAt: c.snapshot.TakenAt,
	}
}

// Counts returns the current number of entries in each directory.
func (c *Controller) Counts() (parent, sub int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.snapshot.Counts()
}

// Stats returns refresh counters.
func (c *Controller) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stats
}

// Health returns the watcher's liveness report.
func (c *Controller) Health() watcher.Health {
	if c.watcher == nil {
		return watcher.Health{}
	}
	return c.watcher.Health()
}

// Layout returns the managed directories.
func (c *Controller) Layout() types.Layout {
	return c.store.Layout()
}

// Close stops the watcher and any pending notification deadline.
func (c *Controller) Close() error {
	c.mutex.Lock()
	c.closed = true
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	c.mutex.Unlock()

	if c.watcher == nil {
		return nil
	}
	return c.watcher.Stop()
}
