package watcher

import "github.com/fsnotify/fsnotify"

// Backend is the notification source used by a Watcher.
type Backend interface {
	Add(path string) error
	Remove(path string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyBackend struct {
	watcher *fsnotify.Watcher
}

func newFSNotifyBackend() (Backend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &fsnotifyBackend{watcher: w}, nil
}

func (b *fsnotifyBackend) Add(path string) error         { return b.watcher.Add(path) }
func (b *fsnotifyBackend) Remove(path string) error      { return b.watcher.Remove(path) }
func (b *fsnotifyBackend) Close() error                  { return b.watcher.Close() }
func (b *fsnotifyBackend) Events() <-chan fsnotify.Event { return b.watcher.Events }
func (b *fsnotifyBackend) Errors() <-chan error          { return b.watcher.Errors }
