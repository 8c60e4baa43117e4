// Package store manages the parent/subdirectory layout on disk.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/taigrr/coordbug/internal/pathfilter"
	"github.com/taigrr/coordbug/internal/types"
)

const dirPerm = 0o755

// Store provides directory operations for the managed layout.
type Store struct {
	layout     types.Layout
	pathFilter *pathfilter.PathFilter
}

// New creates a new Store for the given layout.
func New(layout types.Layout, pf *pathfilter.PathFilter) *Store {
	if pf == nil {
		pf = pathfilter.New(nil)
	}
	return &Store{
		layout:     layout,
		pathFilter: pf,
	}
}

// Layout returns the managed directories.
func (s *Store) Layout() types.Layout {
	return s.layout
}

// EnsureLayout creates the parent and sub directories if they are missing.
func (s *Store) EnsureLayout() error {
	if err := os.MkdirAll(s.layout.Sub, dirPerm); err != nil {
		return types.NewIOError("ensure layout", s.layout.Sub, err)
	}
	return nil
}

// ListContents reads both directories and returns their entry names.
func (s *Store) ListContents() (types.ListingSnapshot, error) {
	parent, err := s.readNames(s.layout.Parent, "")
	if err != nil {
		return types.ListingSnapshot{}, err
	}
	sub, err := s.readNames(s.layout.Sub, types.SubDirectoryName)
	if err != nil {
		return types.ListingSnapshot{}, err
	}
	return types.ListingSnapshot{
		Parent:  parent,
		Sub:     sub,
		TakenAt: time.Now().UTC(),
	}, nil
}

func (s *Store) readNames(dir, relDir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.NewIOError("list", dir, fmt.Errorf("directory not found: %w", err))
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, types.NewIOError("list", dir, fmt.Errorf("permission denied: %w", err))
		}
		return nil, types.NewIOError("list", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		// The managed subdirectory is layout, not content.
		if relDir == "" && name == types.SubDirectoryName && entry.IsDir() {
			continue
		}

		entryPath := name
		if relDir != "" {
			entryPath = relDir + "/" + name
		}
		if !s.pathFilter.IsAllowed(entryPath) {
			continue
		}
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

// Reset deletes the parent directory recursively and recreates the layout.
// Callers must hold exclusive coordination on the parent directory.
func (s *Store) Reset() error {
	if err := os.RemoveAll(s.layout.Parent); err != nil {
		return types.NewIOError("reset", s.layout.Parent, err)
	}
	return s.EnsureLayout()
}

// ParentFile resolves a file name inside the parent directory.
func (s *Store) ParentFile(name string) (string, error) {
	return resolveName(s.layout.Parent, name)
}

// SubFile resolves a file name inside the subdirectory.
func (s *Store) SubFile(name string) (string, error) {
	return resolveName(s.layout.Sub, name)
}

// resolveName joins a single path element onto dir and refuses anything that
// would land outside of it.
func resolveName(dir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name: %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("file name must not contain path separators: %q", name)
	}

	fullPath := filepath.Join(dir, name)
	relPath, err := filepath.Rel(dir, fullPath)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", name)
	}
	return fullPath, nil
}
