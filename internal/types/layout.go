// Package types defines the data structures shared across coordbug.
package types

import "path/filepath"

// NewLayout derives the managed directories from a root directory.
func NewLayout(root string) Layout {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = filepath.Clean(root)
	}
	parent := filepath.Join(absRoot, "Parent")
	return Layout{
		Root:    absRoot,
		Parent:  parent,
		Sub:     filepath.Join(parent, SubDirectoryName),
		LockDir: filepath.Join(absRoot, ".locks"),
	}
}
