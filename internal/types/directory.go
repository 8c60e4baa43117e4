package types

import "time"

// SubDirectoryName is the name of the single managed subdirectory.
const SubDirectoryName = "SubDirectory"

type (
	// Layout contains the directories managed by the store.
	Layout struct {
		Root    string `json:"root"`
		Parent  string `json:"parent"`
		Sub     string `json:"sub"`
		LockDir string `json:"lockDir"`
	}

	// ListingSnapshot is a point-in-time listing of the parent and sub directories.
	ListingSnapshot struct {
		Parent  []string  `json:"parent"`
		Sub     []string  `json:"sub"`
		TakenAt time.Time `json:"takenAt"`
	}

	// PathFilterConfig contains configuration for the path filter.
	PathFilterConfig struct {
		IgnoredPatterns []string `json:"ignoredPatterns"`
	}
)

// Counts returns the number of entries in each listing.
func (s ListingSnapshot) Counts() (parent, sub int) {
	return len(s.Parent), len(s.Sub)
}
