// Package pathfilter decides which directory entries and watch events are ignored.
package pathfilter

import (
	"regexp"
	"strings"

	"github.com/taigrr/coordbug/internal/types"
)

// ProbePrefix is the name prefix of files created by watcher liveness probes.
const ProbePrefix = ".coordbug-probe-"

// PathFilter filters entries by glob patterns.
type PathFilter struct {
	ignoredPatterns []*regexp.Regexp
}

// New creates a new PathFilter with the given configuration.
func New(config *types.PathFilterConfig) *PathFilter {
	patterns := []string{
		".DS_Store",
		"Thumbs.db",
		"._*",
		ProbePrefix + "*",
	}
	if config != nil {
		patterns = append(patterns, config.IgnoredPatterns...)
	}

	pf := &PathFilter{}
	for _, pattern := range patterns {
		if re, err := globToRegexp(pattern); err == nil {
			pf.ignoredPatterns = append(pf.ignoredPatterns, re)
		}
	}
	return pf
}

// globToRegexp converts a glob pattern to an anchored regex.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	normalizedPattern := strings.ReplaceAll(pattern, "\\", "/")

	regexPattern := regexp.QuoteMeta(normalizedPattern)
	regexPattern = strings.ReplaceAll(regexPattern, `\*\*`, ".*")  // ** matches any
	regexPattern = strings.ReplaceAll(regexPattern, `\*`, "[^/]*") // * matches non-slash
	regexPattern = strings.ReplaceAll(regexPattern, `\?`, "[^/]")  // ? matches single char

	return regexp.Compile("^" + regexPattern + "$")
}

// IsAllowed reports whether a path is not ignored. Patterns are tested against
// the whole slash-separated path and against its last element.
func (pf *PathFilter) IsAllowed(path string) bool {
	normalizedPath := strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
	if normalizedPath == "" {
		return true
	}

	name := normalizedPath
	if idx := strings.LastIndex(normalizedPath, "/"); idx >= 0 {
		name = normalizedPath[idx+1:]
	}

	for _, re := range pf.ignoredPatterns {
		if re.MatchString(normalizedPath) || re.MatchString(name) {
			return false
		}
	}
	return true
}

// IsProbe reports whether the last element of path is a watcher probe file.
func IsProbe(path string) bool {
	normalizedPath := strings.ReplaceAll(path, "\\", "/")
	if idx := strings.LastIndex(normalizedPath, "/"); idx >= 0 {
		normalizedPath = normalizedPath[idx+1:]
	}
	return strings.HasPrefix(normalizedPath, ProbePrefix)
}
