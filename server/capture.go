package server

import (
	"fmt"

	"github.com/gobwas/glob"
)

// CaptureFilter decides which collections feed the change event log.
// Writes to excluded collections still succeed; they just leave no trace
// for change streams to observe.
type CaptureFilter struct {
	excludeGlobs []glob.Glob
}

// NewCaptureFilter compiles exclusion patterns. With no patterns every
// collection is captured.
func NewCaptureFilter(excludePatterns []string) (*CaptureFilter, error) {
	filter := &CaptureFilter{
		excludeGlobs: make([]glob.Glob, 0, len(excludePatterns)),
	}

	for _, pattern := range excludePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid capture exclude pattern %q: %w", pattern, err)
		}
		filter.excludeGlobs = append(filter.excludeGlobs, g)
	}

	return filter, nil
}

// Captures returns true if changes to the collection should be recorded.
func (f *CaptureFilter) Captures(collection string) bool {
	for _, g := range f.excludeGlobs {
		if g.Match(collection) {
			return false
		}
	}
	return true
}
