package rules

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// PathMatcher decides whether a file path is too sensitive for the
// resolver to ever read. Exact paths are checked before glob patterns.
type PathMatcher struct {
	exact    map[string]bool
	globs    []glob.Glob
	rawGlobs []string
}

// NewPathMatcher compiles exact paths and gobwas glob patterns.
// Returns an error if any pattern fails to compile.
func NewPathMatcher(paths, patterns []string) (*PathMatcher, error) {
	m := &PathMatcher{
		exact:    make(map[string]bool, len(paths)),
		globs:    make([]glob.Glob, 0, len(patterns)),
		rawGlobs: make([]string, 0, len(patterns)),
	}
	for _, p := range paths {
		m.exact[filepath.ToSlash(p)] = true
	}
	for _, pat := range patterns {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			return nil, err
		}
		m.globs = append(m.globs, g)
		m.rawGlobs = append(m.rawGlobs, pat)
	}
	return m, nil
}

// Match reports whether the path is sensitive. The path should already be
// absolute and cleaned; symlinks are the caller's problem (the resolver
// checks the opened inode, not the name).
func (m *PathMatcher) Match(p string) bool {
	if p == "" {
		return false
	}
	p = filepath.ToSlash(p)
	if m.exact[p] {
		return true
	}
	for _, g := range m.globs {
		if g.Match(p) {
			return true
		}
	}
	// Home-relative patterns like **/.ssh/id_* must also catch the bare
	// relative spelling (.ssh/id_rsa) before the caller absolutized it.
	if !strings.HasPrefix(p, "/") {
		for _, g := range m.globs {
			if g.Match("/" + p) {
				return true
			}
		}
	}
	return false
}

// MatchAny checks all paths and returns the first sensitive one.
func (m *PathMatcher) MatchAny(paths []string) (bool, string) {
	for _, p := range paths {
		if m.Match(p) {
			return true, p
		}
	}
	return false, ""
}
