// Package pathspec resolves repo-relative paths and applies ignore rules.
//
// Every path entering the sync pipeline passes through this package first:
// paths outside the tracked repo root are rejected, and paths matching the
// built-in or user-configured ignore patterns are filtered out before any
// shadow or queue I/O happens.
package pathspec

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the per-repo ignore file, read from the repo root.
const IgnoreFileName = ".syncignore"

// defaultIgnorePatterns are always applied regardless of the ignore file.
var defaultIgnorePatterns = []string{
	".git",
	".git/*",
	IgnoreFileName,
	"*.swp",
	"*.tmp",
	".DS_Store",
	"node_modules",
	"node_modules/*",
}

// ErrOutsideRepo indicates a path that does not live under the repo root.
var ErrOutsideRepo = errors.New("path is outside the repo root")

// RelPath returns absPath relative to repoPath, using forward slashes.
// Returns ErrOutsideRepo if absPath does not live under repoPath.
func RelPath(repoPath, absPath string) (string, error) {
	rel, err := filepath.Rel(repoPath, absPath)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRepo
	}
	return filepath.ToSlash(rel), nil
}

// ignorePattern is a parsed ignore pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// Matcher checks repo-relative paths against a set of ignore patterns.
// Patterns without '/' match against the path's basename and against each
// leading directory component; patterns with '/' match against the full
// relative path. The same matcher applies at every directory depth, so a
// pattern like "build" excludes build/ trees anywhere in the repo.
type Matcher struct {
	patterns []ignorePattern
}

// NewMatcher creates a Matcher from raw pattern strings. Blank lines and
// lines starting with '#' are skipped. The default patterns are always
// included.
func NewMatcher(rawPatterns []string) *Matcher {
	var patterns []ignorePattern
	for _, raw := range append(append([]string{}, defaultIgnorePatterns...), rawPatterns...) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSuffix(raw, "/")
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &Matcher{patterns: patterns}
}

// LoadMatcher builds a Matcher for a repo, combining the defaults with the
// repo's ignore file if one exists. A missing or unreadable ignore file is
// not an error; the defaults still apply.
func LoadMatcher(repoPath string) *Matcher {
	raw, err := parseIgnoreFile(filepath.Join(repoPath, IgnoreFileName))
	if err != nil {
		raw = nil
	}
	return NewMatcher(raw)
}

// Match reports whether the given repo-relative path should be ignored.
func (m *Matcher) Match(relPath string) bool {
	normalized := filepath.ToSlash(relPath)
	segments := strings.Split(normalized, "/")

	for _, p := range m.patterns {
		if p.matchPath {
			if matched, err := filepath.Match(p.pattern, normalized); err == nil && matched {
				return true
			}
			continue
		}
		// Basename-only patterns match any path component, so ignoring a
		// directory name ignores everything beneath it.
		for _, seg := range segments {
			if matched, err := filepath.Match(p.pattern, seg); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// parseIgnoreFile reads an ignore file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func parseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	return patterns, scanner.Err()
}
