// Package shadow maintains the local file mirrors the diff pipeline is
// built on.
//
// Three sibling mirrors share one layout, keyed by (repo, branch, relative
// path):
//
//   - shadow: last-synced baseline content, the base every diff is computed
//     against
//   - originals: pristine copy kept only until a file's initial upload
//     succeeds
//   - deleted: content captured at delete time, diffed against empty later
//
// This layer is pure file I/O with directory creation on demand. It does
// not validate, retry, or touch the network; I/O errors propagate to the
// caller.
package shadow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
)

// Kind selects which mirror an operation targets.
type Kind int

const (
	// Shadow is the last-synced baseline mirror.
	Shadow Kind = iota
	// Originals holds pristine pre-upload copies.
	Originals
	// Deleted holds content captured when a file was deleted.
	Deleted
)

// String returns a human-readable representation of the mirror kind.
func (k Kind) String() string {
	switch k {
	case Shadow:
		return "shadow"
	case Originals:
		return "originals"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ErrNotFound indicates the requested entry does not exist in the mirror.
var ErrNotFound = errors.New("no such entry in mirror")

// Store provides access to the three mirrors under a common root.
type Store struct {
	shadowRoot    string
	originalsRoot string
	deletedRoot   string
}

// NewStore creates a Store rooted at the three given directories.
func NewStore(shadowRoot, originalsRoot, deletedRoot string) *Store {
	return &Store{
		shadowRoot:    shadowRoot,
		originalsRoot: originalsRoot,
		deletedRoot:   deletedRoot,
	}
}

// RepoSlug converts an absolute repo path into a stable, filesystem-safe
// directory name: the base name plus a short hash of the full path, so two
// repos with the same base name cannot collide.
func RepoSlug(repoPath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(repoPath)))
	return filepath.Base(repoPath) + "-" + hex.EncodeToString(sum[:])[:8]
}

func (s *Store) root(kind Kind) string {
	switch kind {
	case Originals:
		return s.originalsRoot
	case Deleted:
		return s.deletedRoot
	default:
		return s.shadowRoot
	}
}

// EntryPath returns the on-disk location of an entry. The originals and
// deleted mirrors are not branch-scoped: a file has one pristine copy and
// one deletion capture regardless of branch.
func (s *Store) EntryPath(kind Kind, repoPath, branch, relPath string) string {
	if kind == Shadow {
		return filepath.Join(s.root(kind), RepoSlug(repoPath), branch, filepath.FromSlash(relPath))
	}
	return filepath.Join(s.root(kind), RepoSlug(repoPath), filepath.FromSlash(relPath))
}

// Write stores content for an entry, creating parent directories as needed.
func (s *Store) Write(kind Kind, repoPath, branch, relPath string, content []byte) error {
	path := s.EntryPath(kind, repoPath, branch, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0644)
}

// Read returns an entry's content, or ErrNotFound.
func (s *Store) Read(kind Kind, repoPath, branch, relPath string) ([]byte, error) {
	data, err := os.ReadFile(s.EntryPath(kind, repoPath, branch, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Has reports whether an entry exists.
func (s *Store) Has(kind Kind, repoPath, branch, relPath string) bool {
	info, err := os.Stat(s.EntryPath(kind, repoPath, branch, relPath))
	return err == nil && !info.IsDir()
}

// HasDir reports whether the entry path exists as a directory, which
// happens when a whole tracked directory was mirrored.
func (s *Store) HasDir(kind Kind, repoPath, branch, relPath string) bool {
	info, err := os.Stat(s.EntryPath(kind, repoPath, branch, relPath))
	return err == nil && info.IsDir()
}

// Remove deletes an entry. Removing a missing entry is a no-op.
func (s *Store) Remove(kind Kind, repoPath, branch, relPath string) error {
	err := os.Remove(s.EntryPath(kind, repoPath, branch, relPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Rename moves an entry from oldRel to newRel within the same mirror,
// creating the destination's parent directories. Works for both files and
// directories. Renaming a missing entry is a no-op.
func (s *Store) Rename(kind Kind, repoPath, branch, oldRel, newRel string) error {
	oldPath := s.EntryPath(kind, repoPath, branch, oldRel)
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return nil
	}
	newPath := s.EntryPath(kind, repoPath, branch, newRel)
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return err
	}
	return os.Rename(oldPath, newPath)
}

// Walk calls fn with the relative path of every file entry under relPath
// (""  walks the whole branch). Mirrors that do not exist yet walk zero
// entries.
func (s *Store) Walk(kind Kind, repoPath, branch, relPath string, fn func(rel string) error) error {
	base := s.EntryPath(kind, repoPath, branch, relPath)
	root := s.EntryPath(kind, repoPath, branch, "")

	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil
	}

	return filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel))
	})
}
