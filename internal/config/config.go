// Package config manages the sync state document.
//
// The document maps every tracked repo to its server-assigned ID, owning
// account, and per-branch file-ID tables. It is read-modify-written by both
// the change detector and the diff sequencer, so all access goes through a
// Store that serializes mutations behind a mutex and persists atomically.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrRepoNotFound indicates the repo path is not in the config.
var ErrRepoNotFound = errors.New("repo not found in config")

// Repo is one tracked repository entry.
type Repo struct {
	// ID is the server-assigned repository ID.
	ID int `yaml:"id"`

	// Email is the owning account.
	Email string `yaml:"email"`

	// IsDisconnected marks a repo the user detached from sync. Records for
	// disconnected repos are purged rather than delivered.
	IsDisconnected bool `yaml:"is_disconnected,omitempty"`

	// PlanLimitReached marks a repo blocked on the account's plan. Queued
	// records are preserved until the grace window expires.
	PlanLimitReached bool `yaml:"plan_limit_reached,omitempty"`

	// Branches maps branch name -> relative path -> server file ID.
	// A nil ID means the file has not completed its initial upload.
	Branches map[string]map[string]*int `yaml:"branches"`
}

// Document is the whole on-disk config.
type Document struct {
	Repos map[string]*Repo `yaml:"repos"`
}

// Store provides synchronized access to the config document.
type Store struct {
	path string

	mu  sync.Mutex
	doc *Document
}

// Load reads the config document at path. A missing file yields an empty
// document; corrupt YAML is an error.
func Load(path string) (*Store, error) {
	doc := &Document{Repos: map[string]*Repo{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc.Repos == nil {
		doc.Repos = map[string]*Repo{}
	}

	return &Store{path: path, doc: doc}, nil
}

// Save persists the document atomically (temp file + rename).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Repo returns a copy of the entry for repoPath, or ErrRepoNotFound.
// The copy shares no maps with the store; use the mutators to change state.
func (s *Store) Repo(repoPath string) (Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return Repo{}, ErrRepoNotFound
	}
	return copyRepo(r), nil
}

// HasRepo reports whether repoPath is tracked and connected.
func (s *Store) HasRepo(repoPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	return ok && !r.IsDisconnected
}

// RepoPaths returns every tracked repo path.
func (s *Store) RepoPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.doc.Repos))
	for p := range s.doc.Repos {
		paths = append(paths, p)
	}
	return paths
}

// AddRepo registers a repo after a successful connect/upload flow.
func (s *Store) AddRepo(repoPath string, id int, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		r = &Repo{Branches: map[string]map[string]*int{}}
		s.doc.Repos[repoPath] = r
	}
	r.ID = id
	r.Email = email
	r.IsDisconnected = false
	return s.saveLocked()
}

// HasBranch reports whether the branch exists in the repo's entry.
func (s *Store) HasBranch(repoPath, branch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return false
	}
	_, ok = r.Branches[branch]
	return ok
}

// BranchReady reports whether the branch is eligible for the diff pipeline.
// A branch whose file IDs are all nil is still pending its initial sync.
func (s *Store) BranchReady(repoPath, branch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return false
	}
	files, ok := r.Branches[branch]
	if !ok {
		return false
	}
	if len(files) == 0 {
		return true
	}
	for _, id := range files {
		if id != nil {
			return true
		}
	}
	return false
}

// FileID returns the server file ID for a path, or 0/false when the server
// has never confirmed the file.
func (s *Store) FileID(repoPath, branch, relPath string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return 0, false
	}
	id, ok := r.Branches[branch][relPath]
	if !ok || id == nil {
		return 0, false
	}
	return *id, true
}

// SetFileID records a server-assigned file ID after a successful upload.
// The branch map is created on demand.
func (s *Store) SetFileID(repoPath, branch, relPath string, fileID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return ErrRepoNotFound
	}
	if r.Branches == nil {
		r.Branches = map[string]map[string]*int{}
	}
	if r.Branches[branch] == nil {
		r.Branches[branch] = map[string]*int{}
	}
	id := fileID
	r.Branches[branch][relPath] = &id
	return s.saveLocked()
}

// RemoveFile drops a path from the branch's file table after a confirmed
// delete. Removing an unknown path is a no-op.
func (s *Store) RemoveFile(repoPath, branch, relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return ErrRepoNotFound
	}
	if _, ok := r.Branches[branch][relPath]; !ok {
		return nil
	}
	delete(r.Branches[branch], relPath)
	return s.saveLocked()
}

// RenameFile moves a file-ID entry from oldRel to newRel, preserving the ID.
func (s *Store) RenameFile(repoPath, branch, oldRel, newRel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return ErrRepoNotFound
	}
	files := r.Branches[branch]
	if files == nil {
		return nil
	}
	id, ok := files[oldRel]
	if !ok {
		return nil
	}
	delete(files, oldRel)
	files[newRel] = id
	return s.saveLocked()
}

// KnownFiles returns a copy of the branch's relative-path set.
func (s *Store) KnownFiles(repoPath, branch string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]bool{}
	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return out
	}
	for rel := range r.Branches[branch] {
		out[rel] = true
	}
	return out
}

// SetPlanLimitReached flags or clears the plan-limit block for a repo.
func (s *Store) SetPlanLimitReached(repoPath string, reached bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	if !ok {
		return ErrRepoNotFound
	}
	r.PlanLimitReached = reached
	return s.saveLocked()
}

// PlanLimitReached reports whether a repo is blocked on plan limits.
func (s *Store) PlanLimitReached(repoPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.doc.Repos[repoPath]
	return ok && r.PlanLimitReached
}

func copyRepo(r *Repo) Repo {
	out := Repo{
		ID:               r.ID,
		Email:            r.Email,
		IsDisconnected:   r.IsDisconnected,
		PlanLimitReached: r.PlanLimitReached,
		Branches:         map[string]map[string]*int{},
	}
	for branch, files := range r.Branches {
		out.Branches[branch] = map[string]*int{}
		for rel, id := range files {
			if id != nil {
				v := *id
				out.Branches[branch][rel] = &v
			} else {
				out.Branches[branch][rel] = nil
			}
		}
	}
	return out
}
