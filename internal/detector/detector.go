// Package detector turns filesystem activity into durable diff records.
//
// Two entry paths feed the same core: the event path (live watcher or
// editor adapter calling HandleChange/HandleNewFile/HandleDelete/
// HandleRename) and the periodic reconciliation scan that infers events
// missed while the daemon was not watching.
//
// Detector functions are best-effort: precondition failures (untracked
// path, ignored path, unreadable file) silently no-op. I/O failures while
// writing shadow baselines propagate, since they indicate a broken
// environment rather than a skippable record.
package detector

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codesync-hq/codesyncd/internal/config"
	"github.com/codesync-hq/codesyncd/internal/diff"
	"github.com/codesync-hq/codesyncd/internal/pathspec"
	"github.com/codesync-hq/codesyncd/internal/queue"
	"github.com/codesync-hq/codesyncd/internal/shadow"
)

// Detector produces diff records from file events and reconciliation scans.
type Detector struct {
	cfg     *config.Store
	shadows *shadow.Store
	q       *queue.Queue
	source  string
	logger  *log.Logger

	mu       sync.Mutex
	matchers map[string]*pathspec.Matcher
	lastScan map[string]time.Time
}

// New creates a Detector. source identifies this client in emitted records.
func New(cfg *config.Store, shadows *shadow.Store, q *queue.Queue, source string, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(os.Stderr, "[detector] ", log.LstdFlags)
	}
	return &Detector{
		cfg:      cfg,
		shadows:  shadows,
		q:        q,
		source:   source,
		logger:   logger,
		matchers: map[string]*pathspec.Matcher{},
		lastScan: map[string]time.Time{},
	}
}

// RepoForPath returns the tracked repo containing absPath, by longest
// prefix match. Returns "" if no tracked repo contains the path.
func (d *Detector) RepoForPath(absPath string) string {
	best := ""
	for _, repo := range d.cfg.RepoPaths() {
		if !d.cfg.HasRepo(repo) {
			continue
		}
		if absPath == repo || strings.HasPrefix(absPath, repo+string(filepath.Separator)) {
			if len(repo) > len(best) {
				best = repo
			}
		}
	}
	return best
}

// CurrentBranch returns the repo's checked-out git branch, or "default"
// when the repo is not a git checkout or HEAD is detached.
func CurrentBranch(repoPath string) string {
	data, err := os.ReadFile(filepath.Join(repoPath, ".git", "HEAD"))
	if err != nil {
		return "default"
	}
	head := strings.TrimSpace(string(data))
	const prefix = "ref: refs/heads/"
	if !strings.HasPrefix(head, prefix) {
		return "default"
	}
	return strings.TrimPrefix(head, prefix)
}

// resolve maps an absolute path to (repo, branch, rel). ok is false on any
// precondition failure: untracked repo, path outside root, ignored path.
func (d *Detector) resolve(absPath string) (repoPath, branch, relPath string, ok bool) {
	repoPath = d.RepoForPath(absPath)
	if repoPath == "" {
		return "", "", "", false
	}
	rel, err := pathspec.RelPath(repoPath, absPath)
	if err != nil {
		return "", "", "", false
	}
	if d.matcher(repoPath).Match(rel) {
		return "", "", "", false
	}
	return repoPath, CurrentBranch(repoPath), rel, true
}

func (d *Detector) matcher(repoPath string) *pathspec.Matcher {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.matchers[repoPath]
	if !ok {
		m = pathspec.LoadMatcher(repoPath)
		d.matchers[repoPath] = m
	}
	return m
}

// HandleChange processes a content change to the file at absPath.
// If no shadow baseline exists the change is treated as file creation.
// Equal shadow and current content short-circuits without emitting.
func (d *Detector) HandleChange(absPath string) error {
	repoPath, branch, rel, ok := d.resolve(absPath)
	if !ok {
		return nil
	}

	current, err := os.ReadFile(absPath)
	if err != nil {
		// Unreadable or already gone; best-effort no-op.
		return nil
	}

	return d.change(repoPath, branch, rel, absPath, current)
}

// change is the core routine shared by the event path and the scan.
func (d *Detector) change(repoPath, branch, rel, absPath string, current []byte) error {
	base, err := d.shadows.Read(shadow.Shadow, repoPath, branch, rel)
	if err == shadow.ErrNotFound {
		// No baseline: this is a creation, not a change. If an initial
		// sync populated the shadow concurrently we would have found it,
		// so there is no double-count here.
		return d.newFile(repoPath, branch, rel, absPath, current)
	}
	if err != nil {
		return err
	}

	if bytes.Equal(base, current) {
		return nil
	}
	if diff.IsBinary(current) || diff.IsBinary(base) {
		// Binaries carry no content diffs; just advance the baseline.
		return d.shadows.Write(shadow.Shadow, repoPath, branch, rel, current)
	}

	patch := diff.MakePatch(string(base), string(current))
	if patch == "" {
		return nil
	}

	// Advance the baseline before emitting: a crash between the two loses
	// at most this one diff (at-most-once per shadow transition).
	if err := d.shadows.Write(shadow.Shadow, repoPath, branch, rel, current); err != nil {
		return err
	}

	return d.emit(&diff.Record{
		RepoPath:         repoPath,
		Branch:           branch,
		FileRelativePath: rel,
		CreatedAt:        diff.Now(),
		Source:           d.source,
		Diff:             patch,
	})
}

// HandleNewFile processes creation of the file at absPath.
func (d *Detector) HandleNewFile(absPath string) error {
	repoPath, branch, rel, ok := d.resolve(absPath)
	if !ok {
		return nil
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil
	}
	return d.newFile(repoPath, branch, rel, absPath, content)
}

func (d *Detector) newFile(repoPath, branch, rel, absPath string, content []byte) error {
	if d.shadows.Has(shadow.Shadow, repoPath, branch, rel) {
		// Already tracked (e.g. just populated by an initial sync).
		return nil
	}

	if err := d.shadows.Write(shadow.Shadow, repoPath, branch, rel, content); err != nil {
		return err
	}
	if err := d.shadows.Write(shadow.Originals, repoPath, branch, rel, content); err != nil {
		return err
	}

	return d.emit(&diff.Record{
		RepoPath:         repoPath,
		Branch:           branch,
		FileRelativePath: rel,
		CreatedAt:        diff.Now(),
		Source:           d.source,
		IsNewFile:        true,
		IsBinary:         diff.IsBinary(content),
	})
}

// HandleDelete processes deletion of the file or directory at absPath.
// Directory deletes recurse over the shadow tree, emitting one delete
// record per contained file.
func (d *Detector) HandleDelete(absPath string) error {
	repoPath, branch, rel, ok := d.resolve(absPath)
	if !ok {
		return nil
	}

	if d.shadows.HasDir(shadow.Shadow, repoPath, branch, rel) {
		return d.shadows.Walk(shadow.Shadow, repoPath, branch, rel, func(fileRel string) error {
			return d.deleteFile(repoPath, branch, fileRel)
		})
	}
	return d.deleteFile(repoPath, branch, rel)
}

func (d *Detector) deleteFile(repoPath, branch, rel string) error {
	if d.shadows.Has(shadow.Deleted, repoPath, branch, rel) {
		// Already captured; delete events are idempotent.
		return nil
	}

	content, err := d.shadows.Read(shadow.Shadow, repoPath, branch, rel)
	if err == shadow.ErrNotFound {
		// Never tracked; nothing to record.
		return nil
	}
	if err != nil {
		return err
	}

	// Keep the content for the deletion diff computed at delivery time.
	if err := d.shadows.Write(shadow.Deleted, repoPath, branch, rel, content); err != nil {
		return err
	}

	return d.emit(&diff.Record{
		RepoPath:         repoPath,
		Branch:           branch,
		FileRelativePath: rel,
		CreatedAt:        diff.Now(),
		Source:           d.source,
		IsDeleted:        true,
	})
}

// HandleRename processes a rename from oldAbs to newAbs. Directory renames
// recurse over the renamed shadow tree, emitting one rename record per
// leaf file.
func (d *Detector) HandleRename(oldAbs, newAbs string) error {
	repoPath, branch, newRel, ok := d.resolve(newAbs)
	if !ok {
		return nil
	}
	oldRel, err := pathspec.RelPath(repoPath, oldAbs)
	if err != nil {
		return nil
	}

	if d.shadows.HasDir(shadow.Shadow, repoPath, branch, oldRel) {
		// Move the shadow tree first, then emit per-leaf renames computed
		// from the new tree.
		if err := d.shadows.Rename(shadow.Shadow, repoPath, branch, oldRel, newRel); err != nil {
			return err
		}
		return d.shadows.Walk(shadow.Shadow, repoPath, branch, newRel, func(fileRel string) error {
			suffix := strings.TrimPrefix(fileRel, newRel+"/")
			return d.emitRename(repoPath, branch,
				oldRel+"/"+suffix, fileRel,
				filepath.Join(oldAbs, filepath.FromSlash(suffix)),
				filepath.Join(newAbs, filepath.FromSlash(suffix)))
		})
	}

	if err := d.shadows.Rename(shadow.Shadow, repoPath, branch, oldRel, newRel); err != nil {
		return err
	}
	return d.emitRename(repoPath, branch, oldRel, newRel, oldAbs, newAbs)
}

func (d *Detector) emitRename(repoPath, branch, oldRel, newRel, oldAbs, newAbs string) error {
	payload, err := json.Marshal(diff.RenamePayload{
		OldRelPath: oldRel,
		NewRelPath: newRel,
		OldAbsPath: oldAbs,
		NewAbsPath: newAbs,
	})
	if err != nil {
		return err
	}
	return d.emit(&diff.Record{
		RepoPath:         repoPath,
		Branch:           branch,
		FileRelativePath: newRel,
		CreatedAt:        diff.Now(),
		Source:           d.source,
		Diff:             string(payload),
		IsRename:         true,
	})
}

func (d *Detector) emit(r *diff.Record) error {
	path, err := d.q.Enqueue(r)
	if err != nil {
		return err
	}
	d.logger.Printf("Queued %s for %s (%s)", kindOf(r), r.FileRelativePath, filepath.Base(path))
	return nil
}

func kindOf(r *diff.Record) string {
	switch {
	case r.IsNewFile:
		return "new file"
	case r.IsDeleted:
		return "delete"
	case r.IsRename:
		return "rename"
	case r.IsDirRename:
		return "dir rename"
	default:
		return "change"
	}
}
