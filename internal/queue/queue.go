// Package queue implements the durable on-disk diff queue.
//
// Each pending diff is one immutable YAML file under a per-source
// subdirectory of the queue root. Records are written once by the change
// detector and deleted exactly once: by validation-on-sample, by the diff
// sequencer, or by the transport session on a server acknowledgement.
//
// Sampling is pseudorandom rather than FIFO so a large backlog for one repo
// cannot starve others indefinitely.
package queue

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codesync-hq/codesyncd/internal/diff"
)

// Ext is the only extension the queue recognizes; anything else found in
// the queue directory is garbage and is deleted on sight.
const Ext = ".yml"

// ConfigView is the subset of the config store the queue's validation
// needs. Defined here so the queue does not depend on the config package.
type ConfigView interface {
	// HasRepo reports whether the repo is tracked and connected.
	HasRepo(repoPath string) bool
	// HasBranch reports whether the branch exists in the repo's entry.
	HasBranch(repoPath, branch string) bool
	// BranchReady reports whether the branch's initial sync completed,
	// i.e. at least one file has a server ID (or the branch is empty).
	BranchReady(repoPath, branch string) bool
	// PlanLimitReached reports whether the repo is blocked on plan limits.
	PlanLimitReached(repoPath string) bool
}

// IgnoreFunc reports whether a repo-relative path is excluded from sync.
type IgnoreFunc func(repoPath, relPath string) bool

// Entry is a sampled queue record together with its on-disk location. The
// path is the handle used for in-flight marking, acks and removal.
type Entry struct {
	Path   string
	Record *diff.Record
}

// Options configures a Queue.
type Options struct {
	// MaxDiffBytes is the validation size ceiling (0 = default).
	MaxDiffBytes int

	// GraceWindow is how long records for branches not yet in the config
	// survive before being purged.
	GraceWindow time.Duration

	// Ignore filters repo-relative paths; nil means nothing extra ignored.
	Ignore IgnoreFunc

	// Logger for queue activity (default: stderr logger).
	Logger *log.Logger
}

// Queue is the on-disk diff queue rooted at a single directory.
type Queue struct {
	dir          string
	maxDiffBytes int
	graceWindow  time.Duration
	ignore       IgnoreFunc
	logger       *log.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Queue rooted at dir, creating the directory if needed.
func New(dir string, cfg Options) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	grace := cfg.GraceWindow
	if grace == 0 {
		grace = 5 * 24 * time.Hour
	}
	return &Queue{
		dir:          dir,
		maxDiffBytes: cfg.MaxDiffBytes,
		graceWindow:  grace,
		ignore:       cfg.Ignore,
		logger:       logger,
		inFlight:     map[string]bool{},
	}, nil
}

// Enqueue writes a record as a new immutable queue file and returns its
// path. The filename is an epoch-millisecond timestamp plus a short random
// suffix, so rapid writes cannot collide. The write is atomic (temp file +
// rename) so a sampler never observes a half-written record. The temp file
// is dot-prefixed because a concurrent Sample deletes any visible
// non-queue file it finds; staging must stay out of its sight.
func (q *Queue) Enqueue(r *diff.Record) (string, error) {
	data, err := diff.Marshal(r)
	if err != nil {
		return "", err
	}

	source := r.Source
	if source == "" {
		source = "default"
	}
	dir := filepath.Join(q.dir, source)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create queue subdirectory: %w", err)
	}

	name := fmt.Sprintf("%d.%s%s", time.Now().UnixMilli(), uuid.NewString()[:8], Ext)
	path := filepath.Join(dir, name)

	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write queue record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit queue record: %w", err)
	}
	return path, nil
}

// Sample returns up to maxCount validated records chosen pseudorandomly
// from the pending set. Invalid records (corrupt, failing validation, for
// untracked or disconnected repos, or for ignored paths) are deleted as a
// side effect. Records for branches the config does not know yet are kept
// for the grace window to tolerate slow initial syncs, unless the repo is
// permanently blocked by a plan limit. Entries already in flight are
// excluded.
func (q *Queue) Sample(maxCount int, cfg ConfigView) ([]Entry, error) {
	paths, err := q.listFiles()
	if err != nil {
		return nil, err
	}

	var candidates []Entry
	for _, path := range paths {
		if filepath.Ext(path) != Ext {
			q.discard(path, "foreign extension")
			continue
		}
		if q.IsInFlight(path) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				q.logger.Printf("Failed to read %s: %v", path, err)
			}
			continue
		}

		record, err := diff.Unmarshal(data)
		if err != nil {
			q.discard(path, "corrupt record")
			continue
		}
		if !record.Valid(q.maxDiffBytes) {
			q.discard(path, "failed validation")
			continue
		}
		if !cfg.HasRepo(record.RepoPath) {
			q.discard(path, "repo not tracked")
			continue
		}
		if q.ignore != nil && q.ignore(record.RepoPath, record.FileRelativePath) {
			q.discard(path, "ignored path")
			continue
		}
		if !cfg.HasBranch(record.RepoPath, record.Branch) ||
			!cfg.BranchReady(record.RepoPath, record.Branch) {
			// Slow initial syncs legitimately leave records for branches
			// the config has not learned yet, or has learned but not
			// finished uploading; purge only once the grace window passes
			// or a plan limit makes sync permanently blocked.
			if q.pastGrace(record) || cfg.PlanLimitReached(record.RepoPath) {
				q.discard(path, "branch never synced")
			}
			continue
		}

		candidates = append(candidates, Entry{Path: path, Record: record})
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if maxCount > 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}
	return candidates, nil
}

// Remove deletes a queue record. Removing a missing record is a no-op; the
// in-flight mark is cleared either way.
func (q *Queue) Remove(path string) error {
	q.ClearInFlight(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove queue record: %w", err)
	}
	return nil
}

// MarkInFlight claims a record for a running delivery pass so overlapping
// samplers cannot double-send it.
func (q *Queue) MarkInFlight(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight[path] = true
}

// ClearInFlight releases a claimed record.
func (q *Queue) ClearInFlight(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, path)
}

// IsInFlight reports whether a record is claimed by a running pass.
func (q *Queue) IsInFlight(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight[path]
}

// Depth returns the number of files currently in the queue, without
// validating them.
func (q *Queue) Depth() (int, error) {
	paths, err := q.listFiles()
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

func (q *Queue) listFiles() ([]string, error) {
	var paths []string
	err := filepath.Walk(q.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && !strings.HasPrefix(info.Name(), ".") {
			// Dot-prefixed files are enqueue staging; they are never
			// sampled, counted or collected.
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return paths, nil
}

// pastGrace reports whether the record is older than the grace window.
// Records with unparseable timestamps never reach here (validation catches
// them first).
func (q *Queue) pastGrace(r *diff.Record) bool {
	created, err := diff.ParseCreatedAt(r.CreatedAt)
	if err != nil {
		return true
	}
	return time.Since(created) > q.graceWindow
}

func (q *Queue) discard(path, reason string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		q.logger.Printf("Failed to delete %s (%s): %v", path, reason, err)
		return
	}
	q.logger.Printf("Deleted queue record %s: %s", filepath.Base(path), reason)
}
