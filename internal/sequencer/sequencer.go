// Package sequencer decides, per queued diff record, how it reaches the
// server: upload as a new file, force-upload a missing dependency first,
// rewrite a delete into a content diff, resolve it locally, or forward it
// as-is.
//
// This is where the pipeline's ordering constraints live. A rename or
// content diff must never be sent for a file the server does not know
// about, and at most one force-upload may happen per path per pass. Two
// sets enforce that: the per-pass "newly uploaded" set and the in-memory
// "waiting files" set with its wait window.
package sequencer

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codesync-hq/codesyncd/internal/api"
	"github.com/codesync-hq/codesyncd/internal/config"
	"github.com/codesync-hq/codesyncd/internal/diff"
	"github.com/codesync-hq/codesyncd/internal/queue"
	"github.com/codesync-hq/codesyncd/internal/shadow"
)

// Payload is one outbound wire diff.
type Payload struct {
	FileID       int    `json:"file_id"`
	Path         string `json:"path"`
	Diff         string `json:"diff"`
	IsDeleted    bool   `json:"is_deleted"`
	IsRename     bool   `json:"is_rename"`
	IsBinary     bool   `json:"is_binary"`
	CreatedAt    string `json:"created_at"`
	DiffFilePath string `json:"diff_file_path"`
	Source       string `json:"source"`
	Platform     string `json:"platform"`
}

// Sequencer turns sampled queue entries into wire payloads.
type Sequencer struct {
	cfg        *config.Store
	shadows    *shadow.Store
	q          *queue.Queue
	uploader   api.Uploader
	waitWindow time.Duration
	logger     *log.Logger

	mu      sync.Mutex
	waiting map[string]time.Time
}

// New creates a Sequencer. waitWindow bounds how long a diff waits on an
// out-of-band upload before being abandoned.
func New(cfg *config.Store, shadows *shadow.Store, q *queue.Queue, uploader api.Uploader, waitWindow time.Duration, logger *log.Logger) *Sequencer {
	if waitWindow <= 0 {
		waitWindow = 5 * time.Minute
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sequencer] ", log.LstdFlags)
	}
	return &Sequencer{
		cfg:        cfg,
		shadows:    shadows,
		q:          q,
		uploader:   uploader,
		waitWindow: waitWindow,
		logger:     logger,
		waiting:    map[string]time.Time{},
	}
}

// pass carries the per-iteration state of one Process call.
type pass struct {
	token         string
	newlyUploaded map[string]bool
}

// Process classifies every record of one repository group, in queue order,
// and returns the payloads ready to send. Entries it resolves locally (or
// abandons) are removed from the queue; entries it skips or forwards stay
// queued. Forwarded ones are only removed on a server acknowledgement via
// Acknowledge.
func (s *Sequencer) Process(ctx context.Context, token string, group []queue.Entry) []Payload {
	sort.Slice(group, func(i, j int) bool {
		return filepath.Base(group[i].Path) < filepath.Base(group[j].Path)
	})

	p := &pass{token: token, newlyUploaded: map[string]bool{}}

	var payloads []Payload
	for _, entry := range group {
		if ctx.Err() != nil {
			break
		}
		if payload, send := s.processEntry(ctx, p, entry); send {
			payloads = append(payloads, payload)
		}
	}
	return payloads
}

func (s *Sequencer) processEntry(ctx context.Context, p *pass, entry queue.Entry) (Payload, bool) {
	r := entry.Record

	if r.IsNewFile {
		s.processNewFile(ctx, p, entry)
		return Payload{}, false
	}

	// Anything else touching a path uploaded earlier in this same pass is
	// redundant or premature; re-evaluate it next pass.
	if p.newlyUploaded[r.FileRelativePath] {
		s.logger.Printf("Skipping %s: uploaded this pass", r.FileRelativePath)
		return Payload{}, false
	}

	switch {
	case r.IsDirRename:
		s.processDirRename(entry)
		return Payload{}, false
	case r.IsRename:
		return s.processRename(ctx, p, entry)
	case r.IsDeleted:
		return s.processDelete(entry)
	default:
		return s.processContent(ctx, p, entry)
	}
}

// processNewFile uploads the file and removes the record only once the
// upload succeeds. A plan-limit rejection flags the repo and preserves the
// record; any other failure just preserves the record for the next pass.
func (s *Sequencer) processNewFile(ctx context.Context, p *pass, entry queue.Entry) {
	r := entry.Record

	if p.newlyUploaded[r.FileRelativePath] {
		// A second new-file record for the same path in one batch; the
		// first upload already covered it.
		s.remove(entry, "duplicate new-file record")
		return
	}
	if !s.upload(ctx, p, r.RepoPath, r.Branch, r.FileRelativePath) {
		return
	}
	s.remove(entry, "uploaded")
}

// processDirRename is local-only bookkeeping: the per-leaf rename records
// carry the server-visible changes, so the directory record just moves the
// config subtree and leaves.
func (s *Sequencer) processDirRename(entry queue.Entry) {
	r := entry.Record
	payload, err := r.DirRenamePayload()
	if err != nil {
		s.remove(entry, "bad dir rename payload")
		return
	}

	oldRel, oerr := relTo(r.RepoPath, payload.OldPath)
	newRel, nerr := relTo(r.RepoPath, payload.NewPath)
	if oerr != nil || nerr != nil {
		s.remove(entry, "dir rename outside repo")
		return
	}

	for rel := range s.cfg.KnownFiles(r.RepoPath, r.Branch) {
		if rel == oldRel || strings.HasPrefix(rel, oldRel+"/") {
			moved := newRel + strings.TrimPrefix(rel, oldRel)
			if err := s.cfg.RenameFile(r.RepoPath, r.Branch, rel, moved); err != nil {
				s.logger.Printf("Failed to move config entry %s: %v", rel, err)
			}
		}
	}
	s.remove(entry, "dir rename applied")
}

func (s *Sequencer) processRename(ctx context.Context, p *pass, entry queue.Entry) (Payload, bool) {
	r := entry.Record
	payload, err := r.RenamePayload()
	if err != nil {
		s.remove(entry, "bad rename payload")
		return Payload{}, false
	}

	if p.newlyUploaded[payload.OldRelPath] {
		// The old path was created in this very pass; the rename is
		// premature. Leave it for the next pass.
		s.logger.Printf("Skipping rename %s -> %s: old path uploaded this pass", payload.OldRelPath, payload.NewRelPath)
		return Payload{}, false
	}

	fileID, known := s.cfg.FileID(r.RepoPath, r.Branch, payload.OldRelPath)
	if !known {
		// The server never learned of the old path. Uploading the new
		// path as a fresh file subsumes the rename.
		if s.upload(ctx, p, r.RepoPath, r.Branch, payload.NewRelPath) {
			s.remove(entry, "rename subsumed by upload")
		}
		return Payload{}, false
	}

	return s.payloadFor(entry, fileID), true
}

// processDelete rewrites a synced delete into a deletion patch and
// resolves a never-synced delete locally without any network traffic.
func (s *Sequencer) processDelete(entry queue.Entry) (Payload, bool) {
	r := entry.Record

	fileID, known := s.cfg.FileID(r.RepoPath, r.Branch, r.FileRelativePath)
	if !known {
		// Non-synced delete: clean local traces, nothing to tell the
		// server.
		s.cleanupMirrors(r)
		s.remove(entry, "non-synced delete")
		return Payload{}, false
	}

	base := s.deletedContent(r)
	payload := s.payloadFor(entry, fileID)
	payload.Diff = diff.MakePatch(base, "")
	return payload, true
}

func (s *Sequencer) processContent(ctx context.Context, p *pass, entry queue.Entry) (Payload, bool) {
	r := entry.Record

	if r.Diff == "" {
		// Vacuous: no payload and no kind flag. Sampling normally purges
		// these, but guard anyway.
		s.remove(entry, "empty diff")
		return Payload{}, false
	}

	fileID, known := s.cfg.FileID(r.RepoPath, r.Branch, r.FileRelativePath)
	if !known {
		s.waitForUpload(ctx, p, entry)
		return Payload{}, false
	}

	return s.payloadFor(entry, fileID), true
}

// waitForUpload handles a content diff whose file the server does not know
// yet: force-upload the file and wait for the ID, abandoning the diff if
// the wait window elapses or the underlying file is gone.
func (s *Sequencer) waitForUpload(ctx context.Context, p *pass, entry queue.Entry) {
	r := entry.Record
	absPath := filepath.Join(r.RepoPath, filepath.FromSlash(r.FileRelativePath))
	key := waitKey(r)

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		// The file itself is gone; no upload can ever unblock this diff.
		s.forgetWait(key)
		s.remove(entry, "file gone while waiting for upload")
		return
	}

	s.mu.Lock()
	first, seen := s.waiting[key]
	if !seen {
		s.waiting[key] = time.Now()
	}
	s.mu.Unlock()

	if seen && time.Since(first) > s.waitWindow {
		s.forgetWait(key)
		s.remove(entry, "upload wait window elapsed")
		return
	}

	if s.upload(ctx, p, r.RepoPath, r.Branch, r.FileRelativePath) {
		s.forgetWait(key)
	}
	// The record stays queued either way; with the ID known (or the path
	// in the newly-uploaded set) the next pass settles it.
}

// upload force-uploads a file as new, ensuring shadow and originals copies
// exist first (created from the live file if necessary). Success records
// the server ID and marks the path uploaded for this pass.
func (s *Sequencer) upload(ctx context.Context, p *pass, repoPath, branch, relPath string) bool {
	if p.newlyUploaded[relPath] {
		return true
	}

	repo, err := s.cfg.Repo(repoPath)
	if err != nil {
		s.logger.Printf("Upload of %s skipped: %v", relPath, err)
		return false
	}

	absPath := filepath.Join(repoPath, filepath.FromSlash(relPath))
	if !s.shadows.Has(shadow.Shadow, repoPath, branch, relPath) || !s.shadows.Has(shadow.Originals, repoPath, branch, relPath) {
		content, err := os.ReadFile(absPath)
		if err != nil {
			s.logger.Printf("Upload of %s skipped: cannot read file: %v", relPath, err)
			return false
		}
		if !s.shadows.Has(shadow.Shadow, repoPath, branch, relPath) {
			if err := s.shadows.Write(shadow.Shadow, repoPath, branch, relPath, content); err != nil {
				s.logger.Printf("Upload of %s skipped: %v", relPath, err)
				return false
			}
		}
		if !s.shadows.Has(shadow.Originals, repoPath, branch, relPath) {
			if err := s.shadows.Write(shadow.Originals, repoPath, branch, relPath, content); err != nil {
				s.logger.Printf("Upload of %s skipped: %v", relPath, err)
				return false
			}
		}
	}

	result, err := s.uploader.UploadNewFile(ctx, p.token, repoPath, branch, relPath, absPath, repo.ID)
	if err != nil {
		s.logger.Printf("Upload of %s failed: %v", relPath, err)
		return false
	}
	if result.PlanLimitReached {
		s.logger.Printf("Upload of %s blocked: plan limit reached", relPath)
		if err := s.cfg.SetPlanLimitReached(repoPath, true); err != nil {
			s.logger.Printf("Failed to flag plan limit for %s: %v", repoPath, err)
		}
		return false
	}
	if !result.Uploaded {
		return false
	}

	if err := s.cfg.SetFileID(repoPath, branch, relPath, result.FileID); err != nil {
		s.logger.Printf("Failed to record file ID for %s: %v", relPath, err)
		return false
	}
	if s.cfg.PlanLimitReached(repoPath) {
		_ = s.cfg.SetPlanLimitReached(repoPath, false)
	}

	// The pristine copy served its purpose once the upload succeeded.
	if err := s.shadows.Remove(shadow.Originals, repoPath, branch, relPath); err != nil {
		s.logger.Printf("Failed to drop originals copy of %s: %v", relPath, err)
	}

	p.newlyUploaded[relPath] = true
	s.logger.Printf("Uploaded %s (file ID %d)", relPath, result.FileID)
	return true
}

// Acknowledge finishes a payload the server confirmed: the queue record is
// removed and the kind-specific bookkeeping runs (config entry moves on
// rename, mirrors and config entry drop on delete).
func (s *Sequencer) Acknowledge(entry queue.Entry) {
	r := entry.Record

	switch {
	case r.IsRename:
		if payload, err := r.RenamePayload(); err == nil {
			if err := s.cfg.RenameFile(r.RepoPath, r.Branch, payload.OldRelPath, payload.NewRelPath); err != nil {
				s.logger.Printf("Failed to move config entry for %s: %v", payload.OldRelPath, err)
			}
		}
	case r.IsDeleted:
		s.cleanupMirrors(r)
		if err := s.cfg.RemoveFile(r.RepoPath, r.Branch, r.FileRelativePath); err != nil {
			s.logger.Printf("Failed to drop config entry for %s: %v", r.FileRelativePath, err)
		}
	}

	s.remove(entry, "acknowledged")
}

// cleanupMirrors drops every local trace of a deleted file.
func (s *Sequencer) cleanupMirrors(r *diff.Record) {
	for _, kind := range []shadow.Kind{shadow.Shadow, shadow.Originals, shadow.Deleted} {
		if err := s.shadows.Remove(kind, r.RepoPath, r.Branch, r.FileRelativePath); err != nil {
			s.logger.Printf("Failed to clean %s entry for %s: %v", kind, r.FileRelativePath, err)
		}
	}
}

// deletedContent returns the best available baseline for a deletion diff:
// the capture taken at delete time, else the shadow baseline, else empty.
func (s *Sequencer) deletedContent(r *diff.Record) string {
	if content, err := s.shadows.Read(shadow.Deleted, r.RepoPath, r.Branch, r.FileRelativePath); err == nil {
		return string(content)
	}
	if content, err := s.shadows.Read(shadow.Shadow, r.RepoPath, r.Branch, r.FileRelativePath); err == nil {
		return string(content)
	}
	return ""
}

func (s *Sequencer) payloadFor(entry queue.Entry, fileID int) Payload {
	r := entry.Record
	path := r.FileRelativePath
	if r.IsRename {
		if p, err := r.RenamePayload(); err == nil {
			path = p.NewRelPath
		}
	}
	return Payload{
		FileID:       fileID,
		Path:         path,
		Diff:         r.Diff,
		IsDeleted:    r.IsDeleted,
		IsRename:     r.IsRename,
		IsBinary:     r.IsBinary,
		CreatedAt:    r.CreatedAt,
		DiffFilePath: entry.Path,
		Source:       r.Source,
		Platform:     runtime.GOOS,
	}
}

func (s *Sequencer) remove(entry queue.Entry, reason string) {
	if err := s.q.Remove(entry.Path); err != nil {
		s.logger.Printf("Failed to remove %s (%s): %v", entry.Path, reason, err)
		return
	}
	s.logger.Printf("Removed %s: %s", filepath.Base(entry.Path), reason)
}

func (s *Sequencer) forgetWait(key string) {
	s.mu.Lock()
	delete(s.waiting, key)
	s.mu.Unlock()
}

func waitKey(r *diff.Record) string {
	return r.RepoPath + "|" + r.Branch + "|" + r.FileRelativePath
}

func relTo(repoPath, absPath string) (string, error) {
	rel, err := filepath.Rel(repoPath, absPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
