package detector

import (
	"os"
	"path/filepath"
	"time"

	"github.com/codesync-hq/codesyncd/internal/diff"
	"github.com/codesync-hq/codesyncd/internal/pathspec"
	"github.com/codesync-hq/codesyncd/internal/shadow"
)

// RenameSimilarityThreshold is the minimum normalized similarity for the
// scan to classify a new path as a rename of an orphaned shadow file. The
// inference is best-effort; ties and low-similarity matches fall back to
// new-file classification.
const RenameSimilarityThreshold = 0.8

// ScanAll runs the reconciliation scan over every tracked repo and returns
// the number of records emitted. Per-repo failures are logged and do not
// stop the pass.
func (d *Detector) ScanAll() int {
	total := 0
	for _, repoPath := range d.cfg.RepoPaths() {
		n, err := d.ScanRepo(repoPath)
		if err != nil {
			d.logger.Printf("Scan failed for %s: %v", repoPath, err)
			continue
		}
		total += n
	}
	return total
}

// ScanRepo reconciles one repo's project tree against its shadow tree and
// the config's known-files map, inferring new files, renames and deletes
// that the live event path missed. The scan is skipped when nothing under
// the repo changed since the previous pass.
func (d *Detector) ScanRepo(repoPath string) (int, error) {
	if !d.cfg.HasRepo(repoPath) {
		return 0, nil
	}
	branch := CurrentBranch(repoPath)

	modified, err := d.repoModifiedSince(repoPath)
	if err != nil {
		return 0, err
	}
	if !modified {
		return 0, nil
	}

	project, err := d.listProjectFiles(repoPath)
	if err != nil {
		return 0, err
	}

	shadowFiles := map[string]bool{}
	if err := d.shadows.Walk(shadow.Shadow, repoPath, branch, "", func(rel string) error {
		shadowFiles[rel] = true
		return nil
	}); err != nil {
		return 0, err
	}
	known := d.cfg.KnownFiles(repoPath, branch)

	// Orphaned shadows (baseline exists, project file gone) are the rename
	// candidates; each may be consumed by at most one new path.
	orphans := map[string]bool{}
	for rel := range shadowFiles {
		if !project[rel] {
			orphans[rel] = true
		}
	}

	emitted := 0
	count := func(err error) error {
		if err == nil {
			emitted++
		}
		return err
	}

	for rel := range project {
		absPath := filepath.Join(repoPath, filepath.FromSlash(rel))

		if shadowFiles[rel] {
			// Tracked file: emits only if content drifted from the shadow.
			if err := d.scanChange(repoPath, branch, rel, absPath, &emitted); err != nil {
				d.logger.Printf("Scan change failed for %s: %v", rel, err)
			}
			continue
		}
		if known[rel] {
			// The server knows this file but the local baseline is gone
			// (e.g. mirrors wiped). Re-baseline silently; the next edit
			// diffs against this content.
			content, err := os.ReadFile(absPath)
			if err == nil {
				_ = d.shadows.Write(shadow.Shadow, repoPath, branch, rel, content)
			}
			continue
		}

		// Unknown path: rename of an orphan, or a genuinely new file.
		content, err := os.ReadFile(absPath)
		if err != nil {
			continue
		}
		if old, ok := d.matchOrphan(repoPath, branch, rel, content, orphans); ok {
			delete(orphans, old)
			if err := count(d.scanRename(repoPath, branch, old, rel, absPath)); err != nil {
				d.logger.Printf("Scan rename failed for %s: %v", rel, err)
			}
			continue
		}
		if err := count(d.newFile(repoPath, branch, rel, absPath, content)); err != nil {
			d.logger.Printf("Scan new file failed for %s: %v", rel, err)
		}
	}

	// Deletes: known to the server, absent from the project tree, baseline
	// still present, and not already captured.
	for rel := range known {
		if project[rel] || !shadowFiles[rel] || orphansConsumed(orphans, rel) {
			continue
		}
		if d.shadows.Has(shadow.Deleted, repoPath, branch, rel) {
			continue
		}
		if err := count(d.deleteFile(repoPath, branch, rel)); err != nil {
			d.logger.Printf("Scan delete failed for %s: %v", rel, err)
		}
	}

	d.mu.Lock()
	d.lastScan[repoPath] = time.Now()
	d.mu.Unlock()

	return emitted, nil
}

// orphansConsumed reports whether rel was claimed as a rename source this
// pass (and therefore must not also produce a delete).
func orphansConsumed(orphans map[string]bool, rel string) bool {
	return !orphans[rel]
}

// scanChange runs content diffing for a tracked file, counting an emission
// when the content drifted.
func (d *Detector) scanChange(repoPath, branch, rel, absPath string, emitted *int) error {
	current, err := os.ReadFile(absPath)
	if err != nil {
		return nil
	}
	base, err := d.shadows.Read(shadow.Shadow, repoPath, branch, rel)
	if err != nil {
		return err
	}
	if string(base) == string(current) {
		return nil
	}
	if err := d.change(repoPath, branch, rel, absPath, current); err != nil {
		return err
	}
	if !diff.IsBinary(current) && !diff.IsBinary(base) {
		*emitted++
	}
	return nil
}

// matchOrphan finds the single orphaned shadow file whose content is
// similar enough to classify rel as its rename. Binary content and ties
// disqualify the match.
func (d *Detector) matchOrphan(repoPath, branch, rel string, content []byte, orphans map[string]bool) (string, bool) {
	if diff.IsBinary(content) {
		// Binary files only ever produce new-file events through the scan.
		return "", false
	}

	best := ""
	matches := 0
	for old := range orphans {
		base, err := d.shadows.Read(shadow.Shadow, repoPath, branch, old)
		if err != nil || diff.IsBinary(base) {
			continue
		}
		if diff.Similarity(string(base), string(content)) >= RenameSimilarityThreshold {
			best = old
			matches++
		}
	}
	if matches != 1 {
		return "", false
	}
	return best, true
}

func (d *Detector) scanRename(repoPath, branch, oldRel, newRel, newAbs string) error {
	if err := d.shadows.Rename(shadow.Shadow, repoPath, branch, oldRel, newRel); err != nil {
		return err
	}
	oldAbs := filepath.Join(repoPath, filepath.FromSlash(oldRel))
	return d.emitRename(repoPath, branch, oldRel, newRel, oldAbs, newAbs)
}

// listProjectFiles walks the repo's current tree, applying ignore rules.
func (d *Detector) listProjectFiles(repoPath string) (map[string]bool, error) {
	matcher := d.matcher(repoPath)
	files := map[string]bool{}

	err := filepath.Walk(repoPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, rerr := pathspec.RelPath(repoPath, path)
		if rerr != nil || rel == "." {
			return nil
		}
		if matcher.Match(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			files[rel] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// repoModifiedSince reports whether anything under the repo was modified
// after the previous scan of that repo. The first scan always runs.
func (d *Detector) repoModifiedSince(repoPath string) (bool, error) {
	d.mu.Lock()
	last, scanned := d.lastScan[repoPath]
	d.mu.Unlock()
	if !scanned {
		return true, nil
	}

	modified := false
	err := filepath.Walk(repoPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.ModTime().After(last) {
			modified = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return modified, nil
}
