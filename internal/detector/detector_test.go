package detector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codesync-hq/codesyncd/internal/config"
	"github.com/codesync-hq/codesyncd/internal/diff"
	"github.com/codesync-hq/codesyncd/internal/logging"
	"github.com/codesync-hq/codesyncd/internal/queue"
	"github.com/codesync-hq/codesyncd/internal/shadow"
)

// permissiveConfig lets every sampled record through, so tests observe the
// detector's raw output.
type permissiveConfig struct{}

func (permissiveConfig) HasRepo(string) bool             { return true }
func (permissiveConfig) HasBranch(string, string) bool   { return true }
func (permissiveConfig) BranchReady(string, string) bool { return true }
func (permissiveConfig) PlanLimitReached(string) bool    { return false }

type env struct {
	repo    string
	cfg     *config.Store
	shadows *shadow.Store
	q       *queue.Queue
	det     *Detector
}

func newEnv(t *testing.T) *env {
	t.Helper()

	root := t.TempDir()
	repo := filepath.Join(root, "project")
	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(filepath.Join(root, "config.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.AddRepo(repo, 1, "user@example.com"); err != nil {
		t.Fatal(err)
	}

	shadows := shadow.NewStore(
		filepath.Join(root, ".shadow"),
		filepath.Join(root, ".originals"),
		filepath.Join(root, ".deleted"),
	)
	q, err := queue.New(filepath.Join(root, ".diffs"), queue.Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}

	return &env{
		repo:    repo,
		cfg:     cfg,
		shadows: shadows,
		q:       q,
		det:     New(cfg, shadows, q, "test", logging.Discard()),
	}
}

// writeProject writes a file under the repo and returns its absolute path.
func (e *env) writeProject(t *testing.T, rel, content string) string {
	t.Helper()

	abs := filepath.Join(e.repo, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return abs
}

// seedShadow writes a shadow baseline directly.
func (e *env) seedShadow(t *testing.T, rel, content string) {
	t.Helper()

	if err := e.shadows.Write(shadow.Shadow, e.repo, "default", rel, []byte(content)); err != nil {
		t.Fatal(err)
	}
}

// records samples everything currently queued.
func (e *env) records(t *testing.T) []queue.Entry {
	t.Helper()

	entries, err := e.q.Sample(1000, permissiveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestHandleChangeNoOpWhenIdentical(t *testing.T) {
	e := newEnv(t)
	abs := e.writeProject(t, "a.js", "hello")
	e.seedShadow(t, "a.js", "hello")

	if err := e.det.HandleChange(abs); err != nil {
		t.Fatalf("HandleChange() error = %v", err)
	}
	if got := e.records(t); len(got) != 0 {
		t.Errorf("identical content should emit no records, got %d", len(got))
	}
}

func TestHandleChangeBasic(t *testing.T) {
	e := newEnv(t)
	abs := e.writeProject(t, "a.js", "hello world")
	e.seedShadow(t, "a.js", "hello")

	if err := e.det.HandleChange(abs); err != nil {
		t.Fatalf("HandleChange() error = %v", err)
	}

	got := e.records(t)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	r := got[0].Record
	if r.IsNewFile || r.IsDeleted || r.IsRename {
		t.Errorf("content diff record has kind flags set: %+v", r)
	}
	if r.Diff == "" {
		t.Fatal("content diff record has empty diff")
	}

	// The patch must transform the old shadow into the new content.
	applied, err := diff.ApplyPatch("hello", r.Diff)
	if err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}
	if applied != "hello world" {
		t.Errorf("applied patch = %q, want %q", applied, "hello world")
	}

	// The shadow baseline advanced.
	base, err := e.shadows.Read(shadow.Shadow, e.repo, "default", "a.js")
	if err != nil {
		t.Fatal(err)
	}
	if string(base) != "hello world" {
		t.Errorf("shadow = %q, want new content", base)
	}
}

func TestHandleChangeMissingShadowBecomesNewFile(t *testing.T) {
	e := newEnv(t)
	abs := e.writeProject(t, "fresh.js", "brand new")

	if err := e.det.HandleChange(abs); err != nil {
		t.Fatalf("HandleChange() error = %v", err)
	}

	got := e.records(t)
	if len(got) != 1 || !got[0].Record.IsNewFile {
		t.Fatalf("expected one new-file record, got %+v", got)
	}
	if !e.shadows.Has(shadow.Originals, e.repo, "default", "fresh.js") {
		t.Error("new file should get an originals copy")
	}
}

func TestHandleNewFileIdempotent(t *testing.T) {
	e := newEnv(t)
	abs := e.writeProject(t, "a.js", "x")

	if err := e.det.HandleNewFile(abs); err != nil {
		t.Fatal(err)
	}
	// Second event for the same path (e.g. watcher + initial sync racing).
	if err := e.det.HandleNewFile(abs); err != nil {
		t.Fatal(err)
	}

	if got := e.records(t); len(got) != 1 {
		t.Errorf("expected 1 record for duplicated new-file events, got %d", len(got))
	}
}

func TestHandleChangeIgnoredAndUntracked(t *testing.T) {
	e := newEnv(t)

	ignored := e.writeProject(t, ".git/config", "garbage")
	if err := e.det.HandleChange(ignored); err != nil {
		t.Fatal(err)
	}

	outside := filepath.Join(t.TempDir(), "elsewhere.js")
	if err := os.WriteFile(outside, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := e.det.HandleChange(outside); err != nil {
		t.Fatal(err)
	}

	if got := e.records(t); len(got) != 0 {
		t.Errorf("ignored/untracked paths should be no-ops, got %d records", len(got))
	}
}

func TestHandleDeleteFile(t *testing.T) {
	e := newEnv(t)
	e.seedShadow(t, "gone.js", "old content")

	abs := filepath.Join(e.repo, "gone.js")
	if err := e.det.HandleDelete(abs); err != nil {
		t.Fatalf("HandleDelete() error = %v", err)
	}

	got := e.records(t)
	if len(got) != 1 || !got[0].Record.IsDeleted {
		t.Fatalf("expected one delete record, got %+v", got)
	}

	// Content was captured for the later deletion diff.
	cached, err := e.shadows.Read(shadow.Deleted, e.repo, "default", "gone.js")
	if err != nil {
		t.Fatal(err)
	}
	if string(cached) != "old content" {
		t.Errorf("deleted cache = %q", cached)
	}

	// Repeat delete events are idempotent.
	if err := e.det.HandleDelete(abs); err != nil {
		t.Fatal(err)
	}
	if got := e.records(t); len(got) != 1 {
		t.Errorf("duplicate delete should not emit again, got %d records", len(got))
	}
}

func TestHandleDeleteDirectory(t *testing.T) {
	e := newEnv(t)
	e.seedShadow(t, "lib/a.js", "aaa")
	e.seedShadow(t, "lib/b.js", "bbb")

	if err := e.det.HandleDelete(filepath.Join(e.repo, "lib")); err != nil {
		t.Fatalf("HandleDelete() error = %v", err)
	}

	got := e.records(t)
	if len(got) != 2 {
		t.Fatalf("directory delete should emit one record per file, got %d", len(got))
	}
	seen := map[string]bool{}
	for _, entry := range got {
		if !entry.Record.IsDeleted {
			t.Errorf("record for %s is not a delete", entry.Record.FileRelativePath)
		}
		seen[entry.Record.FileRelativePath] = true
	}
	if !seen["lib/a.js"] || !seen["lib/b.js"] {
		t.Errorf("wrong relative paths: %v", seen)
	}
}

func TestHandleDeleteUntrackedIsNoOp(t *testing.T) {
	e := newEnv(t)

	if err := e.det.HandleDelete(filepath.Join(e.repo, "never-tracked.js")); err != nil {
		t.Fatal(err)
	}
	if got := e.records(t); len(got) != 0 {
		t.Errorf("delete of untracked file should emit nothing, got %d", len(got))
	}
}

func TestHandleRenameFile(t *testing.T) {
	e := newEnv(t)
	e.seedShadow(t, "old.js", "content")

	oldAbs := filepath.Join(e.repo, "old.js")
	newAbs := e.writeProject(t, "new.js", "content")
	if err := e.det.HandleRename(oldAbs, newAbs); err != nil {
		t.Fatalf("HandleRename() error = %v", err)
	}

	got := e.records(t)
	if len(got) != 1 || !got[0].Record.IsRename {
		t.Fatalf("expected one rename record, got %+v", got)
	}
	p, err := got[0].Record.RenamePayload()
	if err != nil {
		t.Fatalf("RenamePayload() error = %v", err)
	}
	if p.OldRelPath != "old.js" || p.NewRelPath != "new.js" {
		t.Errorf("payload = %+v", p)
	}
	if p.OldAbsPath != oldAbs || p.NewAbsPath != newAbs {
		t.Errorf("abs paths = %+v", p)
	}

	// Shadow ownership moved.
	if e.shadows.Has(shadow.Shadow, e.repo, "default", "old.js") {
		t.Error("old shadow entry should be gone")
	}
	if !e.shadows.Has(shadow.Shadow, e.repo, "default", "new.js") {
		t.Error("new shadow entry should exist")
	}
}

func TestHandleRenameDirectory(t *testing.T) {
	e := newEnv(t)
	e.seedShadow(t, "src/a.js", "aaa")
	e.seedShadow(t, "src/deep/b.js", "bbb")

	oldAbs := filepath.Join(e.repo, "src")
	newAbs := filepath.Join(e.repo, "lib")
	if err := os.MkdirAll(newAbs, 0755); err != nil {
		t.Fatal(err)
	}

	if err := e.det.HandleRename(oldAbs, newAbs); err != nil {
		t.Fatalf("HandleRename() error = %v", err)
	}

	got := e.records(t)
	if len(got) != 2 {
		t.Fatalf("directory rename should emit one record per leaf, got %d", len(got))
	}
	for _, entry := range got {
		if !entry.Record.IsRename {
			t.Errorf("expected rename record, got %+v", entry.Record)
		}
		p, err := entry.Record.RenamePayload()
		if err != nil {
			t.Fatal(err)
		}
		switch p.NewRelPath {
		case "lib/a.js":
			if p.OldRelPath != "src/a.js" {
				t.Errorf("payload = %+v", p)
			}
		case "lib/deep/b.js":
			if p.OldRelPath != "src/deep/b.js" {
				t.Errorf("payload = %+v", p)
			}
		default:
			t.Errorf("unexpected new path %q", p.NewRelPath)
		}
	}
}

func TestBinaryChangeEmitsNoDiff(t *testing.T) {
	e := newEnv(t)
	bin := string([]byte{0x00, 0x01, 0x02})
	e.seedShadow(t, "img.png", bin)
	abs := e.writeProject(t, "img.png", bin+"more")

	if err := e.det.HandleChange(abs); err != nil {
		t.Fatal(err)
	}
	if got := e.records(t); len(got) != 0 {
		t.Errorf("binary change should not emit a content diff, got %d", len(got))
	}

	// The baseline still advanced.
	base, err := e.shadows.Read(shadow.Shadow, e.repo, "default", "img.png")
	if err != nil {
		t.Fatal(err)
	}
	if string(base) != bin+"more" {
		t.Error("binary shadow baseline should advance")
	}
}

func TestCurrentBranch(t *testing.T) {
	repo := t.TempDir()
	if got := CurrentBranch(repo); got != "default" {
		t.Errorf("non-git repo branch = %q, want default", got)
	}

	gitDir := filepath.Join(repo, ".git")
	if err := os.MkdirAll(gitDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/feature/x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := CurrentBranch(repo); got != "feature/x" {
		t.Errorf("branch = %q, want feature/x", got)
	}

	// Detached HEAD falls back.
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("abc123\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := CurrentBranch(repo); got != "default" {
		t.Errorf("detached branch = %q, want default", got)
	}
}
