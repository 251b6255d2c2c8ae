package detector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codesync-hq/codesyncd/internal/shadow"
)

func TestScanDetectsNewFile(t *testing.T) {
	e := newEnv(t)
	e.writeProject(t, "added.js", "new content")

	n, err := e.det.ScanRepo(e.repo)
	if err != nil {
		t.Fatalf("ScanRepo() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ScanRepo() emitted %d, want 1", n)
	}

	got := e.records(t)
	if len(got) != 1 || !got[0].Record.IsNewFile {
		t.Fatalf("expected one new-file record, got %+v", got)
	}
	if got[0].Record.FileRelativePath != "added.js" {
		t.Errorf("relative path = %q", got[0].Record.FileRelativePath)
	}
}

func TestScanDetectsOutOfBandEdit(t *testing.T) {
	e := newEnv(t)
	e.seedShadow(t, "a.js", "v1")
	e.writeProject(t, "a.js", "v2 with changes")

	n, err := e.det.ScanRepo(e.repo)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("ScanRepo() emitted %d, want 1", n)
	}

	got := e.records(t)
	if len(got) != 1 || got[0].Record.Diff == "" || got[0].Record.IsNewFile {
		t.Fatalf("expected one content diff, got %+v", got)
	}
}

func TestScanInfersRename(t *testing.T) {
	e := newEnv(t)
	content := "function greet() {\n  return 'hello world from a reasonably long file'\n}\n"
	e.seedShadow(t, "old.js", content)
	e.writeProject(t, "renamed.js", content)

	if _, err := e.det.ScanRepo(e.repo); err != nil {
		t.Fatal(err)
	}

	got := e.records(t)
	if len(got) != 1 {
		t.Fatalf("expected one record, got %d", len(got))
	}
	r := got[0].Record
	if !r.IsRename {
		t.Fatalf("expected rename classification, got %+v", r)
	}
	p, err := r.RenamePayload()
	if err != nil {
		t.Fatal(err)
	}
	if p.OldRelPath != "old.js" || p.NewRelPath != "renamed.js" {
		t.Errorf("payload = %+v", p)
	}
	if !e.shadows.Has(shadow.Shadow, e.repo, "default", "renamed.js") {
		t.Error("shadow should follow the rename")
	}
}

func TestScanRenameTieFallsBackToNewFile(t *testing.T) {
	e := newEnv(t)
	content := "identical candidate content that is long enough to be meaningful\n"
	e.seedShadow(t, "one.js", content)
	e.seedShadow(t, "two.js", content)
	e.writeProject(t, "moved.js", content)

	if _, err := e.det.ScanRepo(e.repo); err != nil {
		t.Fatal(err)
	}

	var sawNewFile bool
	for _, entry := range e.records(t) {
		if entry.Record.IsRename {
			t.Errorf("ambiguous match must not classify as rename: %+v", entry.Record)
		}
		if entry.Record.IsNewFile && entry.Record.FileRelativePath == "moved.js" {
			sawNewFile = true
		}
	}
	if !sawNewFile {
		t.Error("tie should fall back to new-file classification")
	}
}

func TestScanLowSimilarityIsNewFile(t *testing.T) {
	e := newEnv(t)
	e.seedShadow(t, "old.js", "completely different original content here\n")
	e.writeProject(t, "fresh.js", "SELECT * FROM users; -- nothing alike\n")

	if _, err := e.det.ScanRepo(e.repo); err != nil {
		t.Fatal(err)
	}

	for _, entry := range e.records(t) {
		if entry.Record.IsRename {
			t.Errorf("low similarity must not classify as rename: %+v", entry.Record)
		}
	}
}

func TestScanDetectsDelete(t *testing.T) {
	e := newEnv(t)
	// Known to the server, baseline present, gone from the project tree.
	if err := e.cfg.SetFileID(e.repo, "default", "removed.js", 77); err != nil {
		t.Fatal(err)
	}
	e.seedShadow(t, "removed.js", "bye")

	n, err := e.det.ScanRepo(e.repo)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("ScanRepo() emitted %d, want 1", n)
	}

	got := e.records(t)
	if len(got) != 1 || !got[0].Record.IsDeleted {
		t.Fatalf("expected one delete record, got %+v", got)
	}
	if got[0].Record.FileRelativePath != "removed.js" {
		t.Errorf("relative path = %q", got[0].Record.FileRelativePath)
	}
}

func TestScanDeleteAlreadyCachedSkipped(t *testing.T) {
	e := newEnv(t)
	if err := e.cfg.SetFileID(e.repo, "default", "removed.js", 77); err != nil {
		t.Fatal(err)
	}
	e.seedShadow(t, "removed.js", "bye")
	if err := e.shadows.Write(shadow.Deleted, e.repo, "default", "removed.js", []byte("bye")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.det.ScanRepo(e.repo); err != nil {
		t.Fatal(err)
	}
	if got := e.records(t); len(got) != 0 {
		t.Errorf("already-captured delete should not re-emit, got %d", len(got))
	}
}

func TestScanBinaryOnlyNewFile(t *testing.T) {
	e := newEnv(t)
	bin := string([]byte{0x00, 0x01, 0x02, 0x03})
	e.seedShadow(t, "old.bin", bin)
	e.writeProject(t, "new.bin", bin)

	if _, err := e.det.ScanRepo(e.repo); err != nil {
		t.Fatal(err)
	}

	got := e.records(t)
	if len(got) != 1 || !got[0].Record.IsNewFile {
		t.Fatalf("binary should classify as new file, got %+v", got)
	}
	if !got[0].Record.IsBinary {
		t.Error("record should carry is_binary")
	}
}

func TestScanSkipsUnmodifiedRepo(t *testing.T) {
	e := newEnv(t)
	e.writeProject(t, "a.js", "content")

	if n, err := e.det.ScanRepo(e.repo); err != nil || n != 1 {
		t.Fatalf("first scan: n=%d err=%v, want 1 nil", n, err)
	}

	// Nothing changed since the first pass; the gate skips the rescan.
	n, err := e.det.ScanRepo(e.repo)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unmodified repo rescan emitted %d, want 0", n)
	}

	// Touch a file with a future mtime; the gate reopens.
	abs := e.writeProject(t, "a.js", "changed content")
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(abs, future, future); err != nil {
		t.Fatal(err)
	}
	n, err = e.det.ScanRepo(e.repo)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("modified repo rescan emitted %d, want 1", n)
	}
}

func TestScanAllCoversEveryRepo(t *testing.T) {
	e := newEnv(t)
	e.writeProject(t, "a.js", "one")

	second := filepath.Join(t.TempDir(), "other")
	if err := os.MkdirAll(second, 0755); err != nil {
		t.Fatal(err)
	}
	if err := e.cfg.AddRepo(second, 2, "user@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(second, "b.js"), []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}

	if n := e.det.ScanAll(); n != 2 {
		t.Errorf("ScanAll() = %d, want 2", n)
	}
}
