package detector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codesync-hq/codesyncd/internal/logging"
	"github.com/codesync-hq/codesyncd/internal/queue"
)

// waitForRecords polls the queue until want records appear or the deadline
// passes.
func waitForRecords(t *testing.T, e *env, want int) []queue.Entry {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := e.records(t)
		if len(got) >= want {
			return got
		}
		time.Sleep(50 * time.Millisecond)
	}
	got := e.records(t)
	t.Fatalf("timed out waiting for %d records, have %d", want, len(got))
	return got
}

func startWatcher(t *testing.T, e *env) *Watcher {
	t.Helper()

	w, err := NewWatcher(e.det, 50*time.Millisecond, logging.Discard())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start([]string{e.repo}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return w
}

func TestWatcherCreateEmitsNewFile(t *testing.T) {
	e := newEnv(t)
	startWatcher(t, e)

	e.writeProject(t, "created.js", "fresh")

	got := waitForRecords(t, e, 1)
	if !got[0].Record.IsNewFile {
		t.Errorf("expected new-file record, got %+v", got[0].Record)
	}
}

func TestWatcherModifyEmitsChange(t *testing.T) {
	e := newEnv(t)
	abs := e.writeProject(t, "a.js", "v1")
	e.seedShadow(t, "a.js", "v1")
	startWatcher(t, e)

	if err := os.WriteFile(abs, []byte("v2 content"), 0644); err != nil {
		t.Fatal(err)
	}

	got := waitForRecords(t, e, 1)
	r := got[0].Record
	if r.IsNewFile || r.IsDeleted || r.Diff == "" {
		t.Errorf("expected content diff record, got %+v", r)
	}
}

func TestWatcherRemoveEmitsDelete(t *testing.T) {
	e := newEnv(t)
	abs := e.writeProject(t, "a.js", "v1")
	e.seedShadow(t, "a.js", "v1")
	startWatcher(t, e)

	if err := os.Remove(abs); err != nil {
		t.Fatal(err)
	}

	got := waitForRecords(t, e, 1)
	if !got[0].Record.IsDeleted {
		t.Errorf("expected delete record, got %+v", got[0].Record)
	}
}

func TestWatcherIgnoresFilteredPaths(t *testing.T) {
	e := newEnv(t)
	if err := os.MkdirAll(filepath.Join(e.repo, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	startWatcher(t, e)

	e.writeProject(t, ".git/config", "junk")

	time.Sleep(300 * time.Millisecond)
	if got := e.records(t); len(got) != 0 {
		t.Errorf("ignored paths should emit nothing, got %d", len(got))
	}
}

func TestWatcherDoubleStartFails(t *testing.T) {
	e := newEnv(t)
	w := startWatcher(t, e)

	if err := w.Start([]string{e.repo}); err == nil {
		t.Error("second Start() should fail")
	}
	if !w.IsRunning() {
		t.Error("watcher should still be running")
	}
}
