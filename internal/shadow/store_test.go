package shadow

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func testStoreAt(t *testing.T) *Store {
	t.Helper()

	root := t.TempDir()
	return NewStore(
		filepath.Join(root, ".shadow"),
		filepath.Join(root, ".originals"),
		filepath.Join(root, ".deleted"),
	)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := testStoreAt(t)

	if err := s.Write(Shadow, "/home/u/proj", "main", "src/app.js", []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := s.Read(Shadow, "/home/u/proj", "main", "src/app.js")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read() = %q, want %q", got, "hello")
	}
}

func TestReadMissing(t *testing.T) {
	s := testStoreAt(t)

	_, err := s.Read(Shadow, "/r", "main", "nope.js")
	if err != ErrNotFound {
		t.Errorf("Read() error = %v, want ErrNotFound", err)
	}
}

func TestMirrorsAreIndependent(t *testing.T) {
	s := testStoreAt(t)

	if err := s.Write(Shadow, "/r", "main", "a.js", []byte("shadow")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(Originals, "/r", "main", "a.js", []byte("original")); err != nil {
		t.Fatal(err)
	}

	if !s.Has(Shadow, "/r", "main", "a.js") || !s.Has(Originals, "/r", "main", "a.js") {
		t.Fatal("both mirrors should have the entry")
	}
	if s.Has(Deleted, "/r", "main", "a.js") {
		t.Error("deleted mirror should be empty")
	}

	got, err := s.Read(Originals, "/r", "main", "a.js")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Errorf("originals content = %q", got)
	}
}

func TestRename(t *testing.T) {
	s := testStoreAt(t)

	if err := s.Write(Shadow, "/r", "main", "old.js", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename(Shadow, "/r", "main", "old.js", "lib/new.js"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	if s.Has(Shadow, "/r", "main", "old.js") {
		t.Error("old entry should be gone")
	}
	if !s.Has(Shadow, "/r", "main", "lib/new.js") {
		t.Error("new entry should exist")
	}

	// Renaming a missing entry is a no-op.
	if err := s.Rename(Shadow, "/r", "main", "ghost.js", "any.js"); err != nil {
		t.Errorf("rename of missing entry should be a no-op, got %v", err)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	s := testStoreAt(t)

	if err := s.Write(Deleted, "/r", "main", "a.js", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(Deleted, "/r", "main", "a.js"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(Deleted, "/r", "main", "a.js"); err != nil {
		t.Errorf("second Remove() should be a no-op, got %v", err)
	}
}

func TestWalk(t *testing.T) {
	s := testStoreAt(t)

	files := []string{"a.js", "lib/b.js", "lib/sub/c.js"}
	for _, f := range files {
		if err := s.Write(Shadow, "/r", "main", f, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}

	var seen []string
	err := s.Walk(Shadow, "/r", "main", "", func(rel string) error {
		seen = append(seen, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	sort.Strings(seen)
	if strings.Join(seen, ",") != "a.js,lib/b.js,lib/sub/c.js" {
		t.Errorf("Walk() saw %v", seen)
	}

	// Scoped walk only visits the subtree.
	seen = nil
	if err := s.Walk(Shadow, "/r", "main", "lib", func(rel string) error {
		seen = append(seen, rel)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	sort.Strings(seen)
	if strings.Join(seen, ",") != "lib/b.js,lib/sub/c.js" {
		t.Errorf("scoped Walk() saw %v", seen)
	}

	// Walking a missing branch visits nothing.
	if err := s.Walk(Shadow, "/r", "other", "", func(string) error {
		t.Error("unexpected entry in empty branch")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestRepoSlugDisambiguates(t *testing.T) {
	a := RepoSlug("/home/alice/project")
	b := RepoSlug("/home/bob/project")
	if a == b {
		t.Errorf("slugs for distinct repos collided: %q", a)
	}
	if !strings.HasPrefix(a, "project-") {
		t.Errorf("slug should keep the base name, got %q", a)
	}
	if a != RepoSlug("/home/alice/project") {
		t.Error("slug should be stable")
	}
}
