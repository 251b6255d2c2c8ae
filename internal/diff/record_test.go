package diff

import (
	"encoding/json"
	"strings"
	"testing"
)

func validContentRecord() *Record {
	return &Record{
		RepoPath:         "/home/u/project",
		Branch:           "main",
		FileRelativePath: "src/app.js",
		CreatedAt:        Now(),
		Source:           "test",
		Diff:             MakePatch("hello", "hello world"),
	}
}

func renameDiff(t *testing.T, p RenamePayload) string {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestValid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Record)
		want   bool
	}{
		{
			name:   "well-formed content diff",
			mutate: func(r *Record) {},
			want:   true,
		},
		{
			name:   "missing repo path",
			mutate: func(r *Record) { r.RepoPath = "" },
			want:   false,
		},
		{
			name:   "missing branch",
			mutate: func(r *Record) { r.Branch = "" },
			want:   false,
		},
		{
			name:   "missing relative path",
			mutate: func(r *Record) { r.FileRelativePath = "" },
			want:   false,
		},
		{
			name:   "missing created_at",
			mutate: func(r *Record) { r.CreatedAt = "" },
			want:   false,
		},
		{
			name:   "unparseable created_at",
			mutate: func(r *Record) { r.CreatedAt = "yesterday" },
			want:   false,
		},
		{
			name:   "empty diff without kind flag is meaningless",
			mutate: func(r *Record) { r.Diff = "" },
			want:   false,
		},
		{
			name: "empty diff with new file flag",
			mutate: func(r *Record) {
				r.Diff = ""
				r.IsNewFile = true
			},
			want: true,
		},
		{
			name: "empty diff with delete flag",
			mutate: func(r *Record) {
				r.Diff = ""
				r.IsDeleted = true
			},
			want: true,
		},
		{
			name: "both rename kinds set",
			mutate: func(r *Record) {
				r.IsRename = true
				r.IsDirRename = true
			},
			want: false,
		},
		{
			name: "rename with unparseable payload",
			mutate: func(r *Record) {
				r.IsRename = true
				r.Diff = "not json"
			},
			want: false,
		},
		{
			name: "rename with missing keys",
			mutate: func(r *Record) {
				r.IsRename = true
				r.Diff = `{"old_rel_path": "a.js"}`
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validContentRecord()
			tt.mutate(r)
			if got := r.Valid(0); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidRename(t *testing.T) {
	r := validContentRecord()
	r.IsRename = true
	r.Diff = renameDiff(t, RenamePayload{
		OldRelPath: "old.js",
		NewRelPath: "new.js",
		OldAbsPath: "/home/u/project/old.js",
		NewAbsPath: "/home/u/project/new.js",
	})

	if !r.Valid(0) {
		t.Error("well-formed rename record should be valid")
	}

	p, err := r.RenamePayload()
	if err != nil {
		t.Fatalf("RenamePayload() error = %v", err)
	}
	if p.NewRelPath != "new.js" {
		t.Errorf("NewRelPath = %q", p.NewRelPath)
	}
}

func TestValidDirRename(t *testing.T) {
	r := validContentRecord()
	r.IsDirRename = true
	r.Diff = `{"old_path": "/home/u/project/old", "new_path": "/home/u/project/new"}`

	if !r.Valid(0) {
		t.Error("well-formed dir rename record should be valid")
	}

	r.Diff = `{"old_path": "/home/u/project/old"}`
	if r.Valid(0) {
		t.Error("dir rename payload missing new_path should be invalid")
	}
}

func TestValidSizeCeiling(t *testing.T) {
	r := validContentRecord()
	r.Diff = strings.Repeat("x", 100)

	if !r.Valid(1000) {
		t.Error("diff under ceiling should be valid")
	}
	if r.Valid(50) {
		t.Error("oversized diff should be invalid")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	r := validContentRecord()
	r.IsBinary = true

	data, err := Marshal(r)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if *got != *r {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, r)
	}
}

func TestUnmarshalCorrupt(t *testing.T) {
	if _, err := Unmarshal([]byte("repo_path: [broken")); err == nil {
		t.Error("expected error for corrupt record")
	}
}
