// Package diff defines the diff record, its on-disk codec and validation
// rules, and the text patch engine the change detector uses.
//
// A diff record is the unit of change flowing through the pipeline: written
// once by the change detector, held in the diff queue, and deleted exactly
// once by whichever component decides its fate (validation, the sequencer,
// or a server acknowledgement).
package diff

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// CreatedAtFormat is the timestamp layout used in records and wire payloads.
const CreatedAtFormat = "2006-01-02 15:04:05.000"

// DefaultMaxDiffBytes is the hard ceiling on a single diff payload when the
// caller does not supply one. Oversized diffs are invalid, not retried.
const DefaultMaxDiffBytes = 16 * 1024 * 1024

// Record is one durable, self-contained description of a file-level change.
type Record struct {
	RepoPath         string `yaml:"repo_path"`
	Branch           string `yaml:"branch"`
	FileRelativePath string `yaml:"file_relative_path"`
	CreatedAt        string `yaml:"created_at"`
	Source           string `yaml:"source,omitempty"`

	// Diff holds the patch text, or a JSON-encoded rename payload when one
	// of the rename flags is set.
	Diff string `yaml:"diff,omitempty"`

	IsBinary    bool `yaml:"is_binary,omitempty"`
	IsNewFile   bool `yaml:"is_new_file,omitempty"`
	IsRename    bool `yaml:"is_rename,omitempty"`
	IsDirRename bool `yaml:"is_dir_rename,omitempty"`
	IsDeleted   bool `yaml:"is_deleted,omitempty"`
}

// RenamePayload is the Diff content of a file rename record.
type RenamePayload struct {
	OldRelPath string `json:"old_rel_path"`
	NewRelPath string `json:"new_rel_path"`
	OldAbsPath string `json:"old_abs_path"`
	NewAbsPath string `json:"new_abs_path"`
}

// DirRenamePayload is the Diff content of a directory rename record.
type DirRenamePayload struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// Now returns the current time formatted for CreatedAt.
func Now() string {
	return time.Now().UTC().Format(CreatedAtFormat)
}

// ParseCreatedAt parses a record timestamp.
func ParseCreatedAt(s string) (time.Time, error) {
	return time.Parse(CreatedAtFormat, s)
}

// RenamePayload decodes the record's rename payload. Only meaningful when
// IsRename is set.
func (r *Record) RenamePayload() (RenamePayload, error) {
	var p RenamePayload
	if err := json.Unmarshal([]byte(r.Diff), &p); err != nil {
		return p, fmt.Errorf("bad rename payload: %w", err)
	}
	if p.OldRelPath == "" || p.NewRelPath == "" || p.OldAbsPath == "" || p.NewAbsPath == "" {
		return p, fmt.Errorf("rename payload missing required keys")
	}
	return p, nil
}

// DirRenamePayload decodes the record's directory rename payload. Only
// meaningful when IsDirRename is set.
func (r *Record) DirRenamePayload() (DirRenamePayload, error) {
	var p DirRenamePayload
	if err := json.Unmarshal([]byte(r.Diff), &p); err != nil {
		return p, fmt.Errorf("bad dir rename payload: %w", err)
	}
	if p.OldPath == "" || p.NewPath == "" {
		return p, fmt.Errorf("dir rename payload missing required keys")
	}
	return p, nil
}

// Valid reports whether the record satisfies every structural invariant:
// required keys present and parseable, exactly one rename kind at most, a
// well-formed rename payload when a rename flag is set, the size ceiling,
// and the "meaningful record" rule (a record with no diff that is neither a
// new file nor a delete carries no information).
//
// Structural and parse failures report false; they are never surfaced as
// errors because an invalid record cannot become valid by waiting.
func (r *Record) Valid(maxDiffBytes int) bool {
	if maxDiffBytes <= 0 {
		maxDiffBytes = DefaultMaxDiffBytes
	}

	if r.RepoPath == "" || r.Branch == "" || r.FileRelativePath == "" || r.CreatedAt == "" {
		return false
	}
	if _, err := ParseCreatedAt(r.CreatedAt); err != nil {
		return false
	}
	if len(r.Diff) > maxDiffBytes {
		return false
	}
	if r.Diff == "" && !r.IsNewFile && !r.IsDeleted {
		return false
	}
	if r.IsRename && r.IsDirRename {
		return false
	}
	if r.IsRename {
		if _, err := r.RenamePayload(); err != nil {
			return false
		}
	}
	if r.IsDirRename {
		if _, err := r.DirRenamePayload(); err != nil {
			return false
		}
	}
	return true
}

// Marshal serializes the record to its on-disk YAML form.
func Marshal(r *Record) ([]byte, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diff record: %w", err)
	}
	return data, nil
}

// Unmarshal parses an on-disk record. A parse failure means the file is
// corrupt; callers treat that as invalid and remove the file.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse diff record: %w", err)
	}
	return &r, nil
}
