package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MakePatch computes a structural text patch transforming old into new,
// in the standard patch text representation. Identical inputs produce an
// empty patch.
func MakePatch(oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(oldText, newText)
	return dmp.PatchToText(patches)
}

// ApplyPatch applies a patch produced by MakePatch to base. Returns an
// error if the patch text does not parse or any hunk fails to apply.
func ApplyPatch(base, patchText string) (string, error) {
	if patchText == "" {
		return base, nil
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return "", fmt.Errorf("failed to parse patch: %w", err)
	}
	result, applied := dmp.PatchApply(patches, base)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("patch hunk %d failed to apply", i)
		}
	}
	return result, nil
}

// Similarity returns a normalized edit-distance ratio between two texts in
// [0, 1], where 1 means identical. Used by the reconciliation scan's
// best-effort rename inference.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)
	return 1 - float64(distance)/float64(maxLen)
}

// IsBinary reports whether content looks like binary data, using the NUL
// sniff over the leading bytes. Binary files never get content diffs.
func IsBinary(content []byte) bool {
	n := len(content)
	if n > 8000 {
		n = 8000
	}
	return strings.ContainsRune(string(content[:n]), '\x00')
}
