// Package api defines the seams to the remote REST API.
//
// The sync pipeline never talks HTTP directly; it depends on these
// interfaces so the editor extension, CLI and tests can supply their own
// implementations. Only the health probe ships with a default
// implementation, because the delivery coordinator consults it before
// every pass.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// UploadResult is the outcome of a new-file upload.
type UploadResult struct {
	// Uploaded reports whether the server accepted the file.
	Uploaded bool

	// FileID is the server-assigned ID, valid only when Uploaded is true.
	FileID int

	// PlanLimitReached reports that the upload was rejected because the
	// account's plan limit is hit. Callers preserve the queued diff and
	// stop retrying until the limit lifts.
	PlanLimitReached bool
}

// Uploader sends new files to the server. Implementations must be
// idempotent from the caller's perspective: re-uploading an
// already-uploaded path is harmless.
type Uploader interface {
	// UploadNewFile uploads the file at absPath as branch/relPath of the
	// identified repo and returns the server-assigned file ID.
	UploadNewFile(ctx context.Context, token, repoPath, branch, relPath, absPath string, repoID int) (UploadResult, error)
}

// RepoCreator registers a repo with the server during the connect flow.
type RepoCreator interface {
	// CreateRepo registers the repo and its initial file tree, returning
	// the server-assigned repo ID and per-file IDs keyed by relative path.
	CreateRepo(ctx context.Context, token, repoPath, branch string, filePaths []string) (repoID int, fileIDs map[string]int, err error)
}

// UnavailableUploader is the fallback when no API client is wired in. It
// fails every upload, which leaves the corresponding queue records in
// place until a real client is configured.
type UnavailableUploader struct{}

// UploadNewFile implements Uploader.
func (UnavailableUploader) UploadNewFile(ctx context.Context, token, repoPath, branch, relPath, absPath string, repoID int) (UploadResult, error) {
	return UploadResult{}, errors.New("no api client configured")
}

// HealthChecker reports whether the server is reachable.
type HealthChecker interface {
	IsServerDown(ctx context.Context) bool
}

// HTTPHealthChecker probes a health endpoint with a short timeout.
type HTTPHealthChecker struct {
	URL    string
	Client *http.Client
}

// NewHealthChecker creates a probe for the given health URL.
func NewHealthChecker(url string) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// IsServerDown implements HealthChecker. Any transport error or non-2xx
// status counts as down.
func (h *HTTPHealthChecker) IsServerDown(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return true
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()
	return resp.StatusCode < 200 || resp.StatusCode >= 300
}
