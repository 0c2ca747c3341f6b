// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/fruitsalade/preview/pkg/models"
)

// GenerateRequest is the body of POST /api/v1/generate on the generator.
// Dependencies are deduplicated and sorted; every option value list is
// deduplicated and sorted.
type GenerateRequest struct {
	Config       models.ProjectConfig `json:"config" yaml:"config"`
	Dependencies []string             `json:"dependencies" yaml:"dependencies"`
	Options      map[string][]string  `json:"options,omitempty" yaml:"options,omitempty"`
}

// GenerateResponse is returned by the generator on success.
type GenerateResponse struct {
	Files []models.SnapshotFile `json:"files" yaml:"files"`
}

// GenerateError is returned by the generator on failure.
type GenerateError struct {
	Code      string `json:"code" yaml:"code"`
	Message   string `json:"message" yaml:"message"`
	Retryable bool   `json:"retryable" yaml:"retryable"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error     string `json:"error" yaml:"error"`
	Code      int    `json:"code" yaml:"code"`
	Details   string `json:"details,omitempty" yaml:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty" yaml:"retryable,omitempty"`
}

// CacheStatus reports how a cached value was served.
type CacheStatus struct {
	Status    string     `json:"status" yaml:"status"` // "hit" or "miss"
	ExpiresAt *time.Time `json:"expires_at" yaml:"expires_at"`
}

// MetadataResponse is returned by GET /api/v1/metadata.
type MetadataResponse struct {
	Metadata *models.Metadata `json:"metadata" yaml:"metadata"`
	Cache    CacheStatus      `json:"cache" yaml:"cache"`
}

// SessionResponse is returned by POST /api/v1/session.
type SessionResponse struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Token     string    `json:"token" yaml:"token"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

// PreviewRequest is the body of PUT /api/v1/preview.
type PreviewRequest struct {
	Config       models.ProjectConfig `json:"config" yaml:"config"`
	Dependencies []string             `json:"dependencies" yaml:"dependencies"`
	Options      map[string][]string  `json:"options,omitempty" yaml:"options,omitempty"`
}

// PreviewAccepted is returned when an input has been queued.
type PreviewAccepted struct {
	Version uint64 `json:"version" yaml:"version"`
	Key     string `json:"key" yaml:"key"`
	Changed bool   `json:"changed" yaml:"changed"`
}

// DiffSummary counts paths per change status.
type DiffSummary struct {
	Added     int `json:"added" yaml:"added"`
	Removed   int `json:"removed" yaml:"removed"`
	Modified  int `json:"modified" yaml:"modified"`
	Unchanged int `json:"unchanged" yaml:"unchanged"`
}

// PreviewStatus is returned by GET /api/v1/preview.
type PreviewStatus struct {
	Phase     string         `json:"phase" yaml:"phase"`
	Version   uint64         `json:"version" yaml:"version"`
	Key       string         `json:"key,omitempty" yaml:"key,omitempty"`
	FileCount int            `json:"file_count" yaml:"file_count"`
	Stale     bool           `json:"stale" yaml:"stale"`
	Error     *GenerateError `json:"error,omitempty" yaml:"error,omitempty"`
	Summary   *DiffSummary   `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// TreeResponse is returned by GET /api/v1/preview/tree.
type TreeResponse struct {
	Key   string             `json:"key,omitempty" yaml:"key,omitempty"`
	Nodes []*models.TreeNode `json:"nodes" yaml:"nodes"`
}

// DiffResponse is returned by GET /api/v1/preview/diff.
type DiffResponse struct {
	Available bool                       `json:"available" yaml:"available"`
	Files     map[string]models.FileDiff `json:"files,omitempty" yaml:"files,omitempty"`
	Summary   *DiffSummary               `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Token is a highlighted fragment of a line.
type Token struct {
	Type   string `json:"type" yaml:"type"`
	Value  string `json:"value" yaml:"value"`
	Colour string `json:"colour,omitempty" yaml:"colour,omitempty"`
	Bold   bool   `json:"bold,omitempty" yaml:"bold,omitempty"`
	Italic bool   `json:"italic,omitempty" yaml:"italic,omitempty"`
}

// FileResponse is returned by GET /api/v1/preview/file/{path}.
type FileResponse struct {
	Path         string               `json:"path" yaml:"path"`
	File         *models.SnapshotFile `json:"file" yaml:"file"`
	Status       models.DiffStatus    `json:"status,omitempty" yaml:"status,omitempty"`
	BaselineHash string               `json:"baseline_hash,omitempty" yaml:"baseline_hash,omitempty"`
	Lines        []string             `json:"lines,omitempty" yaml:"lines,omitempty"`
	Tokens       [][]Token            `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}
