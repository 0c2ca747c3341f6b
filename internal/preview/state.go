package preview

import (
	"github.com/fruitsalade/preview/internal/diff"
	"github.com/fruitsalade/preview/internal/highlight"
	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
)

// Phase is the coordinator's position in its state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDebouncing Phase = "debouncing"
	PhaseFetching   Phase = "fetching"
	PhaseSettled    Phase = "settled"
	PhaseFailed     Phase = "failed"
)

// State is a point-in-time copy of what the coordinator displays.
// Snapshot, Tree and Diff belong to AppliedVersion, which lags Version
// while a newer input is debouncing or being fetched.
type State struct {
	Phase          Phase
	Version        uint64
	Key            string
	AppliedVersion uint64
	AppliedKey     string
	Snapshot       *models.Snapshot
	Baseline       *models.Snapshot
	Tree           []*models.TreeNode
	BaselineTree   []*models.TreeNode
	Diff           *diff.Result
	Err            *protocol.GenerateError
}

// Stale reports whether the displayed result belongs to an older input.
func (s State) Stale() bool {
	return s.Snapshot != nil && s.AppliedVersion != s.Version
}

// Status converts the state to its API representation.
func (s State) Status() protocol.PreviewStatus {
	st := protocol.PreviewStatus{
		Phase:   string(s.Phase),
		Version: s.Version,
		Key:     s.Key,
		Stale:   s.Stale(),
		Error:   s.Err,
		Summary: s.Diff.Summary(),
	}
	if s.Snapshot != nil {
		st.FileCount = len(s.Snapshot.Files)
	}
	return st
}

// FileView is one selected file with its change status and rendering.
type FileView struct {
	Path         string
	File         *models.SnapshotFile
	Status       models.DiffStatus
	BaselineHash string
	Lines        []string
	Tokens       highlight.Lines
}

// Response converts the view to its API representation.
func (v *FileView) Response() protocol.FileResponse {
	return protocol.FileResponse{
		Path:         v.Path,
		File:         v.File,
		Status:       v.Status,
		BaselineHash: v.BaselineHash,
		Lines:        v.Lines,
		Tokens:       v.Tokens,
	}
}
