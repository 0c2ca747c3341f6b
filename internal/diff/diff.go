// Package diff classifies the files of a snapshot against a baseline.
package diff

import (
	"sort"

	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
	"github.com/fruitsalade/preview/pkg/tree"
)

// Result maps every normalized path present in either snapshot to its
// change status.
type Result struct {
	Files map[string]models.FileDiff `json:"files"`
}

// Compute compares current against baseline. It returns nil when either
// snapshot is unavailable. Hash is the only equality criterion.
func Compute(baseline, current *models.Snapshot) *Result {
	if baseline == nil || current == nil {
		return nil
	}

	before := indexByPath(baseline.Files)
	after := indexByPath(current.Files)

	files := make(map[string]models.FileDiff, len(after)+len(before))
	for path, hash := range before {
		cur, ok := after[path]
		switch {
		case !ok:
			files[path] = models.FileDiff{Status: models.StatusRemoved}
		case cur != hash:
			files[path] = models.FileDiff{Status: models.StatusModified}
		default:
			files[path] = models.FileDiff{Status: models.StatusUnchanged}
		}
	}
	for path := range after {
		if _, ok := before[path]; !ok {
			files[path] = models.FileDiff{Status: models.StatusAdded}
		}
	}
	return &Result{Files: files}
}

// indexByPath builds a normalized path to hash map. Empty paths are dropped
// and duplicate paths keep the smallest hash, matching tree.Build.
func indexByPath(files []models.SnapshotFile) map[string]string {
	m := make(map[string]string, len(files))
	for _, f := range files {
		p := tree.NormalizePath(f.Path)
		if p == "" {
			continue
		}
		if existing, ok := m[p]; ok && existing <= f.Hash {
			continue
		}
		m[p] = f.Hash
	}
	return m
}

// Status returns the status of path, normalizing it first.
func (r *Result) Status(path string) (models.DiffStatus, bool) {
	if r == nil {
		return "", false
	}
	d, ok := r.Files[tree.NormalizePath(path)]
	return d.Status, ok
}

// Paths returns the sorted paths with the given status.
func (r *Result) Paths(status models.DiffStatus) []string {
	if r == nil {
		return nil
	}
	var out []string
	for p, d := range r.Files {
		if d.Status == status {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Changed reports whether any path differs from the baseline.
func (r *Result) Changed() bool {
	if r == nil {
		return false
	}
	for _, d := range r.Files {
		if d.Status != models.StatusUnchanged {
			return true
		}
	}
	return false
}

// Summary counts paths per status.
func (r *Result) Summary() *protocol.DiffSummary {
	if r == nil {
		return nil
	}
	s := &protocol.DiffSummary{}
	for _, d := range r.Files {
		switch d.Status {
		case models.StatusAdded:
			s.Added++
		case models.StatusRemoved:
			s.Removed++
		case models.StatusModified:
			s.Modified++
		case models.StatusUnchanged:
			s.Unchanged++
		}
	}
	return s
}
