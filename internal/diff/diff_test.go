package diff

import (
	"reflect"
	"testing"

	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
)

func snap(files ...models.SnapshotFile) *models.Snapshot {
	return &models.Snapshot{Files: files}
}

func file(path, hash string) models.SnapshotFile {
	return models.SnapshotFile{Path: path, Hash: hash}
}

func statuses(r *Result) map[string]models.DiffStatus {
	out := make(map[string]models.DiffStatus, len(r.Files))
	for p, d := range r.Files {
		out[p] = d.Status
	}
	return out
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		baseline *models.Snapshot
		current  *models.Snapshot
		want     map[string]models.DiffStatus
	}{
		{
			name:     "modified and added",
			baseline: snap(file("A", "1")),
			current:  snap(file("A", "2"), file("B", "3")),
			want:     map[string]models.DiffStatus{"A": models.StatusModified, "B": models.StatusAdded},
		},
		{
			name:     "removed",
			baseline: snap(file("A", "1")),
			current:  snap(),
			want:     map[string]models.DiffStatus{"A": models.StatusRemoved},
		},
		{
			name:     "unchanged",
			baseline: snap(file("pom.xml", "x"), file("src/App.java", "y")),
			current:  snap(file("src/App.java", "y"), file("pom.xml", "x")),
			want:     map[string]models.DiffStatus{"pom.xml": models.StatusUnchanged, "src/App.java": models.StatusUnchanged},
		},
		{
			name:     "both empty",
			baseline: snap(),
			current:  snap(),
			want:     map[string]models.DiffStatus{},
		},
		{
			name:     "paths are normalized",
			baseline: snap(file(`src\main\App.java`, "1")),
			current:  snap(file("/src/main/App.java/", "1")),
			want:     map[string]models.DiffStatus{"src/main/App.java": models.StatusUnchanged},
		},
		{
			name:     "empty path ignored",
			baseline: snap(file("", "1")),
			current:  snap(file("/", "2")),
			want:     map[string]models.DiffStatus{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.baseline, tt.current)
			if got == nil {
				t.Fatal("Compute returned nil")
			}
			if s := statuses(got); !reflect.DeepEqual(s, tt.want) {
				t.Errorf("got %v, want %v", s, tt.want)
			}
		})
	}
}

func TestCompute_NilSnapshot(t *testing.T) {
	if Compute(nil, snap(file("A", "1"))) != nil {
		t.Error("nil baseline should yield nil")
	}
	if Compute(snap(file("A", "1")), nil) != nil {
		t.Error("nil current should yield nil")
	}
	if Compute(nil, nil) != nil {
		t.Error("nil both should yield nil")
	}
}

func TestCompute_BinaryFlagIgnored(t *testing.T) {
	before := models.SnapshotFile{Path: "logo.png", Hash: "h", Binary: false}
	after := models.SnapshotFile{Path: "logo.png", Hash: "h", Binary: true}
	r := Compute(snap(before), snap(after))
	if st, _ := r.Status("logo.png"); st != models.StatusUnchanged {
		t.Errorf("status = %s, want unchanged", st)
	}
}

func TestCompute_DuplicatePathsKeepSmallestHash(t *testing.T) {
	r := Compute(snap(file("a", "1")), snap(file("a", "2"), file("a", "1")))
	if st, _ := r.Status("a"); st != models.StatusUnchanged {
		t.Errorf("status = %s, want unchanged", st)
	}
}

func TestResult_Helpers(t *testing.T) {
	r := Compute(
		snap(file("a", "1"), file("b", "1"), file("c", "1")),
		snap(file("a", "1"), file("b", "2"), file("d", "1"), file("e", "1")),
	)

	want := &protocol.DiffSummary{Added: 2, Removed: 1, Modified: 1, Unchanged: 1}
	if got := r.Summary(); !reflect.DeepEqual(got, want) {
		t.Errorf("Summary = %+v, want %+v", got, want)
	}
	if got := r.Paths(models.StatusAdded); !reflect.DeepEqual(got, []string{"d", "e"}) {
		t.Errorf("Paths(added) = %v", got)
	}
	if st, ok := r.Status("./b"); !ok || st != models.StatusModified {
		t.Errorf("Status(./b) = %s, %v", st, ok)
	}
	if _, ok := r.Status("zzz"); ok {
		t.Error("unknown path should not be found")
	}
	if !r.Changed() {
		t.Error("Changed = false")
	}

	var nilResult *Result
	if nilResult.Summary() != nil || nilResult.Paths(models.StatusAdded) != nil || nilResult.Changed() {
		t.Error("nil result helpers should be empty")
	}
}
