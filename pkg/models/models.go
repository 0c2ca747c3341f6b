// Package models contains the data types shared by the preview pipeline.
package models

import "time"

// NodeKind distinguishes files from directories in a preview tree.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
)

// SnapshotFile is one generated file. Two files with the same Hash are
// treated as byte-identical whether or not Content is present.
type SnapshotFile struct {
	Path    string `json:"path" yaml:"path"`
	Size    int64  `json:"size" yaml:"size"`
	Binary  bool   `json:"binary" yaml:"binary"`
	Hash    string `json:"hash" yaml:"hash"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
}

// Snapshot is the full set of files generated for one request key.
type Snapshot struct {
	Key         string         `json:"key" yaml:"key"`
	Files       []SnapshotFile `json:"files" yaml:"files"`
	GeneratedAt time.Time      `json:"generated_at" yaml:"generated_at"`
}

// TreeNode is a file or directory in the navigable preview tree.
// ID is "file:"+path or "dir:"+path so it stays stable across rebuilds.
type TreeNode struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Path     string        `json:"path" yaml:"path"`
	Kind     NodeKind      `json:"kind" yaml:"kind"`
	File     *SnapshotFile `json:"file,omitempty" yaml:"file,omitempty"`
	Children []*TreeNode   `json:"children,omitempty" yaml:"children,omitempty"`
}

// IsDir reports whether the node is a directory.
func (n *TreeNode) IsDir() bool {
	return n.Kind == KindDirectory
}

// DiffStatus classifies a path against the baseline snapshot.
type DiffStatus string

const (
	StatusAdded     DiffStatus = "added"
	StatusRemoved   DiffStatus = "removed"
	StatusModified  DiffStatus = "modified"
	StatusUnchanged DiffStatus = "unchanged"
)

// FileDiff is the change classification of a single path.
type FileDiff struct {
	Status DiffStatus `json:"status" yaml:"status"`
}

// ProjectConfig holds the scalar project settings sent to the generator.
type ProjectConfig struct {
	Type            string `json:"type,omitempty" yaml:"type,omitempty"`
	Language        string `json:"language" yaml:"language"`
	BuildTool       string `json:"build_tool" yaml:"build_tool"`
	PlatformVersion string `json:"platform_version,omitempty" yaml:"platform_version,omitempty"`
	LanguageVersion string `json:"language_version,omitempty" yaml:"language_version,omitempty"`
	Packaging       string `json:"packaging,omitempty" yaml:"packaging,omitempty"`
	GroupID         string `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	ArtifactID      string `json:"artifact_id,omitempty" yaml:"artifact_id,omitempty"`
	Name            string `json:"name,omitempty" yaml:"name,omitempty"`
	Description     string `json:"description,omitempty" yaml:"description,omitempty"`
	PackageName     string `json:"package_name,omitempty" yaml:"package_name,omitempty"`
}

// Option is a selectable value advertised by the metadata service.
type Option struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Default bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// Dependency is a selectable dependency.
type Dependency struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// DependencyGroup groups dependencies for display.
type DependencyGroup struct {
	Name   string       `json:"name" yaml:"name"`
	Values []Dependency `json:"values" yaml:"values"`
}

// Metadata is the payload returned by the metadata service.
type Metadata struct {
	Languages        []Option          `json:"languages" yaml:"languages"`
	BuildTools       []Option          `json:"build_tools" yaml:"build_tools"`
	PlatformVersions []Option          `json:"platform_versions" yaml:"platform_versions"`
	Packagings       []Option          `json:"packagings,omitempty" yaml:"packagings,omitempty"`
	Dependencies     []DependencyGroup `json:"dependencies" yaml:"dependencies"`
}

// DependencyIDs returns every dependency ID advertised in the metadata.
func (m *Metadata) DependencyIDs() map[string]bool {
	ids := make(map[string]bool)
	if m == nil {
		return ids
	}
	for _, g := range m.Dependencies {
		for _, d := range g.Values {
			ids[d.ID] = true
		}
	}
	return ids
}
