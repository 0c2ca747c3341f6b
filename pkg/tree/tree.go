// Package tree builds and walks preview file trees.
package tree

import (
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/fruitsalade/preview/pkg/models"
)

// FileID returns the stable node ID of a file path.
func FileID(path string) string {
	return "file:" + path
}

// DirID returns the stable node ID of a directory path.
func DirID(path string) string {
	return "dir:" + path
}

// NormalizePath converts backslashes to slashes and drops empty and "."
// segments. The result has no leading or trailing slash; an unusable path
// normalizes to "".
func NormalizePath(p string) string {
	return strings.Join(Segments(p), "/")
}

// Segments splits a path into its normalized segments.
func Segments(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s == "" || s == "." {
			continue
		}
		segs = append(segs, s)
	}
	return segs
}

type dirBuilder struct {
	node  *models.TreeNode
	dirs  map[string]*dirBuilder
	files map[string]*models.TreeNode
}

func newDirBuilder(node *models.TreeNode) *dirBuilder {
	return &dirBuilder{
		node:  node,
		dirs:  make(map[string]*dirBuilder),
		files: make(map[string]*models.TreeNode),
	}
}

// Build turns a flat file list into a forest. The output does not depend on
// input order: directories come before files at every level and each group
// is sorted by name. Files whose path normalizes to "" are skipped. When a
// name is both a file and a directory the directory wins; duplicate file
// paths keep the entry with the smallest hash.
func Build(files []models.SnapshotFile) []*models.TreeNode {
	root := newDirBuilder(&models.TreeNode{Kind: models.KindDirectory})

	for i := range files {
		f := files[i]
		segs := Segments(f.Path)
		if len(segs) == 0 {
			continue
		}
		f.Path = strings.Join(segs, "/")

		parent := root
		for depth, seg := range segs[:len(segs)-1] {
			child, ok := parent.dirs[seg]
			if !ok {
				p := strings.Join(segs[:depth+1], "/")
				child = newDirBuilder(&models.TreeNode{
					ID:   DirID(p),
					Name: seg,
					Path: p,
					Kind: models.KindDirectory,
				})
				parent.dirs[seg] = child
			}
			parent = child
		}

		name := segs[len(segs)-1]
		if existing, ok := parent.files[name]; ok && existing.File.Hash <= f.Hash {
			continue
		}
		fc := f
		parent.files[name] = &models.TreeNode{
			ID:   FileID(f.Path),
			Name: name,
			Path: f.Path,
			Kind: models.KindFile,
			File: &fc,
		}
	}

	col := collate.New(language.Und)
	return root.finalize(col)
}

func (b *dirBuilder) finalize(col *collate.Collator) []*models.TreeNode {
	dirs := make([]*models.TreeNode, 0, len(b.dirs))
	for _, d := range b.dirs {
		d.node.Children = d.finalize(col)
		dirs = append(dirs, d.node)
	}
	files := make([]*models.TreeNode, 0, len(b.files))
	for name, f := range b.files {
		if _, clash := b.dirs[name]; clash {
			continue
		}
		files = append(files, f)
	}
	sortByName(col, dirs)
	sortByName(col, files)
	return append(dirs, files...)
}

func sortByName(col *collate.Collator, nodes []*models.TreeNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return lessName(col, nodes[i].Name, nodes[j].Name)
	})
}

// lessName orders by locale collation, falling back to byte order so that
// names the collator considers equal still sort deterministically.
func lessName(col *collate.Collator, a, b string) bool {
	if c := col.CompareString(a, b); c != 0 {
		return c < 0
	}
	return a < b
}

// FindByPath resolves a normalized path in a forest (recursive).
func FindByPath(nodes []*models.TreeNode, path string) *models.TreeNode {
	path = NormalizePath(path)
	for _, n := range nodes {
		if n.Path == path {
			return n
		}
		if n.IsDir() && strings.HasPrefix(path, n.Path+"/") {
			if found := FindByPath(n.Children, path); found != nil {
				return found
			}
		}
	}
	return nil
}

// FindByID finds a node by its ID in a forest (recursive).
func FindByID(nodes []*models.TreeNode, id string) *models.TreeNode {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
		if found := FindByID(n.Children, id); found != nil {
			return found
		}
	}
	return nil
}

// CountNodes counts all nodes in a forest.
func CountNodes(nodes []*models.TreeNode) int {
	count := 0
	for _, n := range nodes {
		count += 1 + CountNodes(n.Children)
	}
	return count
}

// Walk visits every node depth-first in display order. Returning false
// from fn skips the node's children.
func Walk(nodes []*models.TreeNode, fn func(n *models.TreeNode, depth int) bool) {
	walk(nodes, 0, fn)
}

func walk(nodes []*models.TreeNode, depth int, fn func(n *models.TreeNode, depth int) bool) {
	for _, n := range nodes {
		if fn(n, depth) {
			walk(n.Children, depth+1, fn)
		}
	}
}

// Flatten returns all nodes in a flat map keyed by path.
func Flatten(nodes []*models.TreeNode) map[string]*models.TreeNode {
	result := make(map[string]*models.TreeNode)
	Walk(nodes, func(n *models.TreeNode, _ int) bool {
		result[n.Path] = n
		return true
	})
	return result
}
