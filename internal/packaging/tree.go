// Package packaging holds the value types shared by the packaging
// operations and the on-disk conventions of a Debian packaging tree.
package packaging

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/uosp/internal/version"
)

// Layout of a packaging tree, relative to its root.
const (
	DebianDir     = "debian"
	ChangelogPath = "debian/changelog"
	PatchesDir    = "debian/patches"
	SeriesPath    = "debian/patches/series"
)

// Tree is a loaded packaging working tree. Operations never mutate a Tree
// in place; they return an updated copy.
type Tree struct {
	Root   string
	Branch string
	Source string

	Head             version.Version
	HeadDistribution string
	HeadDate         time.Time

	Series []PatchRef

	Touched Ownership
}

// PatchRef is one entry of debian/patches/series.
type PatchRef struct {
	Name    string
	Path    string // relative to the tree root
	Options string // e.g. "-p1"

	// Applied is nil until the patch has been tried against new content.
	Applied *bool
}

// WithApplied returns a copy of p with Applied set.
func (p PatchRef) WithApplied(ok bool) PatchRef {
	p.Applied = &ok
	return p
}

// Ownership records which paths of the tree the running operation has
// modified and may therefore commit.
type Ownership struct {
	// Upstream covers every path outside the packaging directory.
	Upstream bool
	// Paths are tree-relative files or directories.
	Paths []string
}

// Owns reports whether rel, a slash separated path relative to the tree
// root, belongs to the running operation.
func (o Ownership) Owns(rel string) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	if o.Upstream && rel != DebianDir && !strings.HasPrefix(rel, DebianDir+"/") {
		return true
	}
	for _, p := range o.Paths {
		p = path.Clean(filepath.ToSlash(p))
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}

// WithUpstream returns a copy of t that owns the upstream content.
func (t Tree) WithUpstream() Tree {
	t.Touched.Upstream = true
	t.Touched.Paths = append([]string(nil), t.Touched.Paths...)
	return t
}

// WithTouched returns a copy of t that additionally owns paths.
func (t Tree) WithTouched(paths ...string) Tree {
	owned := make([]string, 0, len(t.Touched.Paths)+len(paths))
	owned = append(owned, t.Touched.Paths...)
	owned = append(owned, paths...)
	t.Touched.Paths = owned
	return t
}

// WithSeries returns a copy of t with the given series.
func (t Tree) WithSeries(series []PatchRef) Tree {
	t.Series = append([]PatchRef(nil), series...)
	return t
}

// Conflicts returns the patches that were tried and failed, in series
// order.
func (t Tree) Conflicts() []PatchRef {
	var out []PatchRef
	for _, p := range t.Series {
		if p.Applied != nil && !*p.Applied {
			out = append(out, p)
		}
	}
	return out
}

// Abs returns the absolute path of a tree-relative path.
func (t Tree) Abs(rel string) string {
	return filepath.Join(t.Root, filepath.FromSlash(rel))
}
