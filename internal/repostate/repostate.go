// Package repostate loads packaging working trees and records the result
// of an operation back into git.
package repostate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/uosp/internal/changelog"
	"github.com/schaermu/uosp/internal/git"
	"github.com/schaermu/uosp/internal/packaging"
)

var (
	// ErrNotAPackagingTree is returned when a directory lacks
	// debian/changelog or debian/patches.
	ErrNotAPackagingTree = errors.New("not a packaging tree")

	// ErrDirtyWorkingTree is returned when the working tree has changes
	// the running operation does not own.
	ErrDirtyWorkingTree = errors.New("dirty working tree")

	// ErrMissingUpstreamBranch is returned when the upstream-tracking
	// branch does not exist.
	ErrMissingUpstreamBranch = errors.New("missing upstream branch")

	// ErrWrongBranch is returned when the packaging branch is not checked out.
	ErrWrongBranch = errors.New("packaging branch not checked out")

	// ErrNothingToCommit is returned by Commit when the tree has no changes.
	ErrNothingToCommit = errors.New("nothing to commit")
)

// Layout names the branches of a packaging repository besides the
// packaging branch itself.
type Layout struct {
	Upstream    string
	PristineTar string
}

// Repository performs working tree operations on packaging repositories.
type Repository struct {
	git    git.Client
	fs     afero.Fs
	layout Layout
}

// New creates a Repository. fs is used for plain file access; git
// operations go through gitClient.
func New(gitClient git.Client, fs afero.Fs, layout Layout) *Repository {
	return &Repository{git: gitClient, fs: fs, layout: layout}
}

// Load reads the packaging tree rooted at root. The working tree must be
// clean; leftovers of an interrupted run are reported as
// ErrDirtyWorkingTree.
func (r *Repository) Load(ctx context.Context, root string) (packaging.Tree, error) {
	tree := packaging.Tree{Root: root}

	if ok, err := afero.Exists(r.fs, tree.Abs(packaging.ChangelogPath)); err != nil || !ok {
		return packaging.Tree{}, fmt.Errorf("%w: %s has no %s", ErrNotAPackagingTree, root, packaging.ChangelogPath)
	}
	if ok, err := afero.DirExists(r.fs, tree.Abs(packaging.PatchesDir)); err != nil || !ok {
		return packaging.Tree{}, fmt.Errorf("%w: %s has no %s directory", ErrNotAPackagingTree, root, packaging.PatchesDir)
	}

	head, err := changelog.NewWriter(r.fs).Read(root)
	if err != nil {
		return packaging.Tree{}, fmt.Errorf("%w: %w", ErrNotAPackagingTree, err)
	}
	series, err := packaging.ReadSeries(r.fs, root)
	if err != nil {
		return packaging.Tree{}, fmt.Errorf("%w: %w", ErrNotAPackagingTree, err)
	}

	entries, err := r.git.Status(ctx, root)
	if err != nil {
		return packaging.Tree{}, fmt.Errorf("failed to read working tree status: %w", err)
	}
	if len(entries) > 0 {
		return packaging.Tree{}, fmt.Errorf("%w: %s", ErrDirtyWorkingTree, describe(entries))
	}

	branch, err := r.git.CurrentBranch(ctx, root)
	if err != nil {
		return packaging.Tree{}, err
	}

	tree.Branch = branch
	tree.Source = head.Source
	tree.Head = head.Version
	tree.HeadDistribution = head.Distribution
	tree.HeadDate = head.Date
	tree.Series = series
	return tree, nil
}

// Commit records every change of the working tree, provided each changed
// path is owned by tree. Nothing is committed otherwise.
func (r *Repository) Commit(ctx context.Context, tree packaging.Tree, message string) (string, error) {
	entries, err := r.git.Status(ctx, tree.Root)
	if err != nil {
		return "", fmt.Errorf("failed to read working tree status: %w", err)
	}
	if len(entries) == 0 {
		return "", ErrNothingToCommit
	}

	var foreign []git.StatusEntry
	for _, e := range entries {
		if !tree.Touched.Owns(e.Path) {
			foreign = append(foreign, e)
		}
	}
	if len(foreign) > 0 {
		return "", fmt.Errorf("%w: changes outside this operation: %s", ErrDirtyWorkingTree, describe(foreign))
	}

	commit, err := r.git.CommitAll(ctx, tree.Root, message)
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return commit, nil
}

// CheckBranchLayout verifies that the upstream-tracking branch exists and
// that packagingBranch is checked out.
func (r *Repository) CheckBranchLayout(ctx context.Context, root, packagingBranch string) error {
	ok, err := r.git.BranchExists(ctx, root, r.layout.Upstream)
	if err != nil {
		return fmt.Errorf("failed to look up branch %s: %w", r.layout.Upstream, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q not found locally or on origin", ErrMissingUpstreamBranch, r.layout.Upstream)
	}

	current, err := r.git.CurrentBranch(ctx, root)
	if err != nil {
		return err
	}
	if current != packagingBranch {
		return fmt.Errorf("%w: expected %q, have %q", ErrWrongBranch, packagingBranch, current)
	}
	return nil
}

// Clone bootstraps a packaging repository from url into dest, with local
// branches for pristine-tar and upstream and packagingBranch checked out.
func (r *Repository) Clone(ctx context.Context, url, dest, packagingBranch string) error {
	if err := r.git.Clone(ctx, url, dest); err != nil {
		return err
	}
	for _, branch := range []string{r.layout.PristineTar, r.layout.Upstream, packagingBranch} {
		if err := r.git.TrackBranch(ctx, dest, branch); err != nil {
			return err
		}
	}
	return r.git.Checkout(ctx, dest, packagingBranch)
}

func describe(entries []git.StatusEntry) string {
	const limit = 10
	parts := make([]string, 0, limit+1)
	for i, e := range entries {
		if i == limit {
			parts = append(parts, fmt.Sprintf("and %d more", len(entries)-limit))
			break
		}
		parts = append(parts, strings.TrimSpace(e.Code)+" "+filepath.ToSlash(e.Path))
	}
	return strings.Join(parts, ", ")
}
