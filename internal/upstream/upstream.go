// Package upstream resolves upstream releases and snapshots to exported
// source trees.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/otiai10/copy"

	"github.com/schaermu/uosp/internal/git"
	"github.com/schaermu/uosp/internal/version"
)

var (
	// ErrUnknownUpstreamTag is returned when no upstream tag matches. Not
	// retryable.
	ErrUnknownUpstreamTag = errors.New("unknown upstream tag")

	// ErrNoUpstreamCommit is returned when the upstream branch has no
	// commit at or before the requested time.
	ErrNoUpstreamCommit = errors.New("no upstream commit before requested time")

	// ErrUpstreamUnreachable is returned when the upstream remote cannot be
	// fetched. The caller may retry.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// IsRetryable reports whether err is a transient upstream failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnreachable)
}

// Kind distinguishes release and snapshot references.
type Kind string

const (
	KindTag      Kind = "tag"
	KindSnapshot Kind = "snapshot-commit"
)

// Ref is a resolved upstream state with its content exported to
// ContentRoot. Read-only after resolution.
type Ref struct {
	Kind       Kind
	Identifier string // tag name, or branch for snapshots
	Commit     string
	CommitTime time.Time
	// Version is the upstream version named by a release tag; empty for
	// snapshots.
	Version     string
	ContentRoot string
}

// ShortCommit returns the abbreviated commit used in snapshot versions.
func (r Ref) ShortCommit() string {
	if len(r.Commit) > 8 {
		return r.Commit[:8]
	}
	return r.Commit
}

// Cleanup removes the exported content.
func (r Ref) Cleanup() error {
	if r.ContentRoot == "" {
		return nil
	}
	return os.RemoveAll(r.ContentRoot)
}

// Resolver resolves references against one upstream repository, kept as a
// cached checkout under checkoutDir.
type Resolver struct {
	git         git.Client
	url         string
	branch      string
	checkoutDir string
	logger      *slog.Logger
}

// NewResolver creates a resolver for the upstream repository at url whose
// development happens on branch.
func NewResolver(gitClient git.Client, url, branch, checkoutDir string, logger *slog.Logger) *Resolver {
	return &Resolver{
		git:         gitClient,
		url:         url,
		branch:      branch,
		checkoutDir: checkoutDir,
		logger:      logger,
	}
}

// ResolveRelease resolves tag to a release. An exact tag name wins;
// otherwise tag is read as a semver constraint ("~19.0", ">= 2.1, < 3",
// "latest") and the highest matching release tag is picked.
func (r *Resolver) ResolveRelease(ctx context.Context, tag string) (Ref, error) {
	if err := r.fetch(ctx); err != nil {
		return Ref{}, err
	}

	tags, err := r.git.Tags(ctx, r.checkoutDir)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to list upstream tags: %w", err)
	}

	name, err := matchTag(tags, tag)
	if err != nil {
		return Ref{}, err
	}
	upstreamVersion, err := version.UpstreamFromTag(name)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: tag %q is not a version: %w", ErrUnknownUpstreamTag, name, err)
	}

	ref, err := r.export(ctx, "refs/tags/"+name)
	if err != nil {
		return Ref{}, err
	}
	ref.Kind = KindTag
	ref.Identifier = name
	ref.Version = upstreamVersion

	r.logger.Info("resolved upstream release", "tag", name, "commit", ref.Commit)
	return ref, nil
}

// ResolveSnapshot resolves the most recent commit on the development
// branch committed at or before asOf. The result only depends on the
// upstream history and asOf.
func (r *Resolver) ResolveSnapshot(ctx context.Context, asOf time.Time) (Ref, error) {
	if err := r.fetch(ctx); err != nil {
		return Ref{}, err
	}

	commit, err := r.git.RevListBefore(ctx, r.checkoutDir, "origin/"+r.branch, asOf)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to walk upstream history: %w", err)
	}
	if commit == "" {
		return Ref{}, fmt.Errorf("%w: %s on %s", ErrNoUpstreamCommit, asOf.UTC().Format(time.RFC3339), r.branch)
	}

	ref, err := r.export(ctx, commit)
	if err != nil {
		return Ref{}, err
	}
	ref.Kind = KindSnapshot
	ref.Identifier = r.branch

	r.logger.Info("resolved upstream snapshot", "branch", r.branch, "commit", ref.Commit, "as_of", asOf)
	return ref, nil
}

func (r *Resolver) fetch(ctx context.Context) error {
	r.logger.Debug("fetching upstream", "url", r.url, "dest", r.checkoutDir)
	if _, err := r.git.EnsureCheckout(ctx, r.url, r.branch, r.checkoutDir); err != nil {
		if errors.Is(err, git.ErrRemote) {
			return fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, r.url, err)
		}
		return fmt.Errorf("failed to update upstream checkout: %w", err)
	}
	return nil
}

// export checks out rev in the cached checkout and copies its content,
// without git metadata, to a fresh staging directory.
func (r *Resolver) export(ctx context.Context, rev string) (Ref, error) {
	commit, err := r.git.RevParse(ctx, r.checkoutDir, rev)
	if err != nil {
		return Ref{}, err
	}
	when, err := r.git.CommitTime(ctx, r.checkoutDir, commit)
	if err != nil {
		return Ref{}, err
	}
	if err := r.git.Checkout(ctx, r.checkoutDir, commit); err != nil {
		return Ref{}, err
	}

	staging, err := os.MkdirTemp("", "uosp-upstream-*")
	if err != nil {
		return Ref{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	content := filepath.Join(staging, "content")
	if err := copyTree(r.checkoutDir, content); err != nil {
		_ = os.RemoveAll(staging)
		return Ref{}, fmt.Errorf("failed to export upstream content: %w", err)
	}

	return Ref{Commit: commit, CommitTime: when, ContentRoot: content}, nil
}

// copyTree copies src to dst, skipping the top-level .git directory.
// Symlinks are copied as links.
func copyTree(src, dst string) error {
	gitDir := filepath.Join(src, ".git")
	opts := copy.Options{
		Skip: func(_ os.FileInfo, path, _ string) (bool, error) {
			return path == gitDir, nil
		},
		OnSymlink: func(string) copy.SymlinkAction {
			return copy.Shallow
		},
	}
	return copy.Copy(src, dst, opts)
}

// matchTag finds want among tags, exactly or as a semver constraint.
func matchTag(tags []string, want string) (string, error) {
	for _, t := range tags {
		if t == want {
			return t, nil
		}
	}

	expr := want
	if expr == "latest" {
		expr = "*"
	}
	constraint, err := semver.NewConstraint(expr)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownUpstreamTag, want)
	}

	type candidate struct {
		tag string
		v   *semver.Version
	}
	var matches []candidate
	for _, t := range tags {
		v, err := semver.NewVersion(t)
		if err != nil {
			continue
		}
		if constraint.Check(v) {
			matches = append(matches, candidate{tag: t, v: v})
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no tag matches %q", ErrUnknownUpstreamTag, want)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].v.GreaterThan(matches[j].v)
	})
	return matches[0].tag, nil
}
