package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/schaermu/uosp/internal/changelog"
	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/rebase"
	"github.com/schaermu/uosp/internal/repostate"
	"github.com/schaermu/uosp/internal/snapshot"
	"github.com/schaermu/uosp/internal/upstream"
	"github.com/schaermu/uosp/internal/version"
)

// RebaseRequest asks for a rebase onto an upstream release.
type RebaseRequest struct {
	Project string
	// Tag is an upstream tag or a semver constraint such as "~19.0".
	Tag string
	// Release is the OpenStack series; empty or "master" for development.
	Release string
	Bug     string
	DryRun  bool
}

// SnapshotRequest asks for a development snapshot.
type SnapshotRequest struct {
	Project string
	Release string
	// NextVersion is the upstream release the snapshot leads up to. It may
	// be empty when the tree is already at a snapshot.
	NextVersion string
	// AsOf bounds the upstream history; zero means now.
	AsOf   time.Time
	Force  bool
	DryRun bool
}

// session is an opened, locked and validated packaging tree.
type session struct {
	root   string
	tree   packaging.Tree
	logger *slog.Logger
	unlock func() error
}

func (s *session) close() {
	if err := s.unlock(); err != nil {
		s.logger.Warn("failed to release working tree lock", "error", err)
	}
}

// open locks, loads and checks the working tree of project.
func (r *Runner) open(ctx context.Context, project, release string, logger *slog.Logger) (*session, error) {
	root, err := r.projectRoot(project)
	if err != nil {
		return nil, fail(StageLoad, err)
	}

	unlock, err := repostate.Lock(root)
	if err != nil {
		return nil, fail(StageLock, err)
	}
	s := &session{root: root, logger: logger, unlock: unlock}

	tree, err := r.repo.Load(ctx, root)
	if err != nil {
		s.close()
		return nil, fail(StageLoad, err)
	}
	if err := r.repo.CheckBranchLayout(ctx, root, r.cfg.PackagingBranch(release)); err != nil {
		s.close()
		return nil, fail(StageBranches, err)
	}
	s.tree = tree

	logger.Info("loaded packaging tree",
		"package", tree.Source,
		"version", tree.Head.String(),
		"branch", tree.Branch,
		"patches", len(tree.Series))
	return s, nil
}

// Rebase moves project onto an upstream release.
func (r *Runner) Rebase(ctx context.Context, req RebaseRequest) (Outcome, error) {
	logger, id := r.runLogger("rebase", req.Project)
	out := Outcome{RunID: id, Project: req.Project, Operation: snapshot.OperationRebase, DryRun: req.DryRun}

	if r.cfg.Changelog.Maintainer == "" {
		return out, fail(StageChangelog, ErrNoMaintainer)
	}

	s, err := r.open(ctx, req.Project, req.Release, logger)
	if err != nil {
		return out, err
	}
	defer s.close()
	out.Previous = s.tree.Head

	// Resolve upstream release
	resolver, err := r.resolver(req.Project, req.Release, logger)
	if err != nil {
		return out, fail(StageResolve, err)
	}
	ref, err := resolver.ResolveRelease(ctx, req.Tag)
	if err != nil {
		return out, fail(StageResolve, err)
	}
	defer cleanup(ref, logger)

	target, err := version.NextRebase(s.tree.Head, ref.Version)
	if err != nil {
		return out, fail(StageVersion, err)
	}

	change := changelog.NewUpstreamRelease(ref.Version, req.Bug)
	if req.Release != "" && req.Release != "master" {
		change = changelog.NewStablePointRelease(req.Release, req.Bug)
	}
	return r.apply(ctx, s, ref, target, change, out)
}

// Snapshot moves project onto the latest upstream development state if a
// snapshot is due.
func (r *Runner) Snapshot(ctx context.Context, req SnapshotRequest) (Outcome, error) {
	logger, id := r.runLogger("snapshot", req.Project)
	out := Outcome{RunID: id, Project: req.Project, Operation: snapshot.OperationSnapshot, DryRun: req.DryRun}

	if r.cfg.Changelog.Maintainer == "" {
		return out, fail(StageChangelog, ErrNoMaintainer)
	}

	s, err := r.open(ctx, req.Project, req.Release, logger)
	if err != nil {
		return out, err
	}
	defer s.close()
	out.Previous = s.tree.Head

	now := r.now()
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = now
	}

	// Resolve upstream development state
	resolver, err := r.resolver(req.Project, req.Release, logger)
	if err != nil {
		return out, fail(StageResolve, err)
	}
	ref, err := resolver.ResolveSnapshot(ctx, asOf)
	if err != nil {
		return out, fail(StageResolve, err)
	}
	defer cleanup(ref, logger)
	out.UpstreamCommit = ref.Commit

	// Check policy
	if !req.Force {
		policy := snapshot.Policy{
			MinInterval:           r.cfg.Snapshot.MinInterval,
			OnlyIfUpstreamChanged: r.cfg.OnlyIfUpstreamChanged(),
		}
		decision, err := snapshot.NewScheduler(r.store).IsDue(s.tree, policy, ref, now)
		if err != nil {
			return out, fail(StageSchedule, err)
		}
		if !decision.Due {
			logger.Info("snapshot not due", "reason", decision.Reason)
			out.Skipped = true
			out.Reason = decision.Reason
			out.Version = s.tree.Head
			return out, nil
		}
		logger.Debug("snapshot due", "reason", decision.Reason)
	}

	target, err := version.NextSnapshot(s.tree.Head, asOf, req.NextVersion, ref.ShortCommit())
	if err != nil {
		return out, fail(StageVersion, err)
	}
	return r.apply(ctx, s, ref, target, changelog.NewUpstreamSnapshot(req.Release), out)
}

// apply runs the rebase engine and records its result: changelog entry,
// commit, upstream import and operation record. Conflicts leave the
// changes uncommitted, and the upstream branch untouched, unless
// rebase.commit_on_conflict is set.
func (r *Runner) apply(ctx context.Context, s *session, ref upstream.Ref, target version.Version, change string, out Outcome) (Outcome, error) {
	logger := s.logger
	out.Version = target
	out.UpstreamCommit = ref.Commit

	// Replace content and reapply patches
	res, err := rebase.NewEngine(r.fs, r.git, logger, out.DryRun).Run(ctx, s.tree, ref.ContentRoot, target)
	if err != nil {
		return out, fail(StageRebase, err)
	}
	out.Status = res.Status
	out.Conflicts = res.Conflicts
	out.Failures = res.Failures
	if out.DryRun {
		logger.Info("dry-run complete, no changes applied", "version", target.String())
		return out, nil
	}

	// Update changelog
	tree, err := r.changelogWriter().Append(res.Tree, target, changelog.Entry{
		Changes:      []string{change},
		Maintainer:   r.cfg.Changelog.Maintainer,
		Distribution: r.cfg.Changelog.Distribution,
		Urgency:      r.cfg.Changelog.Urgency,
	})
	if err != nil {
		return out, fail(StageChangelog, err)
	}

	if len(res.Conflicts) > 0 && !r.cfg.Rebase.CommitOnConflict {
		logger.Warn("patches need manual resolution, changes left uncommitted",
			"version", target.String(),
			"conflicts", len(res.Conflicts))
		return out, nil
	}

	// Commit
	commit, err := r.repo.Commit(ctx, tree, commitMessage(target, change, res.Conflicts))
	if err != nil && !errors.Is(err, repostate.ErrNothingToCommit) {
		return out, fail(StageCommit, err)
	}
	out.Commit = commit

	// Record upstream content; only once the packaging commit exists
	if _, err := r.repo.RecordUpstream(ctx, s.root, ref.ContentRoot, target); err != nil {
		return out, fail(StageRecord, err)
	}

	if err := r.store.Save(snapshot.Record{
		Package:        tree.Source,
		Kind:           out.Operation,
		Version:        target.String(),
		UpstreamCommit: ref.Commit,
		At:             r.now().UTC(),
	}); err != nil {
		logger.Warn("failed to save operation record", "error", err)
	}

	logger.Info("operation complete",
		"version", target.String(),
		"status", string(res.Status),
		"commit", commit)
	return out, nil
}

func (r *Runner) changelogWriter() *changelog.Writer {
	return changelog.NewWriter(r.fs).WithClock(r.now)
}

func commitMessage(v version.Version, change string, conflicts []packaging.PatchRef) string {
	var b strings.Builder
	b.WriteString(v.String())
	b.WriteString("\n\n* ")
	b.WriteString(change)
	b.WriteString("\n")
	if len(conflicts) > 0 {
		b.WriteString("\nPatches needing refresh:\n")
		for _, p := range conflicts {
			b.WriteString("  " + p.Name + "\n")
		}
	}
	return b.String()
}

func cleanup(ref upstream.Ref, logger *slog.Logger) {
	if err := ref.Cleanup(); err != nil {
		logger.Warn("failed to remove upstream staging directory", "error", err)
	}
}
