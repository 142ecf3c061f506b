// Package workflow runs the uosp operations end to end: it sequences the
// repository, upstream, rebase, changelog and snapshot components and
// attributes failures to the stage they happened in.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/schaermu/uosp/internal/config"
	"github.com/schaermu/uosp/internal/debtools"
	"github.com/schaermu/uosp/internal/git"
	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/rebase"
	"github.com/schaermu/uosp/internal/repostate"
	"github.com/schaermu/uosp/internal/snapshot"
	"github.com/schaermu/uosp/internal/upstream"
	"github.com/schaermu/uosp/internal/version"
)

// Resolver resolves upstream references for one project
type Resolver interface {
	ResolveRelease(ctx context.Context, tag string) (upstream.Ref, error)
	ResolveSnapshot(ctx context.Context, asOf time.Time) (upstream.Ref, error)
}

// Outcome describes a finished rebase or snapshot.
type Outcome struct {
	RunID     string
	Project   string
	Operation snapshot.Operation

	// Skipped is set when a snapshot was not due; Reason says why.
	Skipped bool
	Reason  string

	Previous       version.Version
	Version        version.Version
	Status         rebase.Status
	Conflicts      []packaging.PatchRef
	Failures       map[string]string
	Commit         string
	UpstreamCommit string
	DryRun         bool
}

// Runner runs workflows against the projects below the configured workdir
type Runner struct {
	cfg       *config.Config
	git       git.Client
	fs        afero.Fs
	repo      *repostate.Repository
	store     *snapshot.Store
	builder   debtools.Builder
	signer    debtools.Signer
	publisher debtools.Publisher
	logger    *slog.Logger
	now       func() time.Time
	resolver  func(project, release string, logger *slog.Logger) (Resolver, error)
}

// NewRunner creates a runner. signer may be nil, in which case uploads are
// not signed in-process.
func NewRunner(cfg *config.Config, gitClient git.Client, fs afero.Fs, builder debtools.Builder, signer debtools.Signer, publisher debtools.Publisher, logger *slog.Logger) *Runner {
	r := &Runner{
		cfg:       cfg,
		git:       gitClient,
		fs:        fs,
		repo:      repostate.New(gitClient, fs, repostate.Layout{Upstream: cfg.Branches.Upstream, PristineTar: cfg.Branches.PristineTar}),
		store:     snapshot.NewStore(fs, cfg.RecordsDir()),
		builder:   builder,
		signer:    signer,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	r.resolver = r.upstreamResolver
	return r
}

// WithClock replaces the clock used for snapshot dates and changelog entries.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// WithResolver replaces how upstream resolvers are created.
func (r *Runner) WithResolver(f func(project, release string, logger *slog.Logger) (Resolver, error)) *Runner {
	r.resolver = f
	return r
}

func (r *Runner) upstreamResolver(project, release string, logger *slog.Logger) (Resolver, error) {
	url, err := r.cfg.UpstreamURL(project)
	if err != nil {
		return nil, err
	}
	return upstream.NewResolver(r.git, url, r.cfg.UpstreamBranch(release), r.cfg.UpstreamCheckoutDir(project), logger), nil
}

// runLogger returns a logger carrying a fresh run id.
func (r *Runner) runLogger(operation, project string) (*slog.Logger, string) {
	id := uuid.NewString()
	return r.logger.With("run", id, "operation", operation, "project", project), id
}

func validateProject(project string) error {
	if project == "" || project == "." || project == ".." || strings.ContainsAny(project, `/\ `) {
		return fmt.Errorf("%w: %q", ErrInvalidProject, project)
	}
	return nil
}

// projectRoot returns the working tree of a cloned project.
func (r *Runner) projectRoot(project string) (string, error) {
	if err := validateProject(project); err != nil {
		return "", err
	}
	root := r.cfg.ProjectDir(project)
	if ok, err := afero.DirExists(r.fs, filepath.Join(root, ".git")); err != nil || !ok {
		return "", fmt.Errorf("%w: %s is not a git checkout (clone it first)", repostate.ErrNotAPackagingTree, root)
	}
	return root, nil
}

// Clone bootstraps the packaging repository of project for release.
func (r *Runner) Clone(ctx context.Context, project, release string) error {
	logger, _ := r.runLogger("clone", project)

	if err := validateProject(project); err != nil {
		return fail(StageClone, err)
	}
	dest := r.cfg.ProjectDir(project)
	if ok, err := afero.Exists(r.fs, dest); err != nil || ok {
		return fail(StageClone, fmt.Errorf("%w: %s", ErrProjectExists, dest))
	}
	url, err := r.cfg.PackagingURL(project)
	if err != nil {
		return fail(StageClone, err)
	}

	branch := r.cfg.PackagingBranch(release)
	logger.Info("cloning packaging repository", "url", url, "dest", dest, "branch", branch)
	if err := r.repo.Clone(ctx, url, dest, branch); err != nil {
		return fail(StageClone, err)
	}
	logger.Info("clone complete")
	return nil
}

// PushLP force-pushes every branch and tag of project to the personal
// Launchpad repository of account.
func (r *Runner) PushLP(ctx context.Context, project, account string) error {
	logger, _ := r.runLogger("pushlp", project)

	root, err := r.projectRoot(project)
	if err != nil {
		return fail(StageLoad, err)
	}
	url, err := r.cfg.LaunchpadURL(account, project)
	if err != nil {
		return fail(StagePush, err)
	}

	logger.Info("pushing to launchpad", "url", url)
	if err := r.git.PushAll(ctx, root, url); err != nil {
		return fail(StagePush, err)
	}
	logger.Info("push complete")
	return nil
}
