package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/schaermu/uosp/internal/debtools"
)

// BuildRequest asks for a source package build of Project.
type BuildRequest struct {
	Project string
	// Release selects the packaging branch; empty or "master" for
	// development.
	Release string
}

// PublishRequest asks for an upload of the source package of Project.
type PublishRequest struct {
	Project string
	// PPA is "owner/name" or "ppa:owner/name".
	PPA     string
	Series  string
	Release string
	// Rebuild builds even when artifacts for the head version exist.
	Rebuild bool
	DryRun  bool
}

// Build builds the source package for the changelog head of a project.
func (r *Runner) Build(ctx context.Context, req BuildRequest) (debtools.Artifacts, error) {
	logger, _ := r.runLogger("build", req.Project)
	if r.builder == nil {
		return debtools.Artifacts{}, fail(StageBuild, errors.New("no builder configured"))
	}

	s, err := r.open(ctx, req.Project, req.Release, logger)
	if err != nil {
		return debtools.Artifacts{}, err
	}
	defer s.close()

	a, err := r.builder.Build(ctx, s.tree)
	if err != nil {
		return a, fail(StageBuild, err)
	}
	logger.Info("source package built", "dsc", a.DSC, "files", len(a.Files))
	return a, nil
}

// Publish uploads the source package for the changelog head of a project
// to a PPA, building and signing it first when needed.
func (r *Runner) Publish(ctx context.Context, req PublishRequest) (debtools.Artifacts, error) {
	logger, _ := r.runLogger("publish", req.Project)
	if r.publisher == nil {
		return debtools.Artifacts{}, fail(StagePublish, fmt.Errorf("%w: none configured", debtools.ErrUnsupportedPublishMethod))
	}

	target, err := debtools.PPATarget(req.PPA)
	if err != nil {
		return debtools.Artifacts{}, fail(StagePublish, fmt.Errorf("%w: %w", ErrInvalidTarget, err))
	}

	s, err := r.open(ctx, req.Project, req.Release, logger)
	if err != nil {
		return debtools.Artifacts{}, err
	}
	defer s.close()

	// Find or build artifacts
	a, err := debtools.ListArtifacts(r.fs, r.cfg.BuildAreaDir(), s.tree.Source, s.tree.Head)
	if req.Rebuild || errors.Is(err, debtools.ErrNoArtifacts) {
		if r.builder == nil {
			return a, fail(StageBuild, errors.New("no builder configured"))
		}
		logger.Info("building source package", "version", s.tree.Head.String())
		a, err = r.builder.Build(ctx, s.tree)
		if err != nil {
			return a, fail(StageBuild, err)
		}
	} else if err != nil {
		return a, fail(StageBuild, err)
	}

	// Sign
	if r.signer != nil {
		a, err = r.signer.Sign(ctx, a)
		if err != nil {
			return a, fail(StageSign, err)
		}
	} else {
		logger.Debug("no signing key configured, uploading as built")
	}

	if req.DryRun {
		logger.Info("[dry-run] would publish", "ppa", target, "series", req.Series, "dsc", a.DSC)
		return a, nil
	}

	// Upload
	if err := r.publisher.Publish(ctx, a, req.PPA, req.Series); err != nil {
		return a, fail(StagePublish, err)
	}
	logger.Info("published", "ppa", target, "series", req.Series, "version", s.tree.Head.String())
	return a, nil
}
