package workflow

import (
	"errors"
	"fmt"

	"github.com/schaermu/uosp/internal/changelog"
	"github.com/schaermu/uosp/internal/debtools"
	"github.com/schaermu/uosp/internal/git"
	"github.com/schaermu/uosp/internal/rebase"
	"github.com/schaermu/uosp/internal/repostate"
	"github.com/schaermu/uosp/internal/upstream"
	"github.com/schaermu/uosp/internal/version"
)

var (
	// ErrInvalidProject is returned for project names that cannot name a
	// directory below the workdir.
	ErrInvalidProject = errors.New("invalid project name")

	// ErrProjectExists is returned by Clone when the project directory
	// already exists.
	ErrProjectExists = errors.New("project already cloned")

	// ErrNoMaintainer is returned when no changelog maintainer is configured.
	ErrNoMaintainer = errors.New("no changelog maintainer configured (set changelog.maintainer or DEBFULLNAME and DEBEMAIL)")

	// ErrInvalidTarget is returned for malformed PPA or series arguments.
	ErrInvalidTarget = errors.New("invalid upload target")
)

// Stage names a step of a workflow.
type Stage string

const (
	StageLock      Stage = "lock"
	StageLoad      Stage = "load"
	StageBranches  Stage = "check-branches"
	StageResolve   Stage = "resolve-upstream"
	StageSchedule  Stage = "schedule"
	StageVersion   Stage = "version"
	StageRebase    Stage = "rebase"
	StageChangelog Stage = "changelog"
	StageCommit    Stage = "commit"
	StageRecord    Stage = "record-upstream"
	StageClone     Stage = "clone"
	StageBuild     Stage = "build"
	StageSign      Stage = "sign"
	StagePublish   Stage = "publish"
	StagePush      Stage = "push"
)

// StageError is a workflow failure attributed to the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Class groups errors by who has to act on them.
type Class string

const (
	// ClassInput means the request itself was wrong.
	ClassInput Class = "input"
	// ClassEnvironment means the repository, network or host needs attention.
	ClassEnvironment Class = "environment"
	// ClassInvariant means a version ordering rule would have been broken.
	ClassInvariant Class = "invariant"
	// ClassInternal is everything else.
	ClassInternal Class = "internal"
)

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassInput, []error{
		version.ErrMalformedVersion,
		version.ErrNotASnapshotCandidate,
		upstream.ErrUnknownUpstreamTag,
		repostate.ErrNotAPackagingTree,
		changelog.ErrMalformedChangelog,
		ErrInvalidProject,
		ErrProjectExists,
		ErrNoMaintainer,
		ErrInvalidTarget,
		debtools.ErrUnsupportedPublishMethod,
	}},
	{ClassEnvironment, []error{
		upstream.ErrUpstreamUnreachable,
		upstream.ErrNoUpstreamCommit,
		repostate.ErrDirtyWorkingTree,
		repostate.ErrMissingUpstreamBranch,
		repostate.ErrWrongBranch,
		repostate.ErrTreeLocked,
		git.ErrRemote,
		debtools.ErrToolMissing,
		debtools.ErrNoArtifacts,
	}},
	{ClassInvariant, []error{
		changelog.ErrVersionNotGreater,
		rebase.ErrStaleTarget,
	}},
}

// Classify returns the class of err.
func Classify(err error) Class {
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassInternal
}

// Exit codes of the uosp command.
const (
	ExitOK                    = 0
	ExitFailure               = 1
	ExitNeedsManualResolution = 2
)

// ExitCode maps the result of an operation to the process exit code.
func ExitCode(outcome Outcome, err error) int {
	if err != nil {
		return ExitFailure
	}
	if outcome.Status == rebase.StatusNeedsManualResolution {
		return ExitNeedsManualResolution
	}
	return ExitOK
}
