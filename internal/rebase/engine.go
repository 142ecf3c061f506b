// Package rebase moves a packaging tree onto new upstream content and
// reports which packaging patches still apply.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/version"
)

var (
	// ErrStaleTarget is returned when the target version does not sort
	// after the current head of the tree.
	ErrStaleTarget = errors.New("target version does not sort after tree head")

	// ErrContentReplace is returned when upstream content could not be
	// substituted. The working tree is then in an unknown state.
	ErrContentReplace = errors.New("failed to replace upstream content")
)

// State is a step of a rebase operation.
type State string

const (
	StateStart            State = "start"
	StateContentReplaced  State = "content-replaced"
	StatePatchesReapplied State = "patches-reapplied"
	StateFinalized        State = "finalized"
)

// Status is the outcome of a finalized rebase.
type Status string

const (
	StatusClean                 Status = "clean"
	StatusNeedsManualResolution Status = "needs-manual-resolution"
	// StatusPlanned marks a dry run that stopped after validation.
	StatusPlanned Status = "planned"
)

// Applier applies a patch file to the files below dir.
type Applier interface {
	Apply(ctx context.Context, dir, patch string, args ...string) error
}

// Result is the outcome of Run.
type Result struct {
	NewVersion version.Version
	Tree       packaging.Tree
	Conflicts  []packaging.PatchRef
	// Failures holds the apply error of each conflicting patch by name.
	Failures map[string]string
	Status   Status
	State    State
}

// Engine runs rebase operations.
type Engine struct {
	fs      afero.Fs
	applier Applier
	logger  *slog.Logger
	dryRun  bool
}

// NewEngine creates a new rebase engine
func NewEngine(fs afero.Fs, applier Applier, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		fs:      fs,
		applier: applier,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Run replaces the upstream content of tree with contentRoot and reapplies
// the patch series against it. Conflicts do not fail the run; they are
// reported in the result. The packaging directory is never modified.
func (e *Engine) Run(ctx context.Context, tree packaging.Tree, contentRoot string, target version.Version) (Result, error) {
	result := Result{NewVersion: target, Tree: tree, State: StateStart}

	if err := e.validate(tree, contentRoot, target); err != nil {
		return result, err
	}
	e.logger.Info("starting rebase",
		"package", tree.Source,
		"from", tree.Head.String(),
		"to", target.String(),
		"patches", len(tree.Series),
		"dry_run", e.dryRun)

	if e.dryRun {
		for _, p := range tree.Series {
			e.logger.Info("[dry-run] would reapply patch", "patch", p.Name)
		}
		result.Status = StatusPlanned
		return result, nil
	}

	if err := e.replaceContent(tree.Root, contentRoot); err != nil {
		return result, fmt.Errorf("%w: %w", ErrContentReplace, err)
	}
	tree = tree.WithUpstream()
	result.Tree = tree
	result.State = StateContentReplaced

	series, failures, err := e.reapply(ctx, tree)
	if err != nil {
		return result, err
	}
	tree = tree.WithSeries(series)
	result.Tree = tree
	result.State = StatePatchesReapplied

	result.Conflicts = tree.Conflicts()
	result.Failures = failures
	result.Status = StatusClean
	if len(result.Conflicts) > 0 {
		result.Status = StatusNeedsManualResolution
	}
	result.State = StateFinalized

	e.logger.Info("rebase finalized",
		"package", tree.Source,
		"version", target.String(),
		"status", string(result.Status),
		"conflicts", len(result.Conflicts))
	return result, nil
}

func (e *Engine) validate(tree packaging.Tree, contentRoot string, target version.Version) error {
	if tree.Root == "" {
		return errors.New("packaging tree is not loaded")
	}
	if ok, err := afero.DirExists(e.fs, contentRoot); err != nil || !ok {
		return fmt.Errorf("upstream content %q is not a directory", contentRoot)
	}
	if !tree.Head.Less(target) {
		return fmt.Errorf("%w: %s <= %s", ErrStaleTarget, target, tree.Head)
	}
	return nil
}

// replaceContent removes every upstream entry of root and copies the
// content of contentRoot in its place. debian/ and .git are left alone on
// both sides.
func (e *Engine) replaceContent(root, contentRoot string) error {
	entries, err := packaging.UpstreamEntries(e.fs, root)
	if err != nil {
		return fmt.Errorf("failed to list tree: %w", err)
	}
	for _, name := range entries {
		if err := e.fs.RemoveAll(filepath.Join(root, name)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	e.logger.Debug("removed upstream content", "entries", len(entries))

	files, err := packaging.DiscoverUpstreamFiles(e.fs, contentRoot)
	if err != nil {
		return fmt.Errorf("failed to discover upstream files: %w", err)
	}
	for _, rel := range files {
		if err := copyEntry(e.fs, filepath.Join(contentRoot, rel), filepath.Join(root, rel)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
	}
	e.logger.Debug("copied upstream content", "files", len(files))
	return nil
}

// reapply folds the series over a scratch copy of the new upstream
// content. Each patch is tried on top of the ones that applied before it;
// a failing patch is marked and skipped, never removed.
func (e *Engine) reapply(ctx context.Context, tree packaging.Tree) ([]packaging.PatchRef, map[string]string, error) {
	failures := make(map[string]string)
	if len(tree.Series) == 0 {
		return nil, failures, nil
	}

	scratch, err := afero.TempDir(e.fs, "", "uosp-patches-")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		_ = e.fs.RemoveAll(scratch)
	}()

	files, err := packaging.DiscoverUpstreamFiles(e.fs, tree.Root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover upstream files: %w", err)
	}
	for _, rel := range files {
		if err := copyEntry(e.fs, filepath.Join(tree.Root, rel), filepath.Join(scratch, rel)); err != nil {
			return nil, nil, fmt.Errorf("failed to prepare scratch copy: %w", err)
		}
	}

	series := make([]packaging.PatchRef, 0, len(tree.Series))
	for _, p := range tree.Series {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		err := e.apply(ctx, tree, scratch, p)
		if err != nil {
			e.logger.Warn("patch does not apply", "patch", p.Name, "error", err)
			failures[p.Name] = err.Error()
			series = append(series, p.WithApplied(false))
			continue
		}
		e.logger.Info("patch applies", "patch", p.Name)
		series = append(series, p.WithApplied(true))
	}
	return series, failures, nil
}

func (e *Engine) apply(ctx context.Context, tree packaging.Tree, scratch string, p packaging.PatchRef) error {
	patch := tree.Abs(p.Path)
	if ok, err := afero.Exists(e.fs, patch); err != nil || !ok {
		return fmt.Errorf("patch file %s is missing", p.Path)
	}
	return e.applier.Apply(ctx, scratch, patch, patchArgs(p.Options)...)
}

// patchArgs maps quilt series options to git apply arguments. quilt
// defaults to -p1.
func patchArgs(options string) []string {
	args := []string{}
	strip := "-p1"
	for _, f := range strings.Fields(options) {
		switch {
		case strings.HasPrefix(f, "-p"):
			strip = f
		case f == "-R", f == "--reverse":
			args = append(args, "-R")
		}
	}
	return append([]string{strip}, args...)
}

// copyEntry copies one file or symlink from src to dst, creating parent
// directories and keeping the file mode.
func copyEntry(fs afero.Fs, src, dst string) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	info, _, err := lstat(fs, src)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		reader, ok := fs.(afero.LinkReader)
		linker, ok2 := fs.(afero.Linker)
		if !ok || !ok2 {
			return fmt.Errorf("%s is a symlink and the filesystem does not support links", src)
		}
		target, err := reader.ReadlinkIfPossible(src)
		if err != nil {
			return err
		}
		return linker.SymlinkIfPossible(target, dst)
	}

	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, dst, data, info.Mode().Perm())
}

func lstat(fs afero.Fs, path string) (os.FileInfo, bool, error) {
	if l, ok := fs.(afero.Lstater); ok {
		return l.LstatIfPossible(path)
	}
	info, err := fs.Stat(path)
	return info, false, err
}
