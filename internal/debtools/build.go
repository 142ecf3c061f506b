package debtools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/uosp/internal/packaging"
)

// Builder builds a source package from a packaging tree
type Builder interface {
	Build(ctx context.Context, tree packaging.Tree) (Artifacts, error)
}

// GbpBuilder builds with git-buildpackage (or any configured command)
// and exports to a build area.
type GbpBuilder struct {
	fs        afero.Fs
	runner    Runner
	command   string
	args      []string
	buildArea string
	logger    *slog.Logger
}

// NewGbpBuilder creates a builder
func NewGbpBuilder(fs afero.Fs, runner Runner, command string, args []string, buildArea string, logger *slog.Logger) *GbpBuilder {
	return &GbpBuilder{
		fs:        fs,
		runner:    runner,
		command:   command,
		args:      args,
		buildArea: buildArea,
		logger:    logger,
	}
}

// Build runs the build in the tree root and lists the artifacts of the
// tree head version.
func (b *GbpBuilder) Build(ctx context.Context, tree packaging.Tree) (Artifacts, error) {
	if err := requireTool(b.runner, b.command); err != nil {
		return Artifacts{}, err
	}
	if err := b.fs.MkdirAll(b.buildArea, 0755); err != nil {
		return Artifacts{}, fmt.Errorf("failed to create build area: %w", err)
	}

	args := b.buildArgs()
	b.logger.Info("building source package",
		"package", tree.Source,
		"version", tree.Head.String(),
		"command", b.command+" "+strings.Join(args, " "))

	if _, err := b.runner.Run(ctx, tree.Root, b.command, args...); err != nil {
		return Artifacts{}, fmt.Errorf("failed to build %s: %w", tree.Source, err)
	}

	a, err := ListArtifacts(b.fs, b.buildArea, tree.Source, tree.Head)
	if err != nil {
		return a, err
	}
	b.logger.Info("build complete", "package", tree.Source, "dsc", a.DSC, "files", len(a.Files))
	return a, nil
}

func (b *GbpBuilder) buildArgs() []string {
	args := append([]string(nil), b.args...)
	if filepath.Base(b.command) != "gbp" {
		return args
	}
	for _, a := range args {
		if strings.HasPrefix(a, "--git-export-dir") {
			return args
		}
	}
	return append(args, "--git-export-dir="+b.buildArea)
}
