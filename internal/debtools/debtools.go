// Package debtools wraps the Debian tooling uosp drives: building source
// packages, signing uploads, publishing to Launchpad and inspecting the
// resulting artifacts.
package debtools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/uosp/internal/version"
)

var (
	// ErrToolMissing is returned when a required executable is not on PATH.
	ErrToolMissing = errors.New("required tool not found")

	// ErrNoArtifacts is returned when the build area holds no source
	// package for the requested version.
	ErrNoArtifacts = errors.New("no build artifacts")
)

// Runner executes external commands
type Runner interface {
	// Run runs name with args in dir and returns its combined output
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
	// LookPath resolves name on PATH
	LookPath(name string) (string, error)
}

// ExecRunner implements Runner with os/exec
type ExecRunner struct{}

// Run runs the command and embeds its output in the error on failure
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// LookPath resolves name on PATH
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func requireTool(r Runner, name string) error {
	if _, err := r.LookPath(name); err != nil {
		return fmt.Errorf("%w: %s", ErrToolMissing, name)
	}
	return nil
}

// Artifacts are the files of one built source package
type Artifacts struct {
	Dir     string
	Source  string
	Version version.Version
	DSC     string
	Changes string // empty when the build produced no source .changes
	Files   []string
	Debs    []DebInfo
}

// SourceName returns "<source>_<version>" with the epoch stripped, the
// prefix of every artifact file name.
func SourceName(source string, v version.Version) string {
	return source + "_" + v.WithoutEpoch()
}

// ListArtifacts collects the artifacts of source at v from dir.
func ListArtifacts(fs afero.Fs, dir, source string, v version.Version) (Artifacts, error) {
	a := Artifacts{Dir: dir, Source: source, Version: v}
	base := SourceName(source, v)

	patterns := []string{
		base + ".*",
		base + "_*",
		source + "_" + v.UpstreamString() + ".orig*",
		"*_" + v.WithoutEpoch() + "_*.deb",
	}
	seen := make(map[string]bool)
	for _, p := range patterns {
		matches, err := afero.Glob(fs, filepath.Join(dir, p))
		if err != nil {
			return a, fmt.Errorf("failed to list build area: %w", err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				a.Files = append(a.Files, m)
			}
		}
	}
	sort.Strings(a.Files)

	for _, f := range a.Files {
		name := filepath.Base(f)
		switch {
		case name == base+".dsc":
			a.DSC = f
		case name == base+"_source.changes":
			a.Changes = f
		case strings.HasSuffix(name, ".deb"):
			info, err := ReadDeb(fs, f)
			if err != nil {
				return a, err
			}
			a.Debs = append(a.Debs, info)
		}
	}

	if a.DSC == "" {
		return a, fmt.Errorf("%w: %s.dsc not found in %s", ErrNoArtifacts, base, dir)
	}
	return a, nil
}
