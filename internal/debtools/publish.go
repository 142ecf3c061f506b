package debtools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupportedPublishMethod is returned by NewPublisher for unknown methods.
var ErrUnsupportedPublishMethod = errors.New("unsupported publish method")

// Publisher uploads a built source package to a Launchpad PPA
type Publisher interface {
	Publish(ctx context.Context, a Artifacts, ppa, series string) error
}

// NewPublisher returns the publisher for method ("backport" or "dput").
func NewPublisher(method string, runner Runner, dputHost string, logger *slog.Logger) (Publisher, error) {
	switch method {
	case "backport":
		return NewBackportPublisher(runner, logger), nil
	case "dput":
		return NewDputPublisher(runner, dputHost, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPublishMethod, method)
	}
}

// BackportPublisher rebuilds the source package for a target series with
// backportpackage and uploads it.
type BackportPublisher struct {
	runner Runner
	logger *slog.Logger
	now    func() time.Time
}

// NewBackportPublisher creates a backportpackage publisher
func NewBackportPublisher(runner Runner, logger *slog.Logger) *BackportPublisher {
	return &BackportPublisher{runner: runner, logger: logger, now: time.Now}
}

// WithClock replaces the clock used for the version suffix.
func (p *BackportPublisher) WithClock(now func() time.Time) *BackportPublisher {
	p.now = now
	return p
}

// Publish uploads a.DSC to ppa for series. The upload version gets a
// "~ppa<YYYYMMDDHHMM>" suffix so repeated uploads sort in order.
func (p *BackportPublisher) Publish(ctx context.Context, a Artifacts, ppa, series string) error {
	target, err := PPATarget(ppa)
	if err != nil {
		return err
	}
	if err := validateSeries(series); err != nil {
		return err
	}
	if a.DSC == "" {
		return fmt.Errorf("%w: no .dsc to publish", ErrNoArtifacts)
	}
	if err := requireTool(p.runner, "backportpackage"); err != nil {
		return err
	}

	suffix := "~ppa" + p.now().UTC().Format("200601021504")
	args := []string{"-S", suffix, "-u", target, "-d", series, "-y", a.DSC}
	p.logger.Info("publishing with backportpackage",
		"package", a.Source,
		"version", a.Version.String(),
		"ppa", target,
		"series", series,
		"suffix", suffix)

	if _, err := p.runner.Run(ctx, a.Dir, "backportpackage", args...); err != nil {
		return fmt.Errorf("failed to publish %s: %w", a.Source, err)
	}
	return nil
}

// DputPublisher uploads the signed .changes as built. The changelog
// distribution must already name the target series.
type DputPublisher struct {
	runner Runner
	host   string
	logger *slog.Logger
}

// NewDputPublisher creates a dput publisher. host overrides the upload
// target derived from the ppa.
func NewDputPublisher(runner Runner, host string, logger *slog.Logger) *DputPublisher {
	return &DputPublisher{runner: runner, host: host, logger: logger}
}

// Publish uploads a.Changes.
func (p *DputPublisher) Publish(ctx context.Context, a Artifacts, ppa, series string) error {
	target, err := PPATarget(ppa)
	if err != nil {
		return err
	}
	if err := validateSeries(series); err != nil {
		return err
	}
	if a.Changes == "" {
		return fmt.Errorf("%w: no source .changes to upload", ErrNoArtifacts)
	}
	if err := requireTool(p.runner, "dput"); err != nil {
		return err
	}

	if p.host != "" {
		target = p.host
	}
	p.logger.Info("publishing with dput",
		"package", a.Source,
		"version", a.Version.String(),
		"target", target,
		"changes", filepath.Base(a.Changes))

	if _, err := p.runner.Run(ctx, a.Dir, "dput", target, a.Changes); err != nil {
		return fmt.Errorf("failed to publish %s: %w", a.Source, err)
	}
	return nil
}

// PPATarget normalizes "owner/name" and "ppa:owner/name" to the dput
// target form "ppa:owner/name".
func PPATarget(ppa string) (string, error) {
	name := strings.TrimPrefix(ppa, "ppa:")
	owner, archive, ok := strings.Cut(name, "/")
	if !ok || owner == "" || archive == "" || strings.ContainsAny(archive, "/ ") {
		return "", fmt.Errorf("ppa must look like <owner>/<name>: %q", ppa)
	}
	return "ppa:" + name, nil
}

func validateSeries(series string) error {
	if series == "" || strings.ContainsAny(series, " /") {
		return fmt.Errorf("invalid target series %q", series)
	}
	return nil
}
