package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/uosp/internal/debtools"
	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/rebase"
	"github.com/schaermu/uosp/internal/testutil"
	"github.com/schaermu/uosp/internal/upstream"
	v "github.com/schaermu/uosp/internal/version"
	"github.com/schaermu/uosp/internal/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile, origWorkdir := cfgFile, workdir
	t.Cleanup(func() { cfgFile, workdir = origCfgFile, origWorkdir })

	tmpDir := t.TempDir()
	cfgFile = writeConfig(t, `workdir: "`+tmpDir+`"
state_dir: "`+filepath.Join(tmpDir, "state")+`"
changelog:
  maintainer: "Jane Doe <jane@example.com>"
`)
	workdir = ""

	cfg, err := loadConfig(quietLogger())
	require.NoError(t, err)
	assert.Equal(t, tmpDir, cfg.Workdir)
	assert.Equal(t, "Jane Doe <jane@example.com>", cfg.Changelog.Maintainer)
}

func TestLoadConfig_WorkdirFlag(t *testing.T) {
	origCfgFile, origWorkdir := cfgFile, workdir
	t.Cleanup(func() { cfgFile, workdir = origCfgFile, origWorkdir })

	tmpDir := t.TempDir()
	cfgFile = writeConfig(t, `workdir: "/srv/packages"
state_dir: "`+tmpDir+`"
`)
	workdir = filepath.Join(tmpDir, "checkouts")

	cfg, err := loadConfig(quietLogger())
	require.NoError(t, err)
	assert.Equal(t, workdir, cfg.Workdir)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := loadConfig(quietLogger())
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))

	// A missing default config file yields the defaults
	cfg, err := loadConfig(quietLogger())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local", "state", "uosp"), cfg.StateDir)
	assert.Equal(t, "master", cfg.Branches.Packaging)
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestParseAsOf(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "", want: time.Time{}},
		{in: "2026-10-17", want: time.Date(2026, 10, 17, 23, 59, 59, 0, time.UTC)},
		{in: "2026-10-17T08:30:00Z", want: time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)},
		{in: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAsOf(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestRenderOutcome(t *testing.T) {
	out := workflow.Outcome{
		Project:  "glance",
		Previous: v.MustParse("1.2.0-1"),
		Version:  v.MustParse("1.3.0-1"),
		Status:   rebase.StatusNeedsManualResolution,
		Conflicts: []packaging.PatchRef{
			{Name: "fix-config.patch", Options: "-p1"},
		},
		Failures: map[string]string{"fix-config.patch": "patch does not apply"},
	}

	var buf bytes.Buffer
	renderOutcome(&buf, out)
	got := buf.String()
	assert.Contains(t, got, "glance: 1.2.0-1 -> 1.3.0-1 (needs-manual-resolution)")
	assert.Contains(t, got, "fix-config.patch")
	assert.Contains(t, got, "patch does not apply")
	assert.Contains(t, got, "Refresh the patches above")

	buf.Reset()
	renderOutcome(&buf, workflow.Outcome{Project: "glance", Skipped: true, Reason: "upstream unchanged", Version: v.MustParse("1.3.0-1")})
	assert.Equal(t, "glance: snapshot not due (upstream unchanged), staying at 1.3.0-1\n", buf.String())
}

func TestRenderArtifacts(t *testing.T) {
	a := debtools.Artifacts{
		Files: []string{"/b/glance_1.3.0-1.dsc", "/b/python3-glance_1.3.0-1_all.deb"},
		Debs:  []debtools.DebInfo{{Path: "/b/python3-glance_1.3.0-1_all.deb", Package: "python3-glance", Architecture: "all"}},
	}
	var buf bytes.Buffer
	renderArtifacts(&buf, a)
	assert.Contains(t, buf.String(), "glance_1.3.0-1.dsc")
	assert.Contains(t, buf.String(), "python3-glance")
}

func TestReportFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	reportFailure(logger, "snapshot", fmt.Errorf("resolve: %w", upstream.ErrUpstreamUnreachable))
	assert.Contains(t, buf.String(), `msg="snapshot failed"`)
	assert.Contains(t, buf.String(), "class=environment")
	assert.Contains(t, buf.String(), `hint="upstream unreachable, retry later"`)

	buf.Reset()
	reportFailure(logger, "rebase", fmt.Errorf("resolve: %w", upstream.ErrUnknownUpstreamTag))
	assert.Contains(t, buf.String(), `msg="rebase failed"`)
	assert.NotContains(t, buf.String(), "hint=")

	buf.Reset()
	reportFailure(logger, "build", errors.New("boom"))
	assert.NotContains(t, buf.String(), "hint=")
}

func TestExecute_RebaseNeedsManualResolution(t *testing.T) {
	origCfgFile, origWorkdir, origExit := cfgFile, workdir, exitCode
	t.Cleanup(func() {
		cfgFile, workdir, exitCode = origCfgFile, origWorkdir, origExit
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	up := testutil.NewUpstream(t, "1.2.0", "1.3.0")
	pkg := testutil.NewPackaging(t, testutil.PackagingOptions{
		Source:  "glance",
		Version: "1.2.0-1",
		Upstream: map[string]string{
			"VERSION":     "1.2.0\n",
			"pkg/main.py": "VERSION = '1.2.0'\nDEBUG = False\n",
			"README.rst":  "project\n",
			".gitignore":  "*.pyc\n",
		},
		Debian: map[string]string{
			"patches/fix-config.patch": "--- a/pkg/main.py\n+++ b/pkg/main.py\n@@ -1,2 +1,2 @@\n VERSION = '1.2.0'\n-DEBUG = False\n+DEBUG = True\n",
		},
		Series: []string{"fix-config.patch"},
	})

	cfgFile = writeConfig(t, fmt.Sprintf(`state_dir: %s
remotes:
  upstream: %s
changelog:
  maintainer: "Jane Doe <jane@example.com>"
`, t.TempDir(), up.Dir))
	workdir = ""

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"--log-level", "error", "--workdir", filepath.Dir(pkg.Dir), "rebase", "glance", "1.3.0"})

	assert.Equal(t, workflow.ExitNeedsManualResolution, execute())
	assert.Contains(t, buf.String(), "fix-config.patch")
}
