//go:build integration

package tier1

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 5 * time.Minute

// shimScript logs its invocation. The gbp shim also exports a minimal
// source package for the changelog head.
const shimScript = `#!/bin/sh
echo "$(date -u +%Y-%m-%dT%H:%M:%SZ) {{TOOL}} $*" >> "$SHIM_LOG"
if [ "{{TOOL}}" = gbp ]; then
	out=../build-area
	for a in "$@"; do
		case "$a" in --git-export-dir=*) out="${a#--git-export-dir=}" ;; esac
	done
	name=$(head -n1 debian/changelog | sed -E 's/^([^ ]+) \(([^)]+)\).*/\1_\2/')
	mkdir -p "$out"
	printf 'Format: 3.0 (quilt)\nSource: %s\n' "${name%%_*}" > "$out/$name.dsc"
	printf 'Format: 1.8\nFiles:\n' > "$out/${name}_source.changes"
fi
`

// Harness runs a freshly built uosp binary with gbp, backportpackage and
// dput replaced by logging shims.
type Harness struct {
	t       *testing.T
	binary  string
	shimDir string
	shimLog string
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	dir := t.TempDir()
	return &Harness{
		t:       t,
		binary:  filepath.Join(dir, "uosp"),
		shimDir: filepath.Join(dir, "shims"),
		shimLog: filepath.Join(dir, "shim.log"),
	}
}

// BuildBinary compiles cmd/uosp
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/uosp")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// InstallShims writes the tool shims
func (h *Harness) InstallShims() error {
	if err := os.MkdirAll(h.shimDir, 0755); err != nil {
		return err
	}
	for _, tool := range []string{"gbp", "backportpackage", "dput"} {
		script := strings.ReplaceAll(shimScript, "{{TOOL}}", tool)
		if err := os.WriteFile(filepath.Join(h.shimDir, tool), []byte(script), 0755); err != nil {
			return fmt.Errorf("write %s shim: %w", tool, err)
		}
	}
	return h.ClearShimLog()
}

// Exec runs uosp with args
func (h *Harness) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(),
		"PATH="+h.shimDir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"SHIM_LOG="+h.shimLog,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs uosp and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// ReadShimLog reads and parses the shim log
func (h *Harness) ReadShimLog() ([]ShimLogEntry, error) {
	content, err := os.ReadFile(h.shimLog)
	if err != nil {
		return nil, err
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		// Parse: "2026-01-01T12:00:00Z dput ppa:someone/ci glance_1.0-1_source.changes"
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, ShimLogEntry{
			Timestamp: fields[0],
			Tool:      fields[1],
			Args:      fields[2:],
		})
	}

	return entries, scanner.Err()
}

// ClearShimLog truncates the shim log
func (h *Harness) ClearShimLog() error {
	return os.WriteFile(h.shimLog, nil, 0644)
}

// ShimLogEntry represents a parsed shim log entry
type ShimLogEntry struct {
	Timestamp string
	Tool      string
	Args      []string
}

// String returns a human-readable representation
func (e ShimLogEntry) String() string {
	return fmt.Sprintf("%s: %s %s", e.Timestamp, e.Tool, strings.Join(e.Args, " "))
}

// HasArgs checks if the entry starts with the given arguments
func (e ShimLogEntry) HasArgs(args ...string) bool {
	if len(e.Args) < len(args) {
		return false
	}
	for i, arg := range args {
		if e.Args[i] != arg {
			return false
		}
	}
	return true
}

// ContainsArg checks if the entry contains a specific argument anywhere
func (e ShimLogEntry) ContainsArg(arg string) bool {
	for _, a := range e.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
