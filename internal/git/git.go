package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrRemote marks failures to reach a remote repository (clone, fetch,
// push). Callers use it to tell transient network problems from bad input.
var ErrRemote = errors.New("remote operation failed")

// Client provides git operations for repository management
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// Clone clones url into destDir with a checked out working tree
	Clone(ctx context.Context, url, destDir string) error
	// Checkout forcibly checks out ref in dir
	Checkout(ctx context.Context, dir, ref string) error
	// TrackBranch creates a local branch following origin/<branch> if it does not exist yet
	TrackBranch(ctx context.Context, dir, branch string) error
	// BranchExists reports whether a local or origin branch exists
	BranchExists(ctx context.Context, dir, branch string) (bool, error)
	// CurrentBranch returns the checked out branch name
	CurrentBranch(ctx context.Context, dir string) (string, error)
	// Status lists uncommitted changes, untracked files included
	Status(ctx context.Context, dir string) ([]StatusEntry, error)
	// CommitAll stages every change and commits it, returning the new commit
	CommitAll(ctx context.Context, dir, message string) (string, error)
	// Tags lists the tags of the repository
	Tags(ctx context.Context, dir string) ([]string, error)
	// Tag creates an annotated tag
	Tag(ctx context.Context, dir, name, rev, message string) error
	// RevParse resolves rev to a full commit hash
	RevParse(ctx context.Context, dir, rev string) (string, error)
	// RevListBefore returns the newest commit reachable from ref committed at or before t, or "" if none
	RevListBefore(ctx context.Context, dir, ref string, t time.Time) (string, error)
	// CommitTime returns the committer date of rev
	CommitTime(ctx context.Context, dir, rev string) (time.Time, error)
	// Apply applies a patch file to the files below dir
	Apply(ctx context.Context, dir, patch string, args ...string) error
	// ImportTree commits the content of contentDir as the new tip of branch
	ImportTree(ctx context.Context, dir, contentDir, branch, message string) (string, error)
	// PushAll force-pushes all branches and tags to url
	PushAll(ctx context.Context, dir, url string) error
}

// StatusEntry is one line of `git status --porcelain`.
type StatusEntry struct {
	Code string // two-letter XY status, "??" for untracked
	Path string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	// Check if repo already exists
	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	var cmd *exec.Cmd
	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd = exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("%w: git clone: %w", ErrRemote, err)
		}
	} else {
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "--tags", "--force", "origin")
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}

		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("%w: git fetch: %w", ErrRemote, err)
		}
	}

	// Try the ref as given first (local branch, tag, commit), then as a
	// remote branch.
	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", ref)
	if err := c.runCommand(cmd); err != nil {
		remoteRef := "origin/" + ref
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", remoteRef)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// The local branch may be stale after a fetch. No-op for fresh clones,
	// ignored for tags and hashes.
	if exists {
		resetCmd := exec.CommandContext(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+ref)
		_ = c.runCommand(resetCmd)
	}

	return c.RevParse(ctx, destDir, "HEAD")
}

// Clone clones url into destDir
func (c *ShellClient) Clone(ctx context.Context, url, destDir string) error {
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("destination %s already exists", destDir)
	}
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", url, destDir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("%w: git clone: %w", ErrRemote, err)
	}
	return nil
}

// Checkout forcibly checks out ref
func (c *ShellClient) Checkout(ctx context.Context, dir, ref string) error {
	if _, err := c.git(ctx, dir, "checkout", "-f", ref); err != nil {
		return fmt.Errorf("git checkout %s failed: %w", ref, err)
	}
	return nil
}

// TrackBranch creates a local branch following origin/<branch>
func (c *ShellClient) TrackBranch(ctx context.Context, dir, branch string) error {
	if _, err := c.git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		return nil
	}
	if _, err := c.git(ctx, dir, "branch", "--track", branch, "origin/"+branch); err != nil {
		return fmt.Errorf("failed to track branch %s: %w", branch, err)
	}
	return nil
}

// BranchExists reports whether branch exists locally or on origin
func (c *ShellClient) BranchExists(ctx context.Context, dir, branch string) (bool, error) {
	for _, ref := range []string{"refs/heads/" + branch, "refs/remotes/origin/" + branch} {
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "show-ref", "--verify", "--quiet", ref)
		err := cmd.Run()
		if err == nil {
			return true, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return false, fmt.Errorf("git show-ref failed: %w", err)
		}
	}
	return false, nil
}

// CurrentBranch returns the checked out branch
func (c *ShellClient) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.git(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to determine current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Status lists uncommitted changes
func (c *ShellClient) Status(ctx context.Context, dir string) ([]StatusEntry, error) {
	out, err := c.git(ctx, dir, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}
	return parseStatus(out), nil
}

// parseStatus parses `git status --porcelain -z` output. Renames carry the
// original path as an extra NUL separated field, which is reported as its
// own entry so both sides are checked.
func parseStatus(out string) []StatusEntry {
	var entries []StatusEntry
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		e := StatusEntry{Code: f[:2], Path: f[3:]}
		entries = append(entries, e)
		if (e.Code[0] == 'R' || e.Code[0] == 'C') && i+1 < len(fields) {
			i++
			entries = append(entries, StatusEntry{Code: e.Code, Path: fields[i]})
		}
	}
	return entries
}

// CommitAll stages all changes and commits them
func (c *ShellClient) CommitAll(ctx context.Context, dir, message string) (string, error) {
	if _, err := c.git(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}
	if _, err := c.git(ctx, dir, "commit", "-q", "-m", message); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}
	return c.RevParse(ctx, dir, "HEAD")
}

// Tags lists all tags
func (c *ShellClient) Tags(ctx context.Context, dir string) ([]string, error) {
	out, err := c.git(ctx, dir, "tag", "--list")
	if err != nil {
		return nil, fmt.Errorf("git tag failed: %w", err)
	}
	return strings.Fields(out), nil
}

// Tag creates an annotated tag pointing at rev
func (c *ShellClient) Tag(ctx context.Context, dir, name, rev, message string) error {
	if _, err := c.git(ctx, dir, "tag", "-a", "-m", message, name, rev); err != nil {
		return fmt.Errorf("failed to tag %s: %w", name, err)
	}
	return nil
}

// RevParse resolves rev to a commit hash
func (c *ShellClient) RevParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := c.git(ctx, dir, "rev-parse", "--verify", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s failed: %w", rev, err)
	}
	return strings.TrimSpace(out), nil
}

// RevListBefore returns the newest commit on ref committed at or before t
func (c *ShellClient) RevListBefore(ctx context.Context, dir, ref string, t time.Time) (string, error) {
	before := "--before=" + strconv.FormatInt(t.Unix(), 10)
	out, err := c.git(ctx, dir, "rev-list", "-1", before, ref, "--")
	if err != nil {
		return "", fmt.Errorf("git rev-list failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CommitTime returns the committer date of rev
func (c *ShellClient) CommitTime(ctx context.Context, dir, rev string) (time.Time, error) {
	out, err := c.git(ctx, dir, "show", "-s", "--format=%ct", rev+"^{commit}")
	if err != nil {
		return time.Time{}, fmt.Errorf("git show failed: %w", err)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unexpected commit time %q: %w", out, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// Apply applies patch to the files below dir. dir need not be a
// repository; discovery of an enclosing one is disabled so paths stay
// relative to dir.
func (c *ShellClient) Apply(ctx context.Context, dir, patch string, args ...string) error {
	full := append([]string{"-C", dir, "apply"}, args...)
	full = append(full, patch)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), "GIT_CEILING_DIRECTORIES="+filepath.Dir(filepath.Clean(dir)))
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git apply %s failed: %w", filepath.Base(patch), err)
	}
	return nil
}

// ImportTree records the content of contentDir as a new commit on branch,
// parented on the current tip of the branch (or origin/<branch>), without
// touching the working tree or index of dir.
func (c *ShellClient) ImportTree(ctx context.Context, dir, contentDir, branch, message string) (string, error) {
	tmp, err := os.MkdirTemp("", "uosp-index-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary index directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	gitDir, err := c.git(ctx, dir, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", fmt.Errorf("failed to locate git directory: %w", err)
	}
	gitDir = strings.TrimSpace(gitDir)

	plumbing := func(args ...string) (string, error) {
		full := append([]string{"--git-dir=" + gitDir, "--work-tree=" + contentDir}, args...)
		cmd := exec.CommandContext(ctx, "git", full...)
		cmd.Dir = contentDir
		cmd.Env = append(os.Environ(), "GIT_INDEX_FILE="+filepath.Join(tmp, "index"))
		return c.output(cmd)
	}

	if _, err := plumbing("add", "-A", "-f", "."); err != nil {
		return "", fmt.Errorf("failed to stage upstream content: %w", err)
	}
	tree, err := plumbing("write-tree")
	if err != nil {
		return "", fmt.Errorf("failed to write tree: %w", err)
	}

	args := []string{"commit-tree", "-m", message}
	for _, ref := range []string{"refs/heads/" + branch, "refs/remotes/origin/" + branch} {
		if parent, err := c.RevParse(ctx, dir, ref); err == nil {
			args = append(args, "-p", parent)
			break
		}
	}
	commit, err := plumbing(append(args, strings.TrimSpace(tree))...)
	if err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}
	commit = strings.TrimSpace(commit)

	if _, err := c.git(ctx, dir, "update-ref", "refs/heads/"+branch, commit); err != nil {
		return "", fmt.Errorf("failed to update branch %s: %w", branch, err)
	}
	return commit, nil
}

// PushAll force-pushes all branches, then all tags
func (c *ShellClient) PushAll(ctx context.Context, dir, url string) error {
	for _, what := range []string{"--all", "--tags"} {
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "push", "-f", what, url)
		if err := c.configureAuth(cmd, url); err != nil {
			return err
		}
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("%w: git push %s: %w", ErrRemote, what, err)
		}
	}
	return nil
}

// git runs a git subcommand in dir and returns its stdout
func (c *ShellClient) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	return c.output(cmd)
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && isSSHURL(url) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// The token travels in the environment and is read by a
		// credential helper, never embedded in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "UOSP_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$UOSP_GIT_TOKEN"; }; f`,
		)

		return nil
	}

	return nil
}

func isSSHURL(url string) bool {
	for _, p := range []string{"git@", "ssh://", "git+ssh://", "lp:"} {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output executes a command and returns its stdout, with stderr in the
// error on failure
func (c *ShellClient) output(cmd *exec.Cmd) (string, error) {
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
