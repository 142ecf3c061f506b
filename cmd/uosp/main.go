package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/uosp/internal/config"
	"github.com/schaermu/uosp/internal/debtools"
	"github.com/schaermu/uosp/internal/git"
	"github.com/schaermu/uosp/internal/upstream"
	"github.com/schaermu/uosp/internal/workflow"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	workdir   string

	// Command flags
	release string
	bug     string
	dryRun  bool
	asOf    string
	force   bool
	rebuild bool

	// exitCode is the process exit code of a command that did not fail
	exitCode = workflow.ExitOK
)

func main() {
	os.Exit(execute())
}

func execute() int {
	if err := rootCmd.Execute(); err != nil {
		return workflow.ExitFailure
	}
	return exitCode
}

var rootCmd = &cobra.Command{
	Use:   "uosp",
	Short: "Maintain Ubuntu OpenStack packages",
	Long: `uosp clones OpenStack packaging repositories, rebases them onto new upstream
releases, takes dated development snapshots between releases, builds source
packages and uploads them to a Launchpad PPA.

rebase and snapshot exit with status 2 when patches need manual resolution.`,
	SilenceUsage: true,
}

var cloneCmd = &cobra.Command{
	Use:   "clone <project>",
	Short: "Clone the packaging repository of a project",
	Long: `Clone checks out the packaging repository of a project into the workdir,
with local upstream and pristine-tar branches and the packaging branch of
the selected release checked out.`,
	Args: cobra.ExactArgs(1),
	RunE: runClone,
}

var rebaseCmd = &cobra.Command{
	Use:   "rebase <project> <upstream-tag>",
	Short: "Rebase the packaging onto an upstream release",
	Long: `Rebase replaces the upstream content of the working tree with an upstream
release, checks that every patch still applies, adds a changelog entry and
commits the result.

The tag is an exact upstream tag or a version constraint such as "~19.0"
or "latest". Patches that no longer apply are listed and the changes are
left uncommitted for manual resolution.`,
	Args: cobra.ExactArgs(2),
	RunE: runRebase,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <project> [next-version]",
	Short: "Take a development snapshot of upstream",
	Long: `Snapshot rebases the packaging onto the newest upstream commit of the
development branch, versioned as <next-version>~git<date>.<seq>.<hash>.

next-version is required when the packaging is at a final release. A
snapshot is skipped when it is not due according to the snapshot policy
unless --force is given.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSnapshot,
}

var buildCmd = &cobra.Command{
	Use:   "build <project>",
	Short: "Build the source package",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

var publishCmd = &cobra.Command{
	Use:   "publish <project> <ppa> <series>",
	Short: "Upload the source package to a PPA",
	Long: `Publish uploads the source package of the changelog head to a Launchpad
PPA for the given Ubuntu series. The package is built first when the build
area holds no artifacts for it, and signed when signing.key_file is set.`,
	Args: cobra.ExactArgs(3),
	RunE: runPublish,
}

var pushlpCmd = &cobra.Command{
	Use:   "pushlp <project> <account>",
	Short: "Push all branches and tags to a personal Launchpad repository",
	Args:  cobra.ExactArgs(2),
	RunE:  runPushLP,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("uosp %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/uosp/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&workdir, "workdir", "", "directory holding the project checkouts (overrides workdir from the config)")

	cloneCmd.Flags().StringVar(&release, "release", "master", "OpenStack release series")

	rebaseCmd.Flags().StringVar(&release, "release", "master", "OpenStack release series")
	rebaseCmd.Flags().StringVar(&bug, "bug", "", "Launchpad bug closed by the new changelog entry")
	rebaseCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	snapshotCmd.Flags().StringVar(&release, "release", "master", "OpenStack release series")
	snapshotCmd.Flags().StringVar(&asOf, "as-of", "", "take the snapshot as of this date (YYYY-MM-DD or RFC 3339, default now)")
	snapshotCmd.Flags().BoolVar(&force, "force", false, "take the snapshot even if it is not due")
	snapshotCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	buildCmd.Flags().StringVar(&release, "release", "master", "OpenStack release series")

	publishCmd.Flags().StringVar(&release, "release", "master", "OpenStack release series")
	publishCmd.Flags().BoolVar(&rebuild, "rebuild", false, "build even if artifacts exist")
	publishCmd.Flags().BoolVar(&dryRun, "dry-run", false, "build and sign but do not upload")

	// Add commands
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(rebaseCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(pushlpCmd)
	rootCmd.AddCommand(versionCmd)
}

func runClone(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	runner, _, err := setup()
	if err != nil {
		return err
	}
	return runner.Clone(ctx, args[0], release)
}

func runRebase(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	runner, logger, err := setup()
	if err != nil {
		return err
	}

	out, err := runner.Rebase(ctx, workflow.RebaseRequest{
		Project: args[0],
		Tag:     args[1],
		Release: release,
		Bug:     bug,
		DryRun:  dryRun,
	})
	if err != nil {
		reportFailure(logger, "rebase", err)
		return err
	}
	renderOutcome(cmd.OutOrStdout(), out)
	exitCode = workflow.ExitCode(out, nil)
	return nil
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	when, err := parseAsOf(asOf)
	if err != nil {
		return err
	}

	runner, logger, err := setup()
	if err != nil {
		return err
	}

	req := workflow.SnapshotRequest{
		Project: args[0],
		Release: release,
		AsOf:    when,
		Force:   force,
		DryRun:  dryRun,
	}
	if len(args) > 1 {
		req.NextVersion = args[1]
	}

	out, err := runner.Snapshot(ctx, req)
	if err != nil {
		reportFailure(logger, "snapshot", err)
		return err
	}
	renderOutcome(cmd.OutOrStdout(), out)
	if !out.Skipped && !out.DryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Please consider to check (build-)deps of the new snapshot.")
	}
	exitCode = workflow.ExitCode(out, nil)
	return nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	runner, logger, err := setup()
	if err != nil {
		return err
	}

	a, err := runner.Build(ctx, workflow.BuildRequest{Project: args[0], Release: release})
	if err != nil {
		reportFailure(logger, "build", err)
		return err
	}
	renderArtifacts(cmd.OutOrStdout(), a)
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	runner, logger, err := setup()
	if err != nil {
		return err
	}

	a, err := runner.Publish(ctx, workflow.PublishRequest{
		Project: args[0],
		PPA:     args[1],
		Series:  args[2],
		Release: release,
		Rebuild: rebuild,
		DryRun:  dryRun,
	})
	if err != nil {
		reportFailure(logger, "publish", err)
		return err
	}
	renderArtifacts(cmd.OutOrStdout(), a)
	return nil
}

func runPushLP(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	runner, _, err := setup()
	if err != nil {
		return err
	}
	return runner.PushLP(ctx, args[0], args[1])
}

// reportFailure logs a failed command. Transient upstream failures get a
// hint that the command can simply be run again.
func reportFailure(logger *slog.Logger, op string, err error) {
	args := []any{"error", err, "class", workflow.Classify(err)}
	if upstream.IsRetryable(err) {
		args = append(args, "hint", "upstream unreachable, retry later")
	}
	logger.Error(op+" failed", args...)
}

// setup loads the configuration and wires the workflow runner
func setup() (*workflow.Runner, *slog.Logger, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return runner, logger, nil
}

func newRunner(cfg *config.Config, logger *slog.Logger) (*workflow.Runner, error) {
	fs := afero.NewOsFs()
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	tools := debtools.ExecRunner{}

	builder := debtools.NewGbpBuilder(fs, tools, cfg.Build.Command, cfg.Build.Args, cfg.BuildAreaDir(), logger)

	var signer debtools.Signer
	if cfg.Signing.KeyFile != "" {
		s, err := debtools.LoadSigner(fs, cfg.Signing.KeyFile, cfg.Signing.PassphraseFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
		signer = s
	}

	publisher, err := debtools.NewPublisher(string(cfg.Publish.Method), tools, cfg.Publish.DputHost, logger)
	if err != nil {
		return nil, err
	}

	return workflow.NewRunner(cfg, gitClient, fs, builder, signer, publisher, logger), nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	// An explicit config file must exist; the default one is optional
	if cfgFile != "" {
		logger.Debug("loading configuration", "path", cfgFile)
		cfg, err = config.Load(cfgFile)
	} else {
		path := config.DefaultPath()
		logger.Debug("loading configuration", "path", path)
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, err
	}

	if workdir != "" {
		abs, err := filepath.Abs(workdir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workdir: %w", err)
		}
		cfg.Workdir = abs
	}

	logger.Debug("configuration loaded",
		"workdir", cfg.Workdir,
		"state_dir", cfg.StateDir,
		"publish_method", cfg.Publish.Method,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

// parseAsOf reads a --as-of value. A bare date means the end of that UTC day.
func parseAsOf(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	day, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return day.Add(24*time.Hour - time.Second), nil
}

func renderOutcome(w io.Writer, out workflow.Outcome) {
	if out.Skipped {
		fmt.Fprintf(w, "%s: snapshot not due (%s), staying at %s\n", out.Project, out.Reason, out.Version)
		return
	}

	prefix := ""
	if out.DryRun {
		prefix = "[dry-run] "
	}
	fmt.Fprintf(w, "%s%s: %s -> %s (%s)\n", prefix, out.Project, out.Previous, out.Version, out.Status)
	if out.Commit != "" {
		fmt.Fprintf(w, "committed %s\n", out.Commit)
	}
	if len(out.Conflicts) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"PATCH", "OPTIONS", "ERROR"})
	for _, p := range out.Conflicts {
		t.AppendRow(table.Row{p.Name, p.Options, out.Failures[p.Name]})
	}
	t.AppendSeparator()
	t.Render()
	if out.Commit == "" {
		fmt.Fprintln(w, "Refresh the patches above, then commit the working tree.")
	}
}

func renderArtifacts(w io.Writer, a debtools.Artifacts) {
	debs := make(map[string]debtools.DebInfo, len(a.Debs))
	for _, d := range a.Debs {
		debs[d.Path] = d
	}

	files := append([]string(nil), a.Files...)
	sort.Strings(files)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"FILE", "PACKAGE", "ARCH"})
	for _, f := range files {
		d := debs[f]
		t.AppendRow(table.Row{filepath.Base(f), d.Package, d.Architecture})
	}
	t.AppendSeparator()
	t.Render()
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
