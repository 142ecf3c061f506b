package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// PublishMethod selects how source packages are uploaded
type PublishMethod string

const (
	PublishBackport PublishMethod = "backport"
	PublishDput     PublishMethod = "dput"
)

// Default remote URL templates
const (
	DefaultPackagingRemote = "https://git.launchpad.net/~ubuntu-server-dev/ubuntu/+source/{{.Name}}"
	DefaultUpstreamRemote  = "https://github.com/openstack/{{.Name}}.git"
	DefaultLaunchpadRemote = "git+ssh://{{.Account}}@git.launchpad.net/~{{.Account}}/ubuntu/+source/{{.Name}}"
)

// Config represents the complete uosp configuration
type Config struct {
	Workdir   string          `yaml:"workdir"`
	StateDir  string          `yaml:"state_dir"`
	Remotes   RemotesConfig   `yaml:"remotes"`
	Branches  BranchesConfig  `yaml:"branches"`
	Changelog ChangelogConfig `yaml:"changelog"`
	Rebase    RebaseConfig    `yaml:"rebase"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Build     BuildConfig     `yaml:"build"`
	Publish   PublishConfig   `yaml:"publish"`
	Signing   SigningConfig   `yaml:"signing"`
	Auth      AuthConfig      `yaml:"auth"`
}

// RemotesConfig holds text/template URL templates. Templates see .Name
// (the project) and, for launchpad, .Account.
type RemotesConfig struct {
	Packaging string `yaml:"packaging"`
	Upstream  string `yaml:"upstream"`
	Launchpad string `yaml:"launchpad"`
}

// BranchesConfig names the branches of a packaging repository
type BranchesConfig struct {
	Upstream     string `yaml:"upstream"`
	PristineTar  string `yaml:"pristine_tar"`
	Packaging    string `yaml:"packaging"`
	StablePrefix string `yaml:"stable_prefix"`
	// UpstreamDevelopment is the upstream project branch snapshots are taken from
	UpstreamDevelopment string `yaml:"upstream_development"`
}

// ChangelogConfig configures new changelog entries
type ChangelogConfig struct {
	Maintainer   string `yaml:"maintainer"`
	Distribution string `yaml:"distribution"`
	Urgency      string `yaml:"urgency"`
}

// RebaseConfig configures rebase behavior
type RebaseConfig struct {
	CommitOnConflict bool `yaml:"commit_on_conflict"`
}

// SnapshotConfig configures when snapshots are due
type SnapshotConfig struct {
	MinInterval           time.Duration `yaml:"min_interval"`
	OnlyIfUpstreamChanged *bool         `yaml:"only_if_upstream_changed"`
}

// BuildConfig configures the source package build
type BuildConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	BuildArea string   `yaml:"build_area"`
}

// PublishConfig configures uploads
type PublishConfig struct {
	Method   PublishMethod `yaml:"method"`
	DputHost string        `yaml:"dput_host"`
}

// SigningConfig configures in-process OpenPGP signing of source uploads
type SigningConfig struct {
	KeyFile        string `yaml:"key_file"`
	PassphraseFile string `yaml:"passphrase_file"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

var maintainerRe = regexp.MustCompile(`^[^<>]+ <[^<>@\s]+@[^<>\s]+>$`)

// DefaultPath returns the configuration file used when none is given
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "uosp", "config.yaml")
	}
	return filepath.Join("$HOME", ".config", "uosp", "config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return parse(data)
}

// LoadOrDefault is like Load, but a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return parse(nil)
	}
	return cfg, err
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path and identity fields
func (c *Config) expandEnv() {
	c.Workdir = os.ExpandEnv(c.Workdir)
	c.StateDir = os.ExpandEnv(c.StateDir)
	c.Changelog.Maintainer = os.ExpandEnv(c.Changelog.Maintainer)
	c.Build.BuildArea = os.ExpandEnv(c.Build.BuildArea)
	c.Signing.KeyFile = os.ExpandEnv(c.Signing.KeyFile)
	c.Signing.PassphraseFile = os.ExpandEnv(c.Signing.PassphraseFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() error {
	if c.Workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		c.Workdir = wd
	}
	if c.StateDir == "" {
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to determine home directory: %w", err)
			}
			base = filepath.Join(home, ".local", "state")
		}
		c.StateDir = filepath.Join(base, "uosp")
	}

	if c.Remotes.Packaging == "" {
		c.Remotes.Packaging = DefaultPackagingRemote
	}
	if c.Remotes.Upstream == "" {
		c.Remotes.Upstream = DefaultUpstreamRemote
	}
	if c.Remotes.Launchpad == "" {
		c.Remotes.Launchpad = DefaultLaunchpadRemote
	}

	if c.Branches.Upstream == "" {
		c.Branches.Upstream = "upstream"
	}
	if c.Branches.PristineTar == "" {
		c.Branches.PristineTar = "pristine-tar"
	}
	if c.Branches.Packaging == "" {
		c.Branches.Packaging = "master"
	}
	if c.Branches.StablePrefix == "" {
		c.Branches.StablePrefix = "stable/"
	}
	if c.Branches.UpstreamDevelopment == "" {
		c.Branches.UpstreamDevelopment = "master"
	}

	if c.Changelog.Maintainer == "" {
		name, email := os.Getenv("DEBFULLNAME"), os.Getenv("DEBEMAIL")
		if name != "" && email != "" {
			c.Changelog.Maintainer = fmt.Sprintf("%s <%s>", name, email)
		}
	}
	if c.Changelog.Distribution == "" {
		c.Changelog.Distribution = "UNRELEASED"
	}
	if c.Changelog.Urgency == "" {
		c.Changelog.Urgency = "medium"
	}

	if c.Snapshot.OnlyIfUpstreamChanged == nil {
		onlyIfChanged := true
		c.Snapshot.OnlyIfUpstreamChanged = &onlyIfChanged
	}

	if c.Build.Command == "" {
		c.Build.Command = "gbp"
		if len(c.Build.Args) == 0 {
			c.Build.Args = []string{"buildpackage", "-S", "-sa", "-d"}
		}
	}
	if c.Publish.Method == "" {
		c.Publish.Method = PublishBackport
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Workdir) {
		return fmt.Errorf("workdir must be an absolute path: %s", c.Workdir)
	}
	if !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path: %s", c.StateDir)
	}
	if c.Build.BuildArea != "" && !filepath.IsAbs(c.Build.BuildArea) {
		return fmt.Errorf("build.build_area must be an absolute path: %s", c.Build.BuildArea)
	}

	for name, tmpl := range map[string]string{
		"remotes.packaging": c.Remotes.Packaging,
		"remotes.upstream":  c.Remotes.Upstream,
		"remotes.launchpad": c.Remotes.Launchpad,
	} {
		if _, err := template.New(name).Option("missingkey=error").Parse(tmpl); err != nil {
			return fmt.Errorf("invalid %s template: %w", name, err)
		}
	}

	if c.Branches.Upstream == c.Branches.Packaging {
		return fmt.Errorf("branches.upstream and branches.packaging must differ (both %q)", c.Branches.Upstream)
	}

	if c.Changelog.Maintainer != "" && !maintainerRe.MatchString(c.Changelog.Maintainer) {
		return fmt.Errorf("changelog.maintainer must look like \"Full Name <email>\": %q", c.Changelog.Maintainer)
	}
	switch c.Changelog.Urgency {
	case "low", "medium", "high", "emergency", "critical":
		// valid
	default:
		return fmt.Errorf("invalid changelog.urgency: %s (must be low, medium, high, emergency, or critical)", c.Changelog.Urgency)
	}

	if c.Snapshot.MinInterval < 0 {
		return fmt.Errorf("snapshot.min_interval must not be negative: %s", c.Snapshot.MinInterval)
	}

	switch c.Publish.Method {
	case PublishBackport:
		// valid
	case PublishDput:
		if c.Publish.DputHost == "" {
			return fmt.Errorf("publish.dput_host is required when publish.method is dput")
		}
	default:
		return fmt.Errorf("invalid publish.method: %s (must be backport or dput)", c.Publish.Method)
	}

	if c.Signing.PassphraseFile != "" && c.Signing.KeyFile == "" {
		return fmt.Errorf("signing.passphrase_file is set but signing.key_file is not")
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// ProjectDir returns where the packaging repository of a project lives
func (c *Config) ProjectDir(name string) string {
	return filepath.Join(c.Workdir, name)
}

// UpstreamCheckoutDir returns the cached upstream checkout of a project
func (c *Config) UpstreamCheckoutDir(name string) string {
	return filepath.Join(c.StateDir, "upstream", name)
}

// BuildAreaDir returns where built source packages are exported to
func (c *Config) BuildAreaDir() string {
	if c.Build.BuildArea != "" {
		return c.Build.BuildArea
	}
	return filepath.Join(c.Workdir, "build-area")
}

// RecordsDir returns the directory holding per-package operation records
func (c *Config) RecordsDir() string {
	return filepath.Join(c.StateDir, "records")
}

// PackagingBranch returns the packaging branch for an OpenStack release
// series: the configured packaging branch for "" or "master", otherwise
// the stable branch of that series.
func (c *Config) PackagingBranch(release string) string {
	if release == "" || release == "master" {
		return c.Branches.Packaging
	}
	return c.Branches.StablePrefix + release
}

// UpstreamBranch returns the upstream project branch snapshots of a
// release series are taken from.
func (c *Config) UpstreamBranch(release string) string {
	if release == "" || release == "master" {
		return c.Branches.UpstreamDevelopment
	}
	return c.Branches.StablePrefix + release
}

// PackagingURL renders the packaging remote of a project
func (c *Config) PackagingURL(name string) (string, error) {
	return render("remotes.packaging", c.Remotes.Packaging, remoteVars{Name: name})
}

// UpstreamURL renders the upstream remote of a project
func (c *Config) UpstreamURL(name string) (string, error) {
	return render("remotes.upstream", c.Remotes.Upstream, remoteVars{Name: name})
}

// LaunchpadURL renders the personal Launchpad remote of a project
func (c *Config) LaunchpadURL(account, name string) (string, error) {
	if account == "" {
		return "", fmt.Errorf("launchpad account is required")
	}
	return render("remotes.launchpad", c.Remotes.Launchpad, remoteVars{Name: name, Account: account})
}

// OnlyIfUpstreamChanged reports the effective snapshot policy flag
func (c *Config) OnlyIfUpstreamChanged() bool {
	return c.Snapshot.OnlyIfUpstreamChanged == nil || *c.Snapshot.OnlyIfUpstreamChanged
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

type remoteVars struct {
	Name    string
	Account string
}

func render(name, tmpl string, vars remoteVars) (string, error) {
	if strings.TrimSpace(vars.Name) == "" {
		return "", fmt.Errorf("project name is required")
	}
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("invalid %s template: %w", name, err)
	}
	var b bytes.Buffer
	if err := t.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return b.String(), nil
}
