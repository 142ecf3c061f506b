package testutil

import (
	"path/filepath"
	"testing"
	"time"
)

// Changelog returns a single-entry debian/changelog for source at v.
func Changelog(source, v string) string {
	return source + " (" + v + ") focal; urgency=medium\n\n" +
		"  * Initial release.\n\n" +
		" -- Test <test@test.com>  Mon, 05 Oct 2026 10:00:00 +0000\n"
}

// Upstream is a fixture upstream project repository.
type Upstream struct {
	Dir string
}

// NewUpstream creates an upstream repository on branch master with one
// commit per entry of releases, each tagged with its name. Every release
// writes VERSION and a module file so patches have something to touch.
func NewUpstream(t testing.TB, releases ...string) *Upstream {
	t.Helper()
	u := &Upstream{Dir: filepath.Join(t.TempDir(), "upstream")}
	InitRepo(t, u.Dir, "master")
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, r := range releases {
		u.Commit(t, map[string]string{
			"VERSION":     r + "\n",
			"pkg/main.py": "VERSION = '" + r + "'\nDEBUG = False\n",
			"README.rst":  "project\n",
			".gitignore":  "*.pyc\n",
		}, "Release "+r, base.AddDate(0, 0, i))
		Git(t, u.Dir, "tag", r)
	}
	return u
}

// Commit records files on the checked out branch at a fixed time.
func (u *Upstream) Commit(t testing.TB, files map[string]string, msg string, when time.Time) string {
	t.Helper()
	WriteFiles(t, u.Dir, files)
	return CommitAt(t, u.Dir, msg, when)
}

// Packaging is a fixture packaging repository: an origin holding the
// packaging, upstream and pristine-tar branches, and a clone of it.
type Packaging struct {
	Origin string
	Dir    string
}

// PackagingOptions configures NewPackaging.
type PackagingOptions struct {
	Source   string
	Version  string            // changelog head, e.g. "1.2.0-1"
	Upstream map[string]string // upstream content at Version
	Debian   map[string]string // extra files below debian/, e.g. patches
	Series   []string
	Branch   string // packaging branch, default master
}

// NewPackaging builds a packaging origin and clones it. The upstream
// branch holds the upstream content only; the packaging branch holds the
// same content plus debian/.
func NewPackaging(t testing.TB, opts PackagingOptions) *Packaging {
	t.Helper()
	if opts.Branch == "" {
		opts.Branch = "master"
	}
	root := t.TempDir()
	p := &Packaging{
		Origin: filepath.Join(root, "origin"),
		Dir:    filepath.Join(root, "work", opts.Source),
	}

	InitRepo(t, p.Origin, "upstream")
	WriteFiles(t, p.Origin, opts.Upstream)
	CommitAll(t, p.Origin, "Import upstream")

	Git(t, p.Origin, "checkout", "-q", "--orphan", "pristine-tar")
	Git(t, p.Origin, "rm", "-rq", "--cached", ".")
	Git(t, p.Origin, "clean", "-fdxq")
	WriteFiles(t, p.Origin, map[string]string{"placeholder.delta": "x"})
	CommitAll(t, p.Origin, "pristine-tar data")

	Git(t, p.Origin, "checkout", "-q", "-f", "-b", opts.Branch, "upstream")
	debian := map[string]string{
		"debian/changelog": Changelog(opts.Source, opts.Version),
		"debian/control":   "Source: " + opts.Source + "\n",
	}
	series := ""
	for _, s := range opts.Series {
		series += s + "\n"
	}
	debian["debian/patches/series"] = series
	for k, v := range opts.Debian {
		debian["debian/"+k] = v
	}
	WriteFiles(t, p.Origin, debian)
	CommitAll(t, p.Origin, "Packaging "+opts.Version)

	Git(t, root, "clone", "-q", "-b", opts.Branch, p.Origin, p.Dir)
	Git(t, p.Dir, "config", "user.email", "test@test.com")
	Git(t, p.Dir, "config", "user.name", "Test")
	Git(t, p.Dir, "config", "commit.gpgsign", "false")
	Git(t, p.Dir, "config", "tag.gpgsign", "false")
	return p
}
