package repostate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/uosp/internal/git"
	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/testutil"
	"github.com/schaermu/uosp/internal/version"
)

var layout = Layout{Upstream: "upstream", PristineTar: "pristine-tar"}

func newRepo() *Repository {
	return New(git.NewShellClient("", ""), afero.NewOsFs(), layout)
}

func fixture(t *testing.T) *testutil.Packaging {
	t.Helper()
	return testutil.NewPackaging(t, testutil.PackagingOptions{
		Source:   "glance",
		Version:  "1.2.0-1",
		Upstream: map[string]string{"VERSION": "1.2.0\n", "glance/api.py": "x = 1\n"},
		Debian:   map[string]string{"patches/fix.patch": "--- a/VERSION\n+++ b/VERSION\n"},
		Series:   []string{"fix.patch -p1"},
	})
}

func TestLoad(t *testing.T) {
	p := fixture(t)

	tree, err := newRepo().Load(context.Background(), p.Dir)
	require.NoError(t, err)

	assert.Equal(t, p.Dir, tree.Root)
	assert.Equal(t, "master", tree.Branch)
	assert.Equal(t, "glance", tree.Source)
	assert.Equal(t, "1.2.0-1", tree.Head.String())
	assert.Equal(t, "focal", tree.HeadDistribution)
	require.Len(t, tree.Series, 1)
	assert.Equal(t, "fix.patch", tree.Series[0].Name)
	assert.Equal(t, "-p1", tree.Series[0].Options)
	assert.Nil(t, tree.Series[0].Applied)
}

func TestLoad_NotAPackagingTree(t *testing.T) {
	tests := map[string]map[string]string{
		"no debian":    {"setup.py": "x"},
		"no changelog": {"debian/patches/series": ""},
		"no patches":   {"debian/changelog": testutil.Changelog("nova", "1.0-1")},
		"bad changelog": {
			"debian/changelog":      "garbage\n",
			"debian/patches/series": "",
		},
	}
	for name, files := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			testutil.WriteFiles(t, dir, files)
			_, err := newRepo().Load(context.Background(), dir)
			assert.ErrorIs(t, err, ErrNotAPackagingTree)
		})
	}
}

func TestLoad_DirtyWorkingTree(t *testing.T) {
	p := fixture(t)
	testutil.WriteFiles(t, p.Dir, map[string]string{"leftover.txt": "interrupted"})

	_, err := newRepo().Load(context.Background(), p.Dir)
	require.ErrorIs(t, err, ErrDirtyWorkingTree)
	assert.Contains(t, err.Error(), "leftover.txt")
}

func TestCommit_OwnedChanges(t *testing.T) {
	ctx := context.Background()
	p := fixture(t)
	repo := newRepo()
	tree, err := repo.Load(ctx, p.Dir)
	require.NoError(t, err)

	testutil.WriteFiles(t, p.Dir, map[string]string{
		"VERSION":          "1.3.0\n",
		"debian/changelog": testutil.Changelog("glance", "1.3.0-1"),
	})
	tree = tree.WithUpstream().WithTouched(packaging.ChangelogPath)

	commit, err := repo.Commit(ctx, tree, "New upstream release 1.3.0.")
	require.NoError(t, err)
	assert.Equal(t, testutil.Git(t, p.Dir, "rev-parse", "HEAD"), commit)
	assert.Empty(t, testutil.Git(t, p.Dir, "status", "--porcelain"))

	_, err = repo.Commit(ctx, tree, "again")
	assert.ErrorIs(t, err, ErrNothingToCommit)
}

func TestCommit_RefusesForeignChanges(t *testing.T) {
	ctx := context.Background()
	p := fixture(t)
	repo := newRepo()
	tree, err := repo.Load(ctx, p.Dir)
	require.NoError(t, err)
	before := testutil.Git(t, p.Dir, "rev-parse", "HEAD")

	testutil.WriteFiles(t, p.Dir, map[string]string{
		"debian/changelog": testutil.Changelog("glance", "1.3.0-1"),
		"debian/control":   "Source: glance\nEdited: by hand\n",
	})
	tree = tree.WithTouched(packaging.ChangelogPath)

	_, err = repo.Commit(ctx, tree, "should not happen")
	require.ErrorIs(t, err, ErrDirtyWorkingTree)
	assert.Contains(t, err.Error(), "debian/control")
	assert.NotContains(t, err.Error(), "debian/changelog")
	assert.Equal(t, before, testutil.Git(t, p.Dir, "rev-parse", "HEAD"))
}

func TestCheckBranchLayout(t *testing.T) {
	ctx := context.Background()
	p := fixture(t)
	repo := newRepo()

	require.NoError(t, repo.CheckBranchLayout(ctx, p.Dir, "master"))

	err := repo.CheckBranchLayout(ctx, p.Dir, "stable/ussuri")
	assert.ErrorIs(t, err, ErrWrongBranch)

	bare := t.TempDir()
	testutil.InitRepo(t, bare, "master")
	testutil.WriteFiles(t, bare, map[string]string{"debian/changelog": testutil.Changelog("x", "1.0-1")})
	testutil.CommitAll(t, bare, "packaging only")
	err = repo.CheckBranchLayout(ctx, bare, "master")
	assert.ErrorIs(t, err, ErrMissingUpstreamBranch)
}

func TestLock(t *testing.T) {
	p := fixture(t)

	release, err := Lock(p.Dir)
	require.NoError(t, err)

	_, err = Lock(p.Dir)
	assert.ErrorIs(t, err, ErrTreeLocked)

	require.NoError(t, release())

	release, err = Lock(p.Dir)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestRecordUpstream(t *testing.T) {
	ctx := context.Background()
	p := fixture(t)
	repo := newRepo()
	require.NoError(t, git.NewShellClient("", "").TrackBranch(ctx, p.Dir, "upstream"))
	parent := testutil.Git(t, p.Dir, "rev-parse", "upstream")

	content := t.TempDir()
	testutil.WriteFiles(t, content, map[string]string{"VERSION": "1.3.0\n", "glance/api.py": "x = 2\n"})
	v := version.MustParse("1.3.0~git20261017.1.abcd-1")

	commit, err := repo.RecordUpstream(ctx, p.Dir, content, v)
	require.NoError(t, err)

	assert.Equal(t, "upstream/1.3.0_git20261017.1.abcd", UpstreamTag(v))
	assert.Equal(t, commit, testutil.Git(t, p.Dir, "rev-parse", "upstream"))
	assert.Equal(t, commit, testutil.Git(t, p.Dir, "rev-parse", UpstreamTag(v)+"^{commit}"))
	assert.Equal(t, parent, testutil.Git(t, p.Dir, "rev-parse", commit+"^"))
	assert.Equal(t, "1.3.0\n", testutil.Git(t, p.Dir, "show", commit+":VERSION")+"\n")
	assert.Equal(t, "master", testutil.Git(t, p.Dir, "symbolic-ref", "--short", "HEAD"))

	again, err := repo.RecordUpstream(ctx, p.Dir, content, v)
	require.NoError(t, err)
	assert.Equal(t, commit, again)
}

func TestClone(t *testing.T) {
	ctx := context.Background()
	p := fixture(t)
	dest := filepath.Join(t.TempDir(), "glance")

	require.NoError(t, newRepo().Clone(ctx, p.Origin, dest, "master"))

	for _, branch := range []string{"upstream", "pristine-tar", "master"} {
		testutil.Git(t, dest, "rev-parse", "--verify", "refs/heads/"+branch)
	}
	assert.Equal(t, "master", testutil.Git(t, dest, "symbolic-ref", "--short", "HEAD"))
	_, err := os.Stat(filepath.Join(dest, "debian", "changelog"))
	assert.NoError(t, err)
}
