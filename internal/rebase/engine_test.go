package rebase

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/uosp/internal/git"
	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/testutil"
	"github.com/schaermu/uosp/internal/version"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeApplier fails the patches named in fail and records every call.
type fakeApplier struct {
	fs    afero.Fs
	fail  map[string]bool
	calls []string
	seen  map[string][]string // patch -> files visible in the scratch dir
}

func (f *fakeApplier) Apply(_ context.Context, dir, patch string, args ...string) error {
	name := filepath.Base(patch)
	f.calls = append(f.calls, name)
	if f.seen == nil {
		f.seen = make(map[string][]string)
	}
	files, _ := packaging.DiscoverUpstreamFiles(f.fs, dir)
	f.seen[name] = files
	if f.fail[name] {
		return errors.New("hunk #1 FAILED")
	}
	return nil
}

const root = "/work/glance"

func applied(p packaging.PatchRef) bool {
	return p.Applied != nil && *p.Applied
}

func setupTree(t *testing.T, fs afero.Fs, series ...string) packaging.Tree {
	t.Helper()
	files := map[string]string{
		"VERSION":              "1.2.0\n",
		"glance/old.py":        "old\n",
		".git/HEAD":            "ref: refs/heads/master\n",
		"debian/changelog":     testutil.Changelog("glance", "1.2.0-1"),
		"debian/control":       "Source: glance\n",
		"debian/rules":         "#!/usr/bin/make -f\n",
		"debian/source/format": "3.0 (quilt)\n",
	}
	var refs []packaging.PatchRef
	for _, s := range series {
		files["debian/patches/"+s] = "patch " + s + "\n"
		refs = append(refs, packaging.PatchRef{Name: s, Path: "debian/patches/" + s})
	}
	for rel, content := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(root, rel), []byte(content), 0644))
	}
	return packaging.Tree{
		Root:   root,
		Source: "glance",
		Head:   version.MustParse("1.2.0-1"),
		Series: refs,
	}
}

func setupContent(t *testing.T, fs afero.Fs) string {
	t.Helper()
	dir := "/staging/content"
	for rel, content := range map[string]string{
		"VERSION":         "1.3.0\n",
		"glance/new.py":   "new\n",
		".zuul.yaml":      "- job\n",
		"debian/control":  "upstream must not win\n",
		"doc/source/a.rs": "a\n",
	} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, rel), []byte(content), 0644))
	}
	return dir
}

func snapshotDebian(t *testing.T, fs afero.Fs) map[string]string {
	t.Helper()
	out := make(map[string]string)
	require.NoError(t, afero.Walk(fs, filepath.Join(root, "debian"), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := afero.ReadFile(fs, path)
		out[path] = string(data)
		return err
	}))
	return out
}

func TestRun_ConflictsAreCollectedNotDropped(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := setupTree(t, fs, "A.patch", "B.patch", "C.patch")
	content := setupContent(t, fs)
	applier := &fakeApplier{fs: fs, fail: map[string]bool{"B.patch": true}}

	target := version.MustParse("1.3.0-1")
	res, err := NewEngine(fs, applier, testLogger(), false).Run(context.Background(), tree, content, target)
	require.NoError(t, err)

	assert.Equal(t, StateFinalized, res.State)
	assert.Equal(t, StatusNeedsManualResolution, res.Status)
	assert.True(t, res.NewVersion.Equal(target))
	assert.Equal(t, []string{"A.patch", "B.patch", "C.patch"}, applier.calls)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "B.patch", res.Conflicts[0].Name)
	assert.Contains(t, res.Failures["B.patch"], "FAILED")

	var names []string
	for _, p := range res.Tree.Series {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"A.patch", "B.patch", "C.patch"}, names)
	assert.True(t, applied(res.Tree.Series[0]))
	assert.False(t, applied(res.Tree.Series[1]))
	assert.True(t, applied(res.Tree.Series[2]))

	// the input tree is not mutated
	for _, p := range tree.Series {
		assert.Nil(t, p.Applied)
	}
}

func TestRun_Clean(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := setupTree(t, fs, "A.patch")
	content := setupContent(t, fs)

	res, err := NewEngine(fs, &fakeApplier{fs: fs}, testLogger(), false).Run(context.Background(), tree, content, version.MustParse("1.3.0-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusClean, res.Status)
	assert.Empty(t, res.Conflicts)
	assert.True(t, res.Tree.Touched.Owns("VERSION"))
	assert.False(t, res.Tree.Touched.Owns("debian/control"))
}

func TestRun_ReplacesContentAndKeepsPackaging(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := setupTree(t, fs, "A.patch")
	content := setupContent(t, fs)
	before := snapshotDebian(t, fs)
	applier := &fakeApplier{fs: fs}

	_, err := NewEngine(fs, applier, testLogger(), false).Run(context.Background(), tree, content, version.MustParse("1.3.0-1"))
	require.NoError(t, err)

	if diff := cmp.Diff(before, snapshotDebian(t, fs)); diff != "" {
		t.Errorf("debian/ changed (-before +after):\n%s", diff)
	}

	got, err := afero.ReadFile(fs, filepath.Join(root, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1.3.0\n", string(got))

	exists := func(rel string) bool {
		ok, err := afero.Exists(fs, filepath.Join(root, rel))
		require.NoError(t, err)
		return ok
	}
	assert.True(t, exists("glance/new.py"))
	assert.True(t, exists(".zuul.yaml"))
	assert.True(t, exists(".git/HEAD"))
	assert.False(t, exists("glance/old.py"))

	// patches were tried against the new content only
	assert.ElementsMatch(t, []string{".zuul.yaml", "VERSION", "doc/source/a.rs", "glance/new.py"}, applier.seen["A.patch"])
}

func TestRun_StaleTarget(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := setupTree(t, fs, "A.patch")
	content := setupContent(t, fs)
	applier := &fakeApplier{fs: fs}

	for _, v := range []string{"1.2.0-1", "1.1.0-1", "1.2.0~git20261017.1-1"} {
		_, err := NewEngine(fs, applier, testLogger(), false).Run(context.Background(), tree, content, version.MustParse(v))
		assert.ErrorIs(t, err, ErrStaleTarget, v)
	}
	assert.Empty(t, applier.calls)

	got, err := afero.ReadFile(fs, filepath.Join(root, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0\n", string(got))
}

func TestRun_MissingContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := setupTree(t, fs)
	_, err := NewEngine(fs, &fakeApplier{fs: fs}, testLogger(), false).Run(context.Background(), tree, "/nowhere", version.MustParse("1.3.0-1"))
	assert.Error(t, err)
}

func TestRun_ContentReplaceFailure(t *testing.T) {
	mem := afero.NewMemMapFs()
	tree := setupTree(t, mem, "A.patch")
	content := setupContent(t, mem)
	before := snapshotDebian(t, mem)
	applier := &fakeApplier{fs: mem}

	fs := afero.NewReadOnlyFs(mem)
	res, err := NewEngine(fs, applier, testLogger(), false).Run(context.Background(), tree, content, version.MustParse("1.3.0-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContentReplace)
	assert.NotErrorIs(t, err, ErrStaleTarget)
	assert.Equal(t, StateStart, res.State)
	assert.Empty(t, res.Status)
	assert.Empty(t, applier.calls)
	assert.False(t, res.Tree.Touched.Upstream)

	got, err := afero.ReadFile(mem, filepath.Join(root, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0\n", string(got))
	assert.Equal(t, before, snapshotDebian(t, mem))
}

func TestRun_DryRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := setupTree(t, fs, "A.patch")
	content := setupContent(t, fs)
	applier := &fakeApplier{fs: fs}

	res, err := NewEngine(fs, applier, testLogger(), true).Run(context.Background(), tree, content, version.MustParse("1.3.0-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, res.Status)
	assert.Equal(t, StateStart, res.State)
	assert.Empty(t, applier.calls)

	ok, err := afero.Exists(fs, filepath.Join(root, "glance/old.py"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_MissingPatchFileIsAConflict(t *testing.T) {
	fs := afero.NewMemMapFs()
	tree := setupTree(t, fs, "A.patch")
	tree.Series = append(tree.Series, packaging.PatchRef{Name: "gone.patch", Path: "debian/patches/gone.patch"})
	content := setupContent(t, fs)

	res, err := NewEngine(fs, &fakeApplier{fs: fs}, testLogger(), false).Run(context.Background(), tree, content, version.MustParse("1.3.0-1"))
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "gone.patch", res.Conflicts[0].Name)
	assert.Len(t, res.Tree.Series, 2)
}

func TestPatchArgs(t *testing.T) {
	assert.Equal(t, []string{"-p1"}, patchArgs(""))
	assert.Equal(t, []string{"-p0"}, patchArgs("-p0"))
	assert.Equal(t, []string{"-p2", "-R"}, patchArgs("-R -p2"))
}

func TestRun_WithGitApply(t *testing.T) {
	fs := afero.NewOsFs()
	dir := filepath.Join(t.TempDir(), "glance")
	testutil.WriteFiles(t, dir, map[string]string{
		"main.py":                           "DEBUG = False\n",
		"debian/changelog":                  testutil.Changelog("glance", "1.2.0-1"),
		"debian/patches/enable-debug.patch": "--- a/main.py\n+++ b/main.py\n@@ -1 +1 @@\n-DEBUG = False\n+DEBUG = True\n",
		"debian/patches/stale.patch":        "--- a/gone.py\n+++ b/gone.py\n@@ -1 +1 @@\n-x\n+y\n",
		"debian/patches/verbose.patch":      "--- a/main.py\n+++ b/main.py\n@@ -1,1 +1,2 @@\n DEBUG = True\n+VERBOSE = True\n",
	})
	content := t.TempDir()
	testutil.WriteFiles(t, content, map[string]string{"main.py": "DEBUG = False\n", "setup.cfg": "[metadata]\n"})

	data := []byte("enable-debug.patch\nstale.patch\nverbose.patch\n")
	series, err := packaging.ParseSeries(data)
	require.NoError(t, err)
	tree := packaging.Tree{Root: dir, Source: "glance", Head: version.MustParse("1.2.0-1"), Series: series}

	res, err := NewEngine(fs, git.NewShellClient("", ""), testLogger(), false).Run(context.Background(), tree, content, version.MustParse("1.3.0-1"))
	require.NoError(t, err)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "stale.patch", res.Conflicts[0].Name)
	assert.True(t, applied(res.Tree.Series[2]), "verbose.patch builds on enable-debug.patch")

	// patches stay unapplied in the working tree
	got, err := os.ReadFile(filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG = False\n", string(got))
	assert.FileExists(t, filepath.Join(dir, "setup.cfg"))
}
