package packaging

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeries(t *testing.T) {
	data := []byte(`# leading comment
drop-pbr.patch
fix-tests.patch -p1 # trailing comment

skip-network.patch
`)
	got, err := ParseSeries(data)
	require.NoError(t, err)

	want := []PatchRef{
		{Name: "drop-pbr.patch", Path: "debian/patches/drop-pbr.patch"},
		{Name: "fix-tests.patch", Path: "debian/patches/fix-tests.patch", Options: "-p1"},
		{Name: "skip-network.patch", Path: "debian/patches/skip-network.patch"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseSeries() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSeries_Rejects(t *testing.T) {
	for name, data := range map[string]string{
		"duplicate": "a.patch\na.patch\n",
		"escape":    "../../etc/passwd\n",
		"absolute":  "/tmp/x.patch\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSeries([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestReadSeries(t *testing.T) {
	fs := afero.NewMemMapFs()

	series, err := ReadSeries(fs, "/src/nova")
	require.NoError(t, err)
	assert.Empty(t, series)

	require.NoError(t, afero.WriteFile(fs, "/src/nova/"+SeriesPath, []byte("a.patch\nb.patch -p0\n"), 0644))

	out, err := ReadSeries(fs, "/src/nova")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b.patch", out[1].Name)
	assert.Equal(t, "-p0", out[1].Options)
	assert.Equal(t, "debian/patches/b.patch", out[1].Path)
}

func TestOwnership(t *testing.T) {
	o := Ownership{Upstream: true, Paths: []string{ChangelogPath}}

	assert.True(t, o.Owns("setup.py"))
	assert.True(t, o.Owns("nova/api/__init__.py"))
	assert.True(t, o.Owns("debian/changelog"))
	assert.False(t, o.Owns("debian/control"))
	assert.False(t, o.Owns("debian"))

	none := Ownership{Paths: []string{"debian/patches"}}
	assert.False(t, none.Owns("setup.py"))
	assert.True(t, none.Owns("debian/patches/series"))
	assert.False(t, none.Owns("debian/patchesfoo"))
}

func TestTree_CopiesDoNotAlias(t *testing.T) {
	base := Tree{Series: []PatchRef{{Name: "a.patch"}}}

	touched := base.WithTouched(ChangelogPath)
	assert.Empty(t, base.Touched.Paths)
	assert.Equal(t, []string{ChangelogPath}, touched.Touched.Paths)

	marked := base.WithSeries([]PatchRef{base.Series[0].WithApplied(false)})
	assert.Nil(t, base.Series[0].Applied)
	assert.Len(t, marked.Conflicts(), 1)
	assert.Empty(t, base.Conflicts())
}

func TestDiscoverUpstreamFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, p := range []string{
		"/c/setup.py",
		"/c/.gitignore",
		"/c/nova/__init__.py",
		"/c/nova/debian/notes.txt",
		"/c/debian/control",
		"/c/.git/HEAD",
	} {
		require.NoError(t, afero.WriteFile(fs, p, []byte("x"), 0644))
	}

	files, err := DiscoverUpstreamFiles(fs, "/c")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		".gitignore",
		"nova/__init__.py",
		"nova/debian/notes.txt",
		"setup.py",
	}, files)

	entries, err := UpstreamEntries(fs, "/c")
	require.NoError(t, err)
	assert.Equal(t, []string{".gitignore", "nova", "setup.py"}, entries)
}
