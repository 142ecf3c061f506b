package snapshot

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/upstream"
	"github.com/schaermu/uosp/internal/version"
)

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func tree(head string, age time.Duration) packaging.Tree {
	return packaging.Tree{
		Root:     "/work/glance",
		Source:   "glance",
		Head:     version.MustParse(head),
		HeadDate: now.Add(-age),
	}
}

func TestIsDue(t *testing.T) {
	latest := upstream.Ref{Kind: upstream.KindSnapshot, Commit: "86823b5c0f1e2d3c4b5a69788796a5b4c3d2e1f0"}

	tests := []struct {
		name   string
		tree   packaging.Tree
		policy Policy
		due    bool
	}{
		{
			name: "no policy",
			tree: tree("1.3.0~git20261017.1.86823b5c-1", time.Minute),
			due:  true,
		},
		{
			name:   "too recent",
			tree:   tree("1.2.0-1", time.Hour),
			policy: Policy{MinInterval: 24 * time.Hour},
		},
		{
			name:   "old enough",
			tree:   tree("1.2.0-1", 25*time.Hour),
			policy: Policy{MinInterval: 24 * time.Hour},
			due:    true,
		},
		{
			name:   "upstream unchanged",
			tree:   tree("1.3.0~git20261017.1.86823b5c-1", 48*time.Hour),
			policy: Policy{OnlyIfUpstreamChanged: true},
		},
		{
			name:   "upstream moved",
			tree:   tree("1.3.0~git20261017.1.aaaabbbb-1", 48*time.Hour),
			policy: Policy{OnlyIfUpstreamChanged: true},
			due:    true,
		},
		{
			name:   "release head without record",
			tree:   tree("1.2.0-1", 48*time.Hour),
			policy: Policy{OnlyIfUpstreamChanged: true},
			due:    true,
		},
		{
			name:   "snapshot without commit",
			tree:   tree("1.3.0~git20261017.1-1", 48*time.Hour),
			policy: Policy{OnlyIfUpstreamChanged: true, MinInterval: time.Hour},
			due:    true,
		},
	}

	s := NewScheduler(NewStore(afero.NewMemMapFs(), "/state/records"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.IsDue(tt.tree, tt.policy, latest, now)
			require.NoError(t, err)
			assert.Equal(t, tt.due, got.Due, got.Reason)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestIsDue_UsesRecordForReleaseHead(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/state/records")
	require.NoError(t, store.Save(Record{
		Package:        "glance",
		Kind:           OperationRebase,
		Version:        "1.2.0-1",
		UpstreamCommit: "0123456789abcdef0123456789abcdef01234567",
		At:             now.Add(-72 * time.Hour),
	}))
	s := NewScheduler(store)
	policy := Policy{OnlyIfUpstreamChanged: true}

	got, err := s.IsDue(tree("1.2.0-1", 72*time.Hour), policy, upstream.Ref{Commit: "0123456789abcdef0123456789abcdef01234567"}, now)
	require.NoError(t, err)
	assert.False(t, got.Due)

	got, err = s.IsDue(tree("1.2.0-1", 72*time.Hour), policy, upstream.Ref{Commit: "fedcba9876543210fedcba9876543210fedcba98"}, now)
	require.NoError(t, err)
	assert.True(t, got.Due)

	// a record of another version says nothing about the current head
	got, err = s.IsDue(tree("1.2.0-2", 72*time.Hour), policy, upstream.Ref{Commit: "0123456789abcdef0123456789abcdef01234567"}, now)
	require.NoError(t, err)
	assert.True(t, got.Due)
}

func TestIsDue_RecordMustMatchHeadExactly(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/state/records")
	commit := "aaaa1111aaaa1111aaaa1111aaaa1111aaaa1111"
	require.NoError(t, store.Save(Record{
		Package:        "glance",
		Kind:           OperationSnapshot,
		Version:        "1.3.0~git20261017.1.aaaa1111-1",
		UpstreamCommit: commit,
		At:             now.Add(-72 * time.Hour),
	}))

	// sorts equal to the recorded version but names no commit
	head := tree("1.3.0~git20261017.1-1", 72*time.Hour)
	require.Equal(t, 0, version.Compare(head.Head, version.MustParse("1.3.0~git20261017.1.aaaa1111-1")))

	got, err := NewScheduler(store).IsDue(head, Policy{OnlyIfUpstreamChanged: true}, upstream.Ref{Commit: commit}, now)
	require.NoError(t, err)
	assert.True(t, got.Due, got.Reason)
}

func TestIsDue_NilStore(t *testing.T) {
	got, err := NewScheduler(nil).IsDue(tree("1.2.0-1", time.Hour), Policy{OnlyIfUpstreamChanged: true}, upstream.Ref{Commit: "abcdef12"}, now)
	require.NoError(t, err)
	assert.True(t, got.Due)
}

func TestStore_SaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/state/records")

	_, ok, err := store.Load("glance")
	require.NoError(t, err)
	assert.False(t, ok)

	first := Record{Package: "glance", Kind: OperationSnapshot, Version: "1.3.0~git20261017.1.86823b5c-1", UpstreamCommit: "86823b5c", At: now}
	require.NoError(t, store.Save(first))
	second := first
	second.Version = "1.3.0~git20261017.2.99999999-1"
	second.UpstreamCommit = "99999999"
	require.NoError(t, store.Save(second))

	got, ok, err := store.Load("glance")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Version, got.Version)
	assert.Equal(t, second.UpstreamCommit, got.UpstreamCommit)
	assert.True(t, got.At.Equal(now))

	entries, err := afero.ReadDir(fs, "/state/records")
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "glance.json", entries[0].Name())
}

func TestStore_CorruptRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/records/glance.json", []byte("{not json"), 0644))
	_, _, err := NewStore(fs, "/state/records").Load("glance")
	assert.Error(t, err)
}

func TestStore_RejectsBadNames(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/state/records")
	for _, name := range []string{"", "../etc", "a/b", ".hidden"} {
		assert.Error(t, store.Save(Record{Package: name}), name)
	}
}

func TestSameCommit(t *testing.T) {
	assert.True(t, sameCommit("86823b5c", "86823b5c0f1e"))
	assert.True(t, sameCommit("86823b5c0f1e", "86823b5c"))
	assert.False(t, sameCommit("", "86823b5c"))
	assert.False(t, sameCommit("868", "86823b5c"))
	assert.False(t, sameCommit("86823b5c", ""))
	assert.False(t, sameCommit("aaaabbbb", "86823b5c"))
}
