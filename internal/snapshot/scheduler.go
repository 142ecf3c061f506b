// Package snapshot decides when a development snapshot is due and keeps
// the record of the last operation per package.
package snapshot

import (
	"fmt"
	"strings"
	"time"

	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/upstream"
	"github.com/schaermu/uosp/internal/version"
)

// Policy controls how often snapshots are taken.
type Policy struct {
	// MinInterval is the minimum age of the changelog head before another
	// snapshot is taken. Zero disables the check.
	MinInterval time.Duration
	// OnlyIfUpstreamChanged skips snapshots of an upstream commit that is
	// already packaged.
	OnlyIfUpstreamChanged bool
}

// Decision is the outcome of IsDue.
type Decision struct {
	Due    bool
	Reason string
}

// Scheduler evaluates a Policy against a tree and the latest upstream state.
type Scheduler struct {
	store *Store
}

// NewScheduler creates a scheduler. store may be nil, in which case only
// the changelog head is consulted.
func NewScheduler(store *Store) *Scheduler {
	return &Scheduler{store: store}
}

// IsDue reports whether a new snapshot of latest should be taken on top of
// tree at now.
func (s *Scheduler) IsDue(tree packaging.Tree, policy Policy, latest upstream.Ref, now time.Time) (Decision, error) {
	if policy.MinInterval > 0 && !tree.HeadDate.IsZero() {
		if age := now.Sub(tree.HeadDate); age < policy.MinInterval {
			return Decision{Reason: fmt.Sprintf("last changelog entry is %s old, minimum interval is %s",
				age.Truncate(time.Second), policy.MinInterval)}, nil
		}
	}

	if policy.OnlyIfUpstreamChanged {
		recorded, err := s.recordedCommit(tree)
		if err != nil {
			return Decision{}, err
		}
		if sameCommit(recorded, latest.Commit) {
			return Decision{Reason: fmt.Sprintf("upstream is still at %s, already packaged as %s",
				latest.ShortCommit(), tree.Head)}, nil
		}
	}

	return Decision{Due: true, Reason: "upstream has new commits"}, nil
}

// recordedCommit returns the upstream commit the tree head was built from:
// the commit embedded in a snapshot version, or the stored record when it
// describes the same version.
func (s *Scheduler) recordedCommit(tree packaging.Tree) (string, error) {
	if tree.Head.Snapshot != nil && tree.Head.Snapshot.Commit != "" {
		return tree.Head.Snapshot.Commit, nil
	}
	if s.store == nil {
		return "", nil
	}

	rec, ok, err := s.store.Load(tree.Source)
	if err != nil || !ok {
		return "", err
	}
	recorded, err := version.Parse(rec.Version)
	if err != nil || !recorded.Equal(tree.Head) {
		return "", nil
	}
	return rec.UpstreamCommit, nil
}

// sameCommit matches an abbreviated commit against a full one.
func sameCommit(recorded, latest string) bool {
	if len(recorded) < 4 || latest == "" {
		return false
	}
	if len(recorded) > len(latest) {
		recorded, latest = latest, recorded
	}
	return strings.HasPrefix(latest, recorded)
}
