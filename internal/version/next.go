package version

import (
	"fmt"
	"regexp"
	"time"
)

var commitRe = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

// NextRebase returns the version for a rebase of current onto a new
// upstream release. The epoch and revision prefix are kept, the revision
// counter restarts at Baseline and any snapshot component is dropped.
func NextRebase(current Version, newUpstream string) (Version, error) {
	if err := ValidateUpstream(newUpstream); err != nil {
		return Version{}, err
	}
	return Version{
		Epoch:    current.Epoch,
		Upstream: newUpstream,
		Revision: Revision{Prefix: current.Revision.Prefix, Number: Baseline},
	}, nil
}

// NextSnapshot returns the version for a snapshot taken at asOf.
//
// upstream is the release the snapshot leads up to. It may be empty when
// current is already a snapshot, in which case the current upstream is
// kept. When current is a final release, upstream must be strictly newer
// than current's upstream, otherwise the snapshot would sort before the
// release and ErrNotASnapshotCandidate is returned.
//
// A snapshot on the same UTC day and upstream as current increments the
// sequence; any other snapshot starts at sequence 1. The revision counter
// restarts at Baseline unless that would make the result sort before
// current.
func NextSnapshot(current Version, asOf time.Time, upstream, commit string) (Version, error) {
	target := current.Upstream
	if upstream != "" {
		if err := ValidateUpstream(upstream); err != nil {
			return Version{}, err
		}
		target = upstream
	}

	c := CompareFragment(target, current.Upstream)
	switch {
	case current.Snapshot == nil && c <= 0:
		return Version{}, fmt.Errorf("%w: %s is a release and %q is not a newer upstream version",
			ErrNotASnapshotCandidate, current, target)
	case c < 0:
		return Version{}, fmt.Errorf("%w: %q sorts before current upstream %q",
			ErrNotASnapshotCandidate, target, current.Upstream)
	}

	if commit != "" && !commitRe.MatchString(commit) {
		return Version{}, fmt.Errorf("%w: bad snapshot commit %q", ErrMalformedVersion, commit)
	}

	date := asOf.UTC().Format(dateLayout)
	seq := 1
	if current.Snapshot != nil && c == 0 && current.Snapshot.Date == date {
		seq = current.Snapshot.Sequence + 1
	}

	next := Version{
		Epoch:    current.Epoch,
		Upstream: target,
		Revision: Revision{Prefix: current.Revision.Prefix, Number: Baseline},
		Snapshot: &Snapshot{Date: date, Sequence: seq, Commit: commit},
	}
	// A snapshot of the same upstream keeps a revision that was already
	// bumped past the baseline, so the result still sorts after current.
	if !current.Less(next) {
		next.Revision = current.Revision
	}
	if !current.Less(next) {
		return Version{}, fmt.Errorf("%w: %s does not sort after %s", ErrNotASnapshotCandidate, next, current)
	}
	return next, nil
}
