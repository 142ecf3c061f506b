package version

import debversion "pault.ag/go/debian/version"

// Compare returns -1, 0 or +1 depending on whether a sorts before, equal to
// or after b. Fields are compared in order: epoch, upstream, debian
// revision, snapshot presence (a snapshot sorts before the release), then
// snapshot date and sequence.
//
// Snapshot.Commit takes no part in the ordering, so two snapshots that
// differ only in their commit compare as 0. Use Version.Equal to tell them
// apart.
func Compare(a, b Version) int {
	if c := cmpInt(a.Epoch, b.Epoch); c != 0 {
		return c
	}
	if c := CompareFragment(a.Upstream, b.Upstream); c != 0 {
		return c
	}
	if c := CompareFragment(a.Revision.String(), b.Revision.String()); c != 0 {
		return c
	}
	switch {
	case a.Snapshot == nil && b.Snapshot == nil:
		return 0
	case a.Snapshot == nil:
		return 1
	case b.Snapshot == nil:
		return -1
	}
	if c := cmpString(a.Snapshot.Date, b.Snapshot.Date); c != 0 {
		return c
	}
	return cmpInt(a.Snapshot.Sequence, b.Snapshot.Sequence)
}

// CompareFragment compares two upstream or revision fragments with the
// dpkg algorithm: alternating runs of non-digits (compared by character
// weight, '~' lowest) and digits (compared numerically).
func CompareFragment(a, b string) int {
	return cmpInt(debversion.Compare(debversion.Version{Version: a}, debversion.Version{Version: b}), 0)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
