// Package version models Debian package versions as used by OpenStack
// packaging: an optional epoch, an upstream version that may carry a
// dated git snapshot suffix, and a Debian revision.
//
// The string form is
//
//	[epoch:]upstream[~git<YYYYMMDD>.<sequence>[.<commit>]]-<prefix><number>
//
// e.g. "2:19.0.0~git20261017.2.86823b5c-0ubuntu1".
package version

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	debversion "pault.ag/go/debian/version"
)

var (
	// ErrMalformedVersion is returned when a version string cannot be parsed.
	ErrMalformedVersion = errors.New("malformed version")

	// ErrNotASnapshotCandidate is returned when a snapshot would not sort
	// after the current version.
	ErrNotASnapshotCandidate = errors.New("not a snapshot candidate")
)

// Baseline is the revision number a fresh packaging cycle starts at.
const Baseline = 1

// dateLayout is the layout of Snapshot.Date.
const dateLayout = "20060102"

// Revision is the Debian revision, split into the non-numeric prefix and
// the trailing counter ("0ubuntu3" -> {"0ubuntu", 3}).
type Revision struct {
	Prefix string
	Number int
}

func (r Revision) String() string {
	return r.Prefix + strconv.Itoa(r.Number)
}

// Snapshot identifies a development snapshot taken between releases.
type Snapshot struct {
	Date     string // UTC day, YYYYMMDD
	Sequence int    // 1-based counter within Date
	Commit   string // abbreviated upstream commit, informational only
}

func (s Snapshot) suffix() string {
	out := fmt.Sprintf("~git%s.%d", s.Date, s.Sequence)
	if s.Commit != "" {
		out += "." + s.Commit
	}
	return out
}

// Version is an immutable package version.
type Version struct {
	Epoch    int
	Upstream string
	Revision Revision
	Snapshot *Snapshot
}

var (
	snapshotRe = regexp.MustCompile(`^(.+)~git([0-9]{8})\.([0-9]+)(?:\.([0-9a-f]{4,40}))?$`)
	revisionRe = regexp.MustCompile(`^(.*?)([0-9]+)$`)
	upstreamRe = regexp.MustCompile(`^[0-9][A-Za-z0-9.+~-]*$`)
	prefixRe   = regexp.MustCompile(`^([A-Za-z0-9.+~]*[A-Za-z.+~])?$`)
)

// Parse parses a full version string. The split into epoch, upstream and
// revision follows dpkg; the revision must end in a counter.
func Parse(raw string) (Version, error) {
	var v Version
	if strings.TrimSpace(raw) == "" {
		return v, fmt.Errorf("%w: empty string", ErrMalformedVersion)
	}

	dv, err := debversion.Parse(raw)
	if err != nil {
		return v, fmt.Errorf("%w: %q: %v", ErrMalformedVersion, raw, err)
	}
	if dv.Revision == "" {
		return v, fmt.Errorf("%w: %q has no debian revision", ErrMalformedVersion, raw)
	}
	v.Epoch = int(dv.Epoch)
	upstream, rev := dv.Version, dv.Revision

	m := revisionRe.FindStringSubmatch(rev)
	if m == nil || !prefixRe.MatchString(m[1]) {
		return v, fmt.Errorf("%w: bad revision %q", ErrMalformedVersion, rev)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return v, fmt.Errorf("%w: bad revision %q", ErrMalformedVersion, rev)
	}
	v.Revision = Revision{Prefix: m[1], Number: n}

	if sm := snapshotRe.FindStringSubmatch(upstream); sm != nil {
		seq, err := strconv.Atoi(sm[3])
		if err != nil || seq < 1 {
			return v, fmt.Errorf("%w: bad snapshot sequence in %q", ErrMalformedVersion, raw)
		}
		if _, err := time.Parse(dateLayout, sm[2]); err != nil {
			return v, fmt.Errorf("%w: bad snapshot date in %q", ErrMalformedVersion, raw)
		}
		upstream = sm[1]
		v.Snapshot = &Snapshot{Date: sm[2], Sequence: seq, Commit: sm[4]}
	}

	if err := ValidateUpstream(upstream); err != nil {
		return v, err
	}
	v.Upstream = upstream
	return v, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(raw string) Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateUpstream checks that s is usable as the upstream part of a
// version.
func ValidateUpstream(s string) error {
	if !upstreamRe.MatchString(s) {
		return fmt.Errorf("%w: bad upstream version %q", ErrMalformedVersion, s)
	}
	if snapshotRe.MatchString(s) {
		return fmt.Errorf("%w: upstream version %q already carries a snapshot suffix", ErrMalformedVersion, s)
	}
	return nil
}

// String renders the version in Debian syntax.
func (v Version) String() string {
	var b strings.Builder
	if v.Epoch > 0 {
		b.WriteString(strconv.Itoa(v.Epoch))
		b.WriteByte(':')
	}
	b.WriteString(v.UpstreamString())
	b.WriteByte('-')
	b.WriteString(v.Revision.String())
	return b.String()
}

// UpstreamString returns the upstream part including any snapshot suffix,
// which is the version the orig tarball is named after.
func (v Version) UpstreamString() string {
	if v.Snapshot == nil {
		return v.Upstream
	}
	return v.Upstream + v.Snapshot.suffix()
}

// WithoutEpoch returns the version string with the epoch stripped, as used
// in artifact file names.
func (v Version) WithoutEpoch() string {
	v.Epoch = 0
	return v.String()
}

// Equal reports whether v and o are the same version, including the
// informational snapshot commit. It is stricter than Compare(v, o) == 0,
// which ignores the commit.
func (v Version) Equal(o Version) bool {
	if Compare(v, o) != 0 {
		return false
	}
	if v.Upstream != o.Upstream || v.Revision != o.Revision {
		return false
	}
	if (v.Snapshot == nil) != (o.Snapshot == nil) {
		return false
	}
	return v.Snapshot == nil || *v.Snapshot == *o.Snapshot
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return Compare(v, o) < 0
}

// UpstreamFromTag derives an upstream version from a release tag name,
// e.g. "v19.0.1" -> "19.0.1".
func UpstreamFromTag(tag string) (string, error) {
	s := strings.TrimSpace(tag)
	s = strings.TrimPrefix(s, "refs/tags/")
	for _, p := range []string{"release-", "v", "V"} {
		if strings.HasPrefix(s, p) && len(s) > len(p) && s[len(p)] >= '0' && s[len(p)] <= '9' {
			s = s[len(p):]
			break
		}
	}
	if err := ValidateUpstream(s); err != nil {
		return "", err
	}
	return s, nil
}
