// Package changelog reads and writes debian/changelog.
package changelog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	debchangelog "pault.ag/go/debian/changelog"

	"github.com/schaermu/uosp/internal/version"
)

// ErrMalformedChangelog is returned when debian/changelog cannot be parsed.
var ErrMalformedChangelog = errors.New("malformed changelog")

// DateLayout is the date format of changelog trailer lines.
const DateLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// Entry is one changelog stanza.
type Entry struct {
	Source       string
	Version      version.Version
	Distribution string
	Urgency      string
	Changes      []string // bullet texts without the leading "  * "
	Maintainer   string   // "Full Name <email>"
	Date         time.Time
}

var (
	trailerRe    = regexp.MustCompile(`^ -- (.+? <[^>]*>)  (.+)$`)
	maintainerRe = regexp.MustCompile(`^.+ <[^>]*>$`)
)

// dateLayouts are the trailer date forms dpkg accepts. debchange writes
// the first one.
var dateLayouts = []string{
	DateLayout,
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// Parse reads every entry of a changelog, newest first.
func Parse(r io.Reader) ([]Entry, error) {
	return parse(r, 0)
}

// ParseHead reads the newest entry of a changelog.
func ParseHead(r io.Reader) (Entry, error) {
	entries, err := parse(r, 1)
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

func parse(r io.Reader, limit int) ([]Entry, error) {
	br, err := normalizeTrailers(r)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for limit == 0 || len(entries) < limit {
		more, err := skipBlankLines(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read changelog: %w", err)
		}
		if !more {
			break
		}

		raw, err := debchangelog.ParseOne(br)
		if err != nil {
			// dpkg tolerates trailing free-form history (e.g. old
			// entries in obsolete formats) once an entry was read.
			if len(entries) > 0 && !errors.Is(err, io.EOF) {
				return entries, nil
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("entry has no trailer")
			}
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformedChangelog, len(entries)+1, err)
		}

		e, err := fromDebian(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformedChangelog, len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrMalformedChangelog)
	}
	return entries, nil
}

// fromDebian converts a parsed stanza, checking its version against the
// packaging version rules.
func fromDebian(raw *debchangelog.ChangelogEntry) (Entry, error) {
	v, err := version.Parse(raw.Version.String())
	if err != nil {
		return Entry{}, err
	}
	if !maintainerRe.MatchString(raw.ChangedBy) {
		return Entry{}, fmt.Errorf("bad maintainer %q", raw.ChangedBy)
	}
	return Entry{
		Source:       raw.Source,
		Version:      v,
		Distribution: raw.Target,
		Urgency:      raw.Arguments["urgency"],
		Changes:      splitChanges(raw.Changelog),
		Maintainer:   raw.ChangedBy,
		Date:         raw.When,
	}, nil
}

// splitChanges turns the body of a stanza into bullet texts. Continuation
// lines are joined to their bullet; "[ Name ]" section markers are kept as
// items of their own.
func splitChanges(body string) []string {
	var changes []string
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "  * "):
			changes = append(changes, strings.TrimPrefix(line, "  * "))
		case strings.TrimSpace(line) == "":
		default:
			text := strings.TrimSpace(line)
			if n := len(changes); n > 0 && !strings.HasPrefix(text, "[") {
				changes[n-1] += "\n" + text
			} else {
				changes = append(changes, text)
			}
		}
	}
	return changes
}

// normalizeTrailers rewrites trailer dates to the two-digit day form that
// debchangelog.ParseOne requires and terminates the last line.
func normalizeTrailers(r io.Reader) (*bufio.Reader, error) {
	var b bytes.Buffer
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if m := trailerRe.FindStringSubmatch(line); m != nil {
			if date, err := parseDate(m[2]); err == nil {
				line = " -- " + m[1] + "  " + date.Format(DateLayout)
			}
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changelog: %w", err)
	}
	return bufio.NewReader(&b), nil
}

// skipBlankLines consumes empty lines and reports whether anything is left.
func skipBlankLines(br *bufio.Reader) (bool, error) {
	for {
		c, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if c != '\n' {
			return true, br.UnreadByte()
		}
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad date %q", s)
}

// Format renders e as a changelog stanza followed by a blank line.
func (e Entry) Format() string {
	var b strings.Builder
	urgency := e.Urgency
	if urgency == "" {
		urgency = "medium"
	}
	fmt.Fprintf(&b, "%s (%s) %s; urgency=%s\n\n", e.Source, e.Version, e.Distribution, urgency)
	for _, c := range e.Changes {
		lines := strings.Split(c, "\n")
		if strings.HasPrefix(lines[0], "[") {
			fmt.Fprintf(&b, "  %s\n", lines[0])
		} else {
			fmt.Fprintf(&b, "  * %s\n", lines[0])
		}
		for _, l := range lines[1:] {
			fmt.Fprintf(&b, "    %s\n", l)
		}
	}
	fmt.Fprintf(&b, "\n -- %s  %s\n\n", e.Maintainer, e.Date.Format(DateLayout))
	return b.String()
}
