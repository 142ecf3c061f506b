package changelog

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/uosp/internal/packaging"
	"github.com/schaermu/uosp/internal/version"
)

// ErrVersionNotGreater is returned when a new entry would not sort after
// the current head of the changelog.
var ErrVersionNotGreater = errors.New("new version is not greater than changelog head")

// Defaults applied to entries that leave the field empty.
const (
	DefaultDistribution = "UNRELEASED"
	DefaultUrgency      = "medium"
)

// Writer prepends entries to the changelog of a packaging tree.
type Writer struct {
	fs  afero.Fs
	now func() time.Time
}

// NewWriter creates a Writer operating on fs.
func NewWriter(fs afero.Fs) *Writer {
	return &Writer{fs: fs, now: time.Now}
}

// WithClock returns a copy of w that stamps entries using now.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	c := *w
	c.now = now
	return &c
}

// Read parses the head entry of the changelog of the tree rooted at root.
func (w *Writer) Read(root string) (Entry, error) {
	f, err := w.fs.Open(packaging.Tree{Root: root}.Abs(packaging.ChangelogPath))
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open changelog: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return ParseHead(f)
}

// Append prepends a stanza for v to the changelog and returns the updated
// tree. Source defaults to the current head's source; Distribution, Urgency
// and Date default to DefaultDistribution, DefaultUrgency and the current
// time.
func (w *Writer) Append(tree packaging.Tree, v version.Version, e Entry) (packaging.Tree, error) {
	path := tree.Abs(packaging.ChangelogPath)
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		return tree, fmt.Errorf("failed to read changelog: %w", err)
	}
	head, err := ParseHead(bytes.NewReader(data))
	if err != nil {
		return tree, err
	}

	if !head.Version.Less(v) {
		return tree, fmt.Errorf("%w: %s <= %s", ErrVersionNotGreater, v, head.Version)
	}
	if !tree.Head.Less(v) {
		return tree, fmt.Errorf("%w: %s <= %s", ErrVersionNotGreater, v, tree.Head)
	}

	e.Version = v
	if e.Source == "" {
		e.Source = head.Source
	}
	if e.Distribution == "" {
		e.Distribution = DefaultDistribution
	}
	if e.Urgency == "" {
		e.Urgency = DefaultUrgency
	}
	if e.Date.IsZero() {
		e.Date = w.now()
	}
	if e.Maintainer == "" {
		return tree, errors.New("changelog entry has no maintainer")
	}
	if len(e.Changes) == 0 {
		return tree, errors.New("changelog entry has no changes")
	}

	var out bytes.Buffer
	out.WriteString(e.Format())
	out.Write(data)

	info, err := w.fs.Stat(path)
	if err != nil {
		return tree, fmt.Errorf("failed to stat changelog: %w", err)
	}
	if err := afero.WriteFile(w.fs, path, out.Bytes(), info.Mode().Perm()); err != nil {
		return tree, fmt.Errorf("failed to write changelog: %w", err)
	}

	next := tree.WithTouched(packaging.ChangelogPath)
	next.Source = e.Source
	next.Head = v
	next.HeadDistribution = e.Distribution
	next.HeadDate = e.Date
	return next, nil
}
