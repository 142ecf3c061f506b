package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Operation is the kind of run a Record describes.
type Operation string

const (
	OperationRebase   Operation = "rebase"
	OperationSnapshot Operation = "snapshot"
)

// Record is the last successful rebase or snapshot of a package.
type Record struct {
	Package        string    `json:"package"`
	Kind           Operation `json:"kind"`
	Version        string    `json:"version"`
	UpstreamCommit string    `json:"upstream_commit"`
	At             time.Time `json:"at"`
}

// Store keeps one Record per package as a JSON file in dir.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

func (s *Store) path(pkg string) (string, error) {
	if pkg == "" || strings.ContainsAny(pkg, `/\`) || strings.HasPrefix(pkg, ".") {
		return "", fmt.Errorf("invalid package name %q", pkg)
	}
	return filepath.Join(s.dir, pkg+".json"), nil
}

// Load returns the record of pkg. The boolean is false when none exists.
func (s *Store) Load(pkg string) (Record, bool, error) {
	p, err := s.path(pkg)
	if err != nil {
		return Record{}, false, err
	}

	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("failed to parse record %s: %w", p, err)
	}
	return rec, true, nil
}

// Save replaces the record of rec.Package. The file is written to a
// temporary name and renamed into place.
func (s *Store) Save(rec Record) error {
	p, err := s.path(rec.Package)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, s.dir, ".uosp-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := s.fs.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}
