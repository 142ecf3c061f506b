package repostate

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrTreeLocked is returned when another operation holds the working tree.
var ErrTreeLocked = errors.New("working tree is locked by another operation")

// LockFile is the lease file, relative to the tree root.
const LockFile = ".git/uosp.lock"

// Lock takes an exclusive lease on the working tree at root. The returned
// function releases it. The kernel drops the lease if the process dies.
func Lock(root string) (func() error, error) {
	fl := flock.New(filepath.Join(root, filepath.FromSlash(LockFile)))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", root, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTreeLocked, root)
	}
	return fl.Unlock, nil
}
