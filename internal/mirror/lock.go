package mirror

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrRootLocked = errors.New("mirror: root locked by another sync")

// rootLock keeps a second sync, in this process or another, out of a root.
type rootLock struct {
	flock *flock.Flock
}

func lockRoot(root string) (*rootLock, error) {
	fl := flock.New(filepath.Join(root, LockFile))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("mirror: lock %s: %w", root, err)
	}
	if !locked {
		return nil, ErrRootLocked
	}
	return &rootLock{flock: fl}, nil
}

// Unlock releases the lock. The lock file stays so every process contends on the same inode.
func (l *rootLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("mirror: unlock: %w", err)
	}
	return nil
}
