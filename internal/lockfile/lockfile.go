// Package lockfile guards a data directory against concurrent processes.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Name is the lock file created inside a data directory.
const Name = "LOCK"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lockfile: directory is locked by another process")

// Lock is an exclusive lock on a directory.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on dir, creating dir when
// needed. The holder's pid is written into the lock file.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: %w", err)
	}

	path := filepath.Join(dir, Name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: %w", err)
	}

	if err := lock(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil

	err := unlock(f)
	return errors.Join(err, f.Close())
}
