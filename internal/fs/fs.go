package fs

import (
	"io"
	"os"
)

// File is the subset of *os.File the insert journal uses: sequential reads on
// replay, appends, fsync, and truncation of a torn tail or after a persist.
type File interface {
	io.ReadWriteCloser
	io.Seeker
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// FileSystem opens journal files.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	MkdirAll(path string, perm os.FileMode) error
}

// LocalFS is the os-backed FileSystem.
type LocalFS struct{}

// OpenFile wraps os.OpenFile.
func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm) //nolint:gosec // G304: journal paths come from configuration
}

// MkdirAll wraps os.MkdirAll.
func (LocalFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

// Default is used when no FileSystem is configured.
var Default FileSystem = LocalFS{}
