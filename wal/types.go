package wal

import (
	"time"

	"github.com/hupe1980/cyclops/internal/fs"
)

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync never fsyncs on append. Fastest; a crash can lose the
	// tail of the journal.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsyncs at GroupCommitInterval or every
	// GroupCommitMaxOps appends. Appends block until their batch is synced.
	DurabilityGroupCommit

	// DurabilitySync fsyncs after every append.
	DurabilitySync
)

// ParseDurabilityMode maps a configuration name to a DurabilityMode.
func ParseDurabilityMode(s string) (DurabilityMode, bool) {
	switch s {
	case "async":
		return DurabilityAsync, true
	case "", "group", "group_commit":
		return DurabilityGroupCommit, true
	case "sync":
		return DurabilitySync, true
	default:
		return 0, false
	}
}

func (m DurabilityMode) String() string {
	switch m {
	case DurabilityAsync:
		return "async"
	case DurabilityGroupCommit:
		return "group_commit"
	case DurabilitySync:
		return "sync"
	default:
		return "unknown"
	}
}

// Entry is one journaled insert.
type Entry struct {
	SeqNum      uint64
	ID          string
	Fingerprint []byte
}

// Options contains configuration for the WAL.
type Options struct {
	// Path is the directory where WAL files are stored.
	Path string

	// Name is the file name stem; the journal lives at Path/Name.wal.
	Name string

	// DurabilityMode controls fsync behavior (Async, GroupCommit, Sync).
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum time to wait before fsync in GroupCommit mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the maximum number of appends batched before fsync in GroupCommit mode.
	GroupCommitMaxOps int

	// FileSystem opens the journal file. nil selects the local file system.
	FileSystem fs.FileSystem
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Path:                ".",
	Name:                "cyclops",
	DurabilityMode:      DurabilityGroupCommit,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
