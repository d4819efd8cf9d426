package cyclops

import (
	"github.com/hupe1980/cyclops/engine"
	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/internal/lockfile"
	"github.com/hupe1980/cyclops/queue"
	"github.com/hupe1980/cyclops/recordstore"
)

// Kind classifies errors returned by cyclops. See package failure.
type Kind = failure.Kind

// Error kinds.
const (
	KindUnknown      = failure.KindUnknown
	KindContentFetch = failure.KindContentFetch
	KindTransport    = failure.KindTransport
	KindPersistence  = failure.KindPersistence
	KindInvariant    = failure.KindInvariant
	KindNotFound     = failure.KindNotFound
	KindInvalidInput = failure.KindInvalidInput
)

var (
	// ErrNotFound is returned when a fingerprint or URL has no record.
	ErrNotFound = recordstore.ErrNotFound

	// ErrWidthMismatch is returned when fingerprints of different widths meet.
	ErrWidthMismatch = fingerprint.ErrWidthMismatch

	// ErrLocked is returned by Open when another process uses the data directory.
	ErrLocked = lockfile.ErrLocked

	// ErrClosed is returned by queries after Close.
	ErrClosed = engine.ErrPoolClosed

	// ErrQueueClosed is returned by IngestURLs after Close.
	ErrQueueClosed = queue.ErrClosed
)

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind { return failure.KindOf(err) }

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool { return failure.Is(err, kind) }
