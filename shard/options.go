package shard

import (
	"log/slog"

	"github.com/hupe1980/cyclops/blobstore"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/internal/fs"
	"github.com/hupe1980/cyclops/internal/mvp"
	"github.com/hupe1980/cyclops/observability"
	"github.com/hupe1980/cyclops/persistence"
	"github.com/hupe1980/cyclops/recordstore"
	"github.com/hupe1980/cyclops/resource"
	"github.com/hupe1980/cyclops/wal"
)

// Options configures a shard Index.
type Options struct {
	// LeafCapacity is the metric tree bucket size.
	LeafCapacity int

	// Width is the fingerprint width in bytes.
	Width int

	// Compression is applied to the tree payload of the shard file.
	Compression persistence.Compression

	// Blobs holds the shard files. Required.
	Blobs blobstore.Store

	// JournalDir enables the insert journal when non-empty.
	JournalDir string

	// JournalDurability controls journal fsync behavior.
	JournalDurability wal.DurabilityMode

	// JournalFS opens the journal file. nil selects the local file system.
	JournalFS fs.FileSystem

	// Resources bounds concurrent persists and their write rate. May be nil.
	Resources *resource.Controller

	// Logger receives shard events.
	Logger *slog.Logger

	// Metrics receives persist timings and shard sizes.
	Metrics observability.Collector

	// Counters receives the StatDBSaved counter of the shard worker. May be nil.
	Counters recordstore.Counter
}

// DefaultOptions contains the default shard options.
var DefaultOptions = Options{
	LeafCapacity:      mvp.DefaultLeafCapacity,
	Width:             fingerprint.DefaultWidth,
	Compression:       persistence.CompressionZSTD,
	JournalDurability: wal.DurabilityGroupCommit,
}
