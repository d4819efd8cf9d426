// Package shard implements the shard index: one metric tree per named shard,
// guarded by a single mutex, with a dirty flag and durable persistence.
//
// Insert, Query, Add and Persist all hold the shard mutex for their full
// duration, so operations on one shard are strictly serialized while different
// shards proceed in parallel.
package shard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/cyclops/blobstore"
	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/internal/mvp"
	"github.com/hupe1980/cyclops/observability"
	"github.com/hupe1980/cyclops/persistence"
	"github.com/hupe1980/cyclops/recordstore"
	"github.com/hupe1980/cyclops/resource"
	"github.com/hupe1980/cyclops/wal"
)

// DefaultQueryLimit is the per-shard result bound used when a query passes limit 0.
const DefaultQueryLimit = 65535

// StatDBSaved counts successful shard file writes in the worker counter category.
const StatDBSaved = "db_saved"

// MaxURLLen is the longest URL a shard indexes. It stays below the ID bound of
// both the shard file and the journal so every accepted point reloads.
const MaxURLLen = 8 << 10

// ValidateURL rejects an empty URL or one longer than MaxURLLen.
func ValidateURL(url string) error {
	if url == "" {
		return failure.Errorf(failure.KindInvalidInput, "shard.validate_url", "empty url")
	}
	if len(url) > MaxURLLen {
		return failure.Errorf(failure.KindInvalidInput, "shard.validate_url", "url of %d bytes exceeds %d", len(url), MaxURLLen)
	}
	return nil
}

// Point is an indexed (URL, fingerprint) pair.
type Point = mvp.Point

// FileName returns the blob name of the shard file for name.
func FileName(name string) string { return name + fileSuffix }

// Index is a single shard.
type Index struct {
	name string
	opts Options

	mu          sync.Mutex
	tree        *mvp.Tree
	dirty       bool
	journal     *wal.WAL
	lastPersist time.Time
	persists    int64
	closed      bool

	logger  *slog.Logger
	metrics observability.Collector
}

// Open loads shard name from its file in Options.Blobs, or starts an empty tree
// when the file does not exist. A corrupt file is a fatal persistence error for
// this shard. When the journal is enabled its entries are replayed on top.
func Open(ctx context.Context, name string, optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if name == "" {
		return nil, failure.Errorf(failure.KindInvalidInput, "shard.open", "empty shard name")
	}
	if opts.Blobs == nil {
		return nil, failure.Errorf(failure.KindInvalidInput, "shard.open", "shard %s: no blob store", name)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopCollector{}
	}

	idx := &Index{
		name:    name,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("shard", name)),
		metrics: opts.Metrics,
	}

	tree, err := idx.load(ctx)
	if err != nil {
		return nil, err
	}
	idx.tree = tree

	if opts.JournalDir != "" {
		if err := idx.openJournal(); err != nil {
			return nil, err
		}
	}

	idx.metrics.SetShardSize(name, idx.tree.Len())
	idx.logger.Info("shard loaded",
		slog.Int("points", idx.tree.Len()),
		slog.Int("depth", idx.tree.Depth()),
		slog.Bool("dirty", idx.dirty),
	)
	return idx, nil
}

func (idx *Index) load(ctx context.Context) (*mvp.Tree, error) {
	data, err := idx.opts.Blobs.Get(ctx, FileName(idx.name))
	if errors.Is(err, blobstore.ErrNotFound) {
		tree, err := mvp.New(idx.opts.LeafCapacity, idx.opts.Width)
		if err != nil {
			return nil, failure.New(failure.KindInvalidInput, "shard.open", err)
		}
		return tree, nil
	}
	if err != nil {
		return nil, failure.New(failure.KindPersistence, "shard.open", fmt.Errorf("shard %s: read: %w", idx.name, err))
	}

	tree, header, err := persistence.UnmarshalShard(data)
	if err != nil {
		return nil, failure.New(failure.KindPersistence, "shard.open", fmt.Errorf("shard %s: %w", idx.name, err))
	}
	if int(header.Width) != idx.opts.Width {
		return nil, failure.Errorf(failure.KindInvariant, "shard.open",
			"shard %s: file width %d, configured width %d", idx.name, header.Width, idx.opts.Width)
	}
	return tree, nil
}

func (idx *Index) openJournal() error {
	j, err := wal.New(func(o *wal.Options) {
		o.Path = idx.opts.JournalDir
		o.Name = idx.name
		o.DurabilityMode = idx.opts.JournalDurability
		o.FileSystem = idx.opts.JournalFS
	})
	if err != nil {
		return failure.New(failure.KindPersistence, "shard.open", fmt.Errorf("shard %s: journal: %w", idx.name, err))
	}
	if cut := j.Recovered(); cut > 0 {
		idx.logger.Warn("journal torn tail discarded", slog.Int64("bytes", cut))
	}

	replayed := 0
	err = j.Replay(func(e wal.Entry) error {
		fp := fingerprint.Fingerprint(e.Fingerprint)
		// A crash between the file write and the journal truncation leaves
		// entries that are already in the tree.
		if idx.containsLocked(e.ID, fp) {
			return nil
		}
		if err := idx.tree.Insert(Point{ID: e.ID, Fingerprint: fp}); err != nil {
			return err
		}
		replayed++
		return nil
	})
	if err != nil {
		_ = j.Close()
		return failure.New(failure.KindPersistence, "shard.open", fmt.Errorf("shard %s: replay journal: %w", idx.name, err))
	}

	if replayed > 0 {
		idx.dirty = true
		idx.logger.Info("journal replayed", slog.Int("entries", replayed))
	}
	idx.journal = j
	return nil
}

func (idx *Index) containsLocked(id string, fp fingerprint.Fingerprint) bool {
	pts, err := idx.tree.Filter(fp, 0, 0)
	if err != nil {
		return false
	}
	for _, p := range pts {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Name returns the shard name.
func (idx *Index) Name() string { return idx.name }

// Width returns the fingerprint width in bytes.
func (idx *Index) Width() int { return idx.opts.Width }

// Insert adds p to the tree and marks the shard dirty. Callers must not insert
// the same fingerprint twice; Add enforces that through the record store.
func (idx *Index) Insert(p Point) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.insertLocked(p)
}

func (idx *Index) insertLocked(p Point) error {
	if idx.closed {
		return failure.Errorf(failure.KindInvariant, "shard.insert", "shard %s: closed", idx.name)
	}
	if err := ValidateURL(p.ID); err != nil {
		return err
	}
	if p.Fingerprint.Width() != idx.opts.Width {
		return failure.New(failure.KindInvariant, "shard.insert",
			fmt.Errorf("shard %s: %w: got %d bytes, want %d", idx.name, mvp.ErrWidth, p.Fingerprint.Width(), idx.opts.Width))
	}

	if idx.journal != nil {
		if err := idx.journal.Append(p.ID, p.Fingerprint); err != nil {
			return failure.New(failure.KindPersistence, "shard.insert", fmt.Errorf("shard %s: journal: %w", idx.name, err))
		}
	}
	if err := idx.tree.Insert(p); err != nil {
		return failure.New(failure.KindInvariant, "shard.insert", err)
	}

	idx.dirty = true
	idx.metrics.SetShardSize(idx.name, idx.tree.Len())
	return nil
}

// Query returns points within radius of fp. A positive limit returns the
// limit nearest points ordered by distance; limit 0 returns up to
// DefaultQueryLimit points in tree order.
func (idx *Index) Query(fp fingerprint.Fingerprint, radius, limit int) ([]Point, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var (
		pts []Point
		err error
	)
	if limit > 0 {
		pts, err = idx.tree.Nearest(fp, radius, limit)
	} else {
		pts, err = idx.tree.Filter(fp, radius, DefaultQueryLimit)
	}
	if err != nil {
		return nil, failure.New(failure.KindInvariant, "shard.query", fmt.Errorf("shard %s: %w", idx.name, err))
	}
	return pts, nil
}

// Outcome is the result of Add.
type Outcome int

const (
	// Inserted means the fingerprint was new and entered the tree.
	Inserted Outcome = iota + 1
	// Deduped means the fingerprint was known; only the URL was recorded.
	Deduped
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return observability.OutcomeInserted
	case Deduped:
		return observability.OutcomeDeduped
	default:
		return "unknown"
	}
}

// Add records url under fp. A known fingerprint only gains url in the record
// store; a new one is inserted into the tree and registered with this shard as
// owner. The check and both mutations run under the shard mutex.
func (idx *Index) Add(ctx context.Context, records recordstore.Store, url string, fp fingerprint.Fingerprint) (Outcome, error) {
	if err := ValidateURL(url); err != nil {
		return 0, err
	}
	hex := fp.Hex()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	exists, err := records.Exists(ctx, hex)
	if err != nil {
		return 0, err
	}
	if exists {
		if err := records.AddURL(ctx, hex, url); err != nil {
			return 0, err
		}
		return Deduped, nil
	}

	// A point without a record is left behind when AddFingerprint failed
	// after the insert. Repair the record instead of inserting a duplicate.
	held, err := idx.tree.Filter(fp, 0, 1)
	if err != nil {
		return 0, failure.New(failure.KindInvariant, "shard.add", fmt.Errorf("shard %s: %w", idx.name, err))
	}
	if len(held) > 0 {
		return idx.repairLocked(ctx, records, hex, held[0].ID, url)
	}

	if err := idx.insertLocked(Point{ID: url, Fingerprint: fp}); err != nil {
		return 0, err
	}
	if err := records.AddFingerprint(ctx, idx.name, hex, url); err != nil {
		return 0, err
	}
	return Inserted, nil
}

func (idx *Index) repairLocked(ctx context.Context, records recordstore.Store, hex, first, url string) (Outcome, error) {
	if err := records.AddFingerprint(ctx, idx.name, hex, first); err != nil {
		return 0, err
	}
	idx.logger.Warn("repaired orphan point", slog.String("hash", hex))
	if url == first {
		return Inserted, nil
	}
	if err := records.AddURL(ctx, hex, url); err != nil {
		return 0, err
	}
	return Deduped, nil
}

// Persist writes the tree to the shard file and clears the dirty flag. On
// failure the dirty flag stays set so a later attempt retries.
func (idx *Index) Persist(ctx context.Context) error {
	_, err := idx.persist(ctx, true)
	return err
}

// PersistIfDirty is Persist without any I/O when the shard is clean. It reports
// whether a write happened.
func (idx *Index) PersistIfDirty(ctx context.Context) (bool, error) {
	return idx.persist(ctx, false)
}

func (idx *Index) persist(ctx context.Context, force bool) (bool, error) {
	rc := idx.opts.Resources
	if err := rc.AcquireBackground(ctx); err != nil {
		return false, err
	}
	defer rc.ReleaseBackground()

	saved, err := idx.persistOnce(ctx, force)
	if saved && idx.opts.Counters != nil {
		if cerr := idx.opts.Counters.IncrementCounter(ctx, recordstore.WorkerCategory(idx.name), StatDBSaved, 1); cerr != nil {
			idx.logger.Warn("counter update failed", slog.String("stat", StatDBSaved), slog.String("error", cerr.Error()))
		}
	}
	return saved, err
}

func (idx *Index) persistOnce(ctx context.Context, force bool) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !force && !idx.dirty {
		return false, nil
	}
	if idx.closed {
		return false, failure.Errorf(failure.KindPersistence, "shard.persist", "shard %s: closed", idx.name)
	}

	start := time.Now()
	n, err := idx.writeLocked(ctx)
	idx.metrics.RecordPersist(idx.name, n, time.Since(start), err)
	if err != nil {
		return false, failure.New(failure.KindPersistence, "shard.persist", fmt.Errorf("shard %s: %w", idx.name, err))
	}

	idx.dirty = false
	idx.lastPersist = time.Now()
	idx.persists++

	if idx.journal != nil {
		if err := idx.journal.Truncate(); err != nil {
			// The file holds every entry; replay skips them if the journal survives.
			return true, failure.New(failure.KindPersistence, "shard.persist", fmt.Errorf("shard %s: truncate journal: %w", idx.name, err))
		}
	}
	return true, nil
}

func (idx *Index) writeLocked(ctx context.Context) (int, error) {
	var buf bytes.Buffer
	w := resource.NewRateLimitedWriter(ctx, &buf, idx.opts.Resources)
	if err := persistence.WriteShard(w, idx.tree, idx.opts.Compression); err != nil {
		return 0, err
	}
	if err := idx.opts.Blobs.Put(ctx, FileName(idx.name), buf.Bytes()); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

// Len returns the number of points in the tree.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.tree.Len()
}

// Dirty reports whether the tree has unpersisted mutations.
func (idx *Index) Dirty() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.dirty
}

// Stats describes a shard.
type Stats struct {
	Name           string    `json:"name"`
	Points         int       `json:"points"`
	Depth          int       `json:"depth"`
	Dirty          bool      `json:"dirty"`
	Persists       int64     `json:"persists"`
	LastPersist    time.Time `json:"last_persist,omitzero"`
	JournalEntries int       `json:"journal_entries"`
}

// Stats returns a snapshot of the shard state.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	s := Stats{
		Name:        idx.name,
		Points:      idx.tree.Len(),
		Depth:       idx.tree.Depth(),
		Dirty:       idx.dirty,
		Persists:    idx.persists,
		LastPersist: idx.lastPersist,
	}
	if idx.journal != nil {
		s.JournalEntries = idx.journal.Len()
	}
	return s
}

// Close closes the journal. It does not persist; call Persist first if needed.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	idx.closed = true
	if idx.journal != nil {
		return idx.journal.Close()
	}
	return nil
}
