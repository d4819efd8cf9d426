package recordstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/cyclops/failure"
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// PageSize is the number of set members read per transaction.
	PageSize int
}

// DefaultBadgerConfig returns production defaults for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		PageSize:       DefaultScanPageSize,
	}
}

// Badger is a Store on top of an embedded Badger database.
//
// Key layout:
//
//	hash:<hex>:node            -> owner shard
//	hash:<hex>:elements:<url>  -> empty
//	url:<url>                  -> hex
//	stats:<category>:<stat>    -> int64 (big endian)
type Badger struct {
	db       *badger.DB
	pageSize int
	logger   *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadger opens (or creates) the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, failure.Errorf(failure.KindInvalidInput, "recordstore.open", "path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, failure.New(failure.KindPersistence, "recordstore.open", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, failure.New(failure.KindPersistence, "recordstore.open", err)
	}

	b := &Badger{
		db:       db,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
		stopGC:   make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	if b.pageSize <= 0 {
		b.pageSize = DefaultScanPageSize
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	} else {
		close(b.gcDone)
	}

	return b, nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := b.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && b.logger != nil {
				b.logger.Warn("badger value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

func elementPrefix(hex string) []byte { return []byte(hashElementsKey(hex) + ":") }
func statPrefix(category string) []byte {
	return []byte(statsKey(category) + ":")
}

// Exists implements Store.
func (b *Badger) Exists(ctx context.Context, hex string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(hashNodeKey(hex)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, failure.New(failure.KindTransport, "recordstore.exists", err)
	}
	return found, nil
}

// AddURL implements Store.
func (b *Badger) AddURL(ctx context.Context, hex, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(append(elementPrefix(hex), url...), nil); err != nil {
			return err
		}
		return txn.Set([]byte(urlKey(url)), []byte(hex))
	})
	return failure.New(failure.KindTransport, "recordstore.add_url", err)
}

// AddFingerprint implements Store.
func (b *Badger) AddFingerprint(ctx context.Context, owner, hex, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(hashNodeKey(hex)), []byte(owner)); err != nil {
			return err
		}
		if err := txn.Set(append(elementPrefix(hex), url...), nil); err != nil {
			return err
		}
		return txn.Set([]byte(urlKey(url)), []byte(hex))
	})
	return failure.New(failure.KindTransport, "recordstore.add_fingerprint", err)
}

// ScanURLs implements Store. Each page runs in its own read transaction; the
// cursor is the last key suffix returned.
func (b *Badger) ScanURLs(ctx context.Context, hex string, limit int) ([]string, error) {
	prefix := elementPrefix(hex)

	urls, err := collect(ctx, limit, func(_ context.Context, cursor string) ([]string, string, error) {
		var (
			items []string
			next  string
		)

		err := b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			start := prefix
			if cursor != "" {
				// Seek past the last key of the previous page.
				start = append(append([]byte{}, prefix...), cursor...)
				start = append(start, 0x00)
			}

			for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
				if len(items) == b.pageSize {
					next = items[len(items)-1]
					return nil
				}
				items = append(items, string(it.Item().Key()[len(prefix):]))
			}
			return nil
		})
		return items, next, err
	})
	if err != nil {
		return nil, failure.New(failure.KindTransport, "recordstore.scan_urls", err)
	}
	return urls, nil
}

// CountURLs implements Store.
func (b *Badger) CountURLs(ctx context.Context, hex string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := elementPrefix(hex)

	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, failure.New(failure.KindTransport, "recordstore.count_urls", err)
	}
	return n, nil
}

// Owner implements Store.
func (b *Badger) Owner(ctx context.Context, hex string) (string, error) {
	return b.get(ctx, "recordstore.owner", hashNodeKey(hex))
}

// FingerprintOf implements Store.
func (b *Badger) FingerprintOf(ctx context.Context, url string) (string, error) {
	return b.get(ctx, "recordstore.fingerprint_of", urlKey(url))
}

func (b *Badger) get(ctx context.Context, op, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var v []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", failure.New(failure.KindNotFound, op, ErrNotFound)
	}
	if err != nil {
		return "", failure.New(failure.KindTransport, op, err)
	}
	return string(v), nil
}

// maxConflictRetries bounds read-modify-write retries on concurrent counter updates.
const maxConflictRetries = 16

// IncrementCounter implements Store.
func (b *Badger) IncrementCounter(ctx context.Context, category, stat string, delta int64) error {
	key := append(statPrefix(category), stat...)

	var err error
	for range maxConflictRetries {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = b.db.Update(func(txn *badger.Txn) error {
			var cur int64

			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if err := item.Value(func(v []byte) error {
					if len(v) != 8 {
						return fmt.Errorf("counter %q: bad value length %d", stat, len(v))
					}
					cur = int64(binary.BigEndian.Uint64(v))
					return nil
				}); err != nil {
					return err
				}
			}

			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(cur+delta))
			return txn.Set(key, buf[:])
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	return failure.New(failure.KindTransport, "recordstore.increment_counter", err)
}

// Counters implements Store.
func (b *Badger) Counters(ctx context.Context, category string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := statPrefix(category)
	out := make(map[string]int64)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			stat := string(it.Item().Key()[len(prefix):])
			if strings.Contains(stat, ":") {
				// Belongs to a nested category.
				continue
			}
			if err := it.Item().Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("counter %q: bad value length %d", stat, len(v))
				}
				out[stat] = int64(binary.BigEndian.Uint64(v))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, failure.New(failure.KindTransport, "recordstore.counters", err)
	}
	return out, nil
}

// Close stops GC and closes the database. Safe to call multiple times.
func (b *Badger) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stopGC)
		<-b.gcDone
		err = b.db.Close()
	})
	return err
}
