// Package recordstore keeps the fingerprint records that back deduplication.
//
// A record maps a fingerprint (canonical hex form) to the shard that owns it and
// to the set of URLs that share it. A reverse map resolves a URL to its
// fingerprint. Counters are grouped by category and stat name.
//
// Two backends are provided: Redis (shared between processes) and Badger
// (embedded, single process).
package recordstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned (wrapped in a failure.KindNotFound error) when a
// record does not exist.
var ErrNotFound = errors.New("recordstore: not found")

// Store is the record store contract used by the shard and ingestion layers.
// Backend failures are returned as failure.KindTransport errors.
type Store interface {
	// Exists reports whether hex already has an owning shard.
	Exists(ctx context.Context, hex string) (bool, error)

	// AddURL appends url to an existing fingerprint record and maps url back to hex.
	AddURL(ctx context.Context, hex, url string) error

	// AddFingerprint creates the record for a first-seen fingerprint: it sets
	// the owner, adds url to the set and maps url back to hex.
	AddFingerprint(ctx context.Context, owner, hex, url string) error

	// ScanURLs pages through the URL set of hex until it is exhausted or limit
	// URLs were collected. A limit <= 0 means no limit.
	ScanURLs(ctx context.Context, hex string, limit int) ([]string, error)

	// CountURLs returns the size of the URL set of hex.
	CountURLs(ctx context.Context, hex string) (int64, error)

	// Owner returns the shard owning hex.
	Owner(ctx context.Context, hex string) (string, error)

	// FingerprintOf returns the fingerprint hex recorded for url.
	FingerprintOf(ctx context.Context, url string) (string, error)

	// IncrementCounter adds delta to stat within category.
	IncrementCounter(ctx context.Context, category, stat string, delta int64) error

	// Counters returns every stat of category.
	Counters(ctx context.Context, category string) (map[string]int64, error)

	// Close releases the backend.
	Close() error
}

// Counter is the counter side of a Store.
type Counter interface {
	IncrementCounter(ctx context.Context, category, stat string, delta int64) error
}

// WorkerCategory returns the counter category of the worker owning a shard.
func WorkerCategory(worker string) string { return "worker:" + worker }

// DefaultScanPageSize is the number of set members requested per page.
const DefaultScanPageSize = 1000

// pageFunc returns one page of set members starting at cursor, plus the
// cursor of the next page. An empty next cursor ends the scan.
type pageFunc func(ctx context.Context, cursor string) (items []string, next string, err error)

// collect drains pages until the scan ends or limit unique items were seen.
// Backends like Redis SSCAN may return an element more than once.
func collect(ctx context.Context, limit int, page pageFunc) ([]string, error) {
	var (
		out    []string
		seen   = make(map[string]struct{})
		cursor string
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		items, next, err := page(ctx, cursor)
		if err != nil {
			return nil, err
		}

		for _, it := range items {
			if _, dup := seen[it]; dup {
				continue
			}
			seen[it] = struct{}{}
			out = append(out, it)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}

		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func hashNodeKey(hex string) string     { return "hash:" + hex + ":node" }
func hashElementsKey(hex string) string { return "hash:" + hex + ":elements" }
func urlKey(url string) string          { return "url:" + url }
func statsKey(category string) string   { return "stats:" + category }
