// Package observability defines the metrics hooks used across cyclops.
//
// Components receive a Collector and call it after each operation. NoopCollector
// discards everything, BasicCollector keeps in-process counters and
// PrometheusCollector exports to a Prometheus registry.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ingest outcomes reported to RecordIngest.
const (
	OutcomeInserted = "inserted"
	OutcomeDeduped  = "deduped"
	OutcomeErrored  = "errored"
)

// Collector receives operational metrics.
// Implementations must be safe for concurrent use.
type Collector interface {
	// RecordIngest is called once per processed queue message.
	RecordIngest(shard, outcome string, duration time.Duration)

	// RecordDeadLetter is called when a message is dead-lettered.
	RecordDeadLetter(shard, kind string)

	// RecordQuery is called after each orchestrated query.
	RecordQuery(results int, duration time.Duration, err error)

	// RecordPersist is called after each shard persist attempt.
	RecordPersist(shard string, bytes int, duration time.Duration, err error)

	// SetShardSize reports the current number of points in a shard.
	SetShardSize(shard string, points int)
}

// NoopCollector is a no-op implementation of Collector.
type NoopCollector struct{}

func (NoopCollector) RecordIngest(string, string, time.Duration)      {}
func (NoopCollector) RecordDeadLetter(string, string)                 {}
func (NoopCollector) RecordQuery(int, time.Duration, error)           {}
func (NoopCollector) RecordPersist(string, int, time.Duration, error) {}
func (NoopCollector) SetShardSize(string, int)                        {}

// BasicCollector provides simple in-memory metrics collection.
// Useful for tests and the /stats endpoint without external dependencies.
type BasicCollector struct {
	Inserted       atomic.Int64
	Deduped        atomic.Int64
	Errored        atomic.Int64
	DeadLetters    atomic.Int64
	QueryCount     atomic.Int64
	QueryErrors    atomic.Int64
	QueryResults   atomic.Int64
	QueryNanos     atomic.Int64
	PersistCount   atomic.Int64
	PersistErrors  atomic.Int64
	PersistedBytes atomic.Int64

	sizes sync.Map // shard -> int
}

// RecordIngest implements Collector.
func (b *BasicCollector) RecordIngest(_ string, outcome string, _ time.Duration) {
	switch outcome {
	case OutcomeInserted:
		b.Inserted.Add(1)
	case OutcomeDeduped:
		b.Deduped.Add(1)
	case OutcomeErrored:
		b.Errored.Add(1)
	}
}

// RecordDeadLetter implements Collector.
func (b *BasicCollector) RecordDeadLetter(string, string) {
	b.DeadLetters.Add(1)
}

// RecordQuery implements Collector.
func (b *BasicCollector) RecordQuery(results int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
		return
	}
	b.QueryResults.Add(int64(results))
}

// RecordPersist implements Collector.
func (b *BasicCollector) RecordPersist(_ string, bytes int, _ time.Duration, err error) {
	b.PersistCount.Add(1)
	if err != nil {
		b.PersistErrors.Add(1)
		return
	}
	b.PersistedBytes.Add(int64(bytes))
}

// SetShardSize implements Collector.
func (b *BasicCollector) SetShardSize(shard string, points int) {
	b.sizes.Store(shard, points)
}

// ShardSize returns the last reported size of shard.
func (b *BasicCollector) ShardSize(shard string) int {
	v, ok := b.sizes.Load(shard)
	if !ok {
		return 0
	}
	return v.(int)
}

// Stats is a snapshot of BasicCollector state.
type Stats struct {
	Inserted       int64 `json:"inserted"`
	Deduped        int64 `json:"deduped"`
	Errored        int64 `json:"errored"`
	DeadLetters    int64 `json:"dead_letters"`
	QueryCount     int64 `json:"query_count"`
	QueryErrors    int64 `json:"query_errors"`
	QueryAvgNanos  int64 `json:"query_avg_nanos"`
	PersistCount   int64 `json:"persist_count"`
	PersistErrors  int64 `json:"persist_errors"`
	PersistedBytes int64 `json:"persisted_bytes"`
}

// GetStats returns a snapshot of current metrics.
func (b *BasicCollector) GetStats() Stats {
	s := Stats{
		Inserted:       b.Inserted.Load(),
		Deduped:        b.Deduped.Load(),
		Errored:        b.Errored.Load(),
		DeadLetters:    b.DeadLetters.Load(),
		QueryCount:     b.QueryCount.Load(),
		QueryErrors:    b.QueryErrors.Load(),
		PersistCount:   b.PersistCount.Load(),
		PersistErrors:  b.PersistErrors.Load(),
		PersistedBytes: b.PersistedBytes.Load(),
	}
	if s.QueryCount > 0 {
		s.QueryAvgNanos = b.QueryNanos.Load() / s.QueryCount
	}
	return s
}

// Multi fans every call out to several collectors.
type Multi []Collector

func (m Multi) RecordIngest(shard, outcome string, d time.Duration) {
	for _, c := range m {
		c.RecordIngest(shard, outcome, d)
	}
}

func (m Multi) RecordDeadLetter(shard, kind string) {
	for _, c := range m {
		c.RecordDeadLetter(shard, kind)
	}
}

func (m Multi) RecordQuery(results int, d time.Duration, err error) {
	for _, c := range m {
		c.RecordQuery(results, d, err)
	}
}

func (m Multi) RecordPersist(shard string, bytes int, d time.Duration, err error) {
	for _, c := range m {
		c.RecordPersist(shard, bytes, d, err)
	}
}

func (m Multi) SetShardSize(shard string, points int) {
	for _, c := range m {
		c.SetShardSize(shard, points)
	}
}
