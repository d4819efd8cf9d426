package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hupe1980/cyclops/blobstore"
	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/observability"
	"github.com/hupe1980/cyclops/shard"
	"github.com/hupe1980/cyclops/testutil"
)

func openShard(t *testing.T, name string, width int) *shard.Index {
	t.Helper()
	idx, err := shard.Open(context.Background(), name, func(o *shard.Options) {
		o.Blobs = blobstore.NewMemoryStore()
		o.Width = width
		o.LeafCapacity = 8
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func newOrchestrator(t *testing.T, shards []Shard, provider fingerprint.Provider, optFns ...func(o *Options)) *Orchestrator {
	t.Helper()
	o, err := New(shards, provider, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// fakeShard returns fixed points or an error.
type fakeShard struct {
	name  string
	pts   []shard.Point
	err   error
	delay time.Duration
	panic bool
}

func (f *fakeShard) Name() string { return f.name }

func (f *fakeShard) Query(_ fingerprint.Fingerprint, _, _ int) ([]shard.Point, error) {
	if f.panic {
		panic("boom")
	}
	time.Sleep(f.delay)
	return f.pts, f.err
}

func TestQueryByURL_ExactMatch(t *testing.T) {
	a := openShard(t, "a", 2)
	require.NoError(t, a.Insert(shard.Point{ID: "u1", Fingerprint: fingerprint.Fingerprint{0xff, 0x00}}))

	provider := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{
		"u1": {0xff, 0x00},
	})
	o := newOrchestrator(t, []Shard{a}, provider)

	res, err := o.QueryByURL(context.Background(), "u1", 0, 10)
	require.NoError(t, err)

	assert.Equal(t, "QUERY: URL(u1), H(0xff00) r(0) k(10)", res.QueryString)
	assert.Equal(t, "0xff00", res.Ref)
	assert.Equal(t, 1, res.TotalResults)
	assert.GreaterOrEqual(t, res.TotalElapsed, 0.0)
	assert.Equal(t, []Item{{URL: "u1", Dist: 0, Hash: "0xff00"}}, res.Results)
}

func TestQuery_CountsShardQueries(t *testing.T) {
	counters := testutil.NewCounters()
	a := openShard(t, "a", 2)
	b := openShard(t, "b", 2)
	failing := &fakeShard{name: "c", err: errors.New("down")}

	provider := testutil.NewStaticProvider(nil)
	o := newOrchestrator(t, []Shard{a, b}, provider, func(o *Options) { o.Counters = counters })

	for range 3 {
		_, err := o.QueryByFingerprint(context.Background(), fingerprint.Fingerprint{0, 0}, 1, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), counters.Get("worker:a", StatQueryExecuted))
	assert.Equal(t, int64(3), counters.Get("worker:b", StatQueryExecuted))

	bad := newOrchestrator(t, []Shard{failing}, provider, func(o *Options) { o.Counters = counters })
	_, err := bad.QueryByFingerprint(context.Background(), fingerprint.Fingerprint{0, 0}, 1, 0)
	require.Error(t, err)
	assert.Zero(t, counters.Get("worker:c", StatQueryExecuted))
}

func TestQueryByURL_RankedAcrossShards(t *testing.T) {
	q := fingerprint.Fingerprint{0x00, 0x00}

	a := openShard(t, "a", 2)
	b := openShard(t, "b", 2)
	require.NoError(t, b.Insert(shard.Point{ID: "far", Fingerprint: fingerprint.Fingerprint{0x07, 0x00}}))
	require.NoError(t, a.Insert(shard.Point{ID: "near", Fingerprint: fingerprint.Fingerprint{0x01, 0x00}}))

	provider := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{"q": q})
	o := newOrchestrator(t, []Shard{b, a}, provider)

	res, err := o.QueryByURL(context.Background(), "q", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []Item{
		{URL: "near", Dist: 1, Hash: "0x0100"},
		{URL: "far", Dist: 3, Hash: "0x0700"},
	}, res.Results)
	assert.Equal(t, 2, res.TotalResults)
}

func TestQueryByURL_FetchFailure(t *testing.T) {
	a := openShard(t, "a", 8)
	metrics := &observability.BasicCollector{}
	o := newOrchestrator(t, []Shard{a}, testutil.NewStaticProvider(nil), func(o *Options) {
		o.Metrics = metrics
	})

	_, err := o.QueryByURL(context.Background(), "missing", 4, 0)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindContentFetch))
	assert.EqualValues(t, 1, metrics.QueryErrors.Load())
}

func TestQueryByURL_UnclassifiedProviderError(t *testing.T) {
	a := openShard(t, "a", 8)
	provider := fingerprint.ProviderFunc(func(context.Context, string) (fingerprint.Fingerprint, error) {
		return nil, errors.New("decode: unknown format")
	})
	o := newOrchestrator(t, []Shard{a}, provider)

	_, err := o.QueryByURL(context.Background(), "u", 4, 0)
	assert.True(t, failure.Is(err, failure.KindContentFetch))
}

func TestQueryByFingerprint_FanOutCompleteness(t *testing.T) {
	const width = 8
	rng := testutil.NewRNG(42)
	query := rng.Fingerprint(width)

	var (
		shards []Shard
		ids    []string
		fps    []fingerprint.Fingerprint
	)
	for s := range 4 {
		idx := openShard(t, fmt.Sprintf("s%d", s), width)
		shards = append(shards, idx)
		for i := range 50 {
			id := fmt.Sprintf("s%d/u%d", s, i)
			fp := rng.Near(query, rng.Intn(20))
			require.NoError(t, idx.Insert(shard.Point{ID: id, Fingerprint: fp}))
			ids = append(ids, id)
			fps = append(fps, fp)
		}
	}

	o := newOrchestrator(t, shards, testutil.NewStaticProvider(nil))

	const radius = 10
	res, err := o.QueryByFingerprint(context.Background(), query, radius, 0)
	require.NoError(t, err)

	want := testutil.ExactRadius(query, ids, fps, radius)
	require.Len(t, res.Results, len(want))

	got := make(map[string]int, len(res.Results))
	for i, it := range res.Results {
		got[it.URL] = it.Dist
		if i > 0 {
			assert.LessOrEqual(t, res.Results[i-1].Dist, it.Dist, "results not ranked")
		}
		assert.Equal(t, fingerprint.MustDistance(query, mustParse(t, it.Hash, width)), it.Dist)
	}
	for _, m := range want {
		assert.Equal(t, m.Distance, got[m.ID], m.ID)
	}
	assert.Equal(t, fmt.Sprintf("QUERY: H(%s) r(%d) k(0)", query.Hex(), radius), res.QueryString)
}

func mustParse(t *testing.T, hex string, width int) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.ParseHex(hex, width)
	require.NoError(t, err)
	return fp
}

func TestQueryByFingerprint_TopK(t *testing.T) {
	q := fingerprint.FromUint64(0)
	a := &fakeShard{name: "a", pts: []shard.Point{
		{ID: "a3", Fingerprint: fingerprint.FromUint64(0b111)},
		{ID: "a1", Fingerprint: fingerprint.FromUint64(0b1)},
	}}
	b := &fakeShard{name: "b", pts: []shard.Point{
		{ID: "b0", Fingerprint: fingerprint.FromUint64(0)},
		{ID: "b1", Fingerprint: fingerprint.FromUint64(0b10)},
	}}

	o := newOrchestrator(t, []Shard{a, b}, testutil.NewStaticProvider(nil))

	res, err := o.QueryByFingerprint(context.Background(), q, 64, 3)
	require.NoError(t, err)

	urls := make([]string, len(res.Results))
	for i, it := range res.Results {
		urls[i] = it.URL
	}
	// Ties keep shard order.
	assert.Equal(t, []string{"b0", "a1", "b1"}, urls)
	assert.Equal(t, 3, res.TotalResults)
}

func TestQueryByFingerprint_Empty(t *testing.T) {
	a := openShard(t, "a", 8)
	o := newOrchestrator(t, []Shard{a}, testutil.NewStaticProvider(nil))

	res, err := o.QueryByFingerprint(context.Background(), fingerprint.FromUint64(1), 3, 0)
	require.NoError(t, err)
	assert.NotNil(t, res.Results)
	assert.Empty(t, res.Results)
	assert.Zero(t, res.TotalResults)
}

func TestQueryByFingerprint_WidthMismatch(t *testing.T) {
	a := openShard(t, "a", 8)
	o := newOrchestrator(t, []Shard{a}, testutil.NewStaticProvider(nil))

	_, err := o.QueryByFingerprint(context.Background(), fingerprint.Fingerprint{0x01, 0x02}, 3, 0)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindInvariant))
}

func TestQueryByFingerprint_PointWidthMismatch(t *testing.T) {
	bad := &fakeShard{name: "bad", pts: []shard.Point{{ID: "x", Fingerprint: fingerprint.Fingerprint{0x01}}}}
	o := newOrchestrator(t, []Shard{bad}, testutil.NewStaticProvider(nil))

	_, err := o.QueryByFingerprint(context.Background(), fingerprint.FromUint64(1), 3, 0)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindInvariant))
	assert.ErrorIs(t, err, fingerprint.ErrWidthMismatch)
}

func TestQueryByFingerprint_ShardError(t *testing.T) {
	ok := &fakeShard{name: "ok", pts: []shard.Point{{ID: "x", Fingerprint: fingerprint.FromUint64(1)}}}
	broken := &fakeShard{name: "broken", err: failure.Errorf(failure.KindPersistence, "test", "disk gone")}
	o := newOrchestrator(t, []Shard{ok, broken}, testutil.NewStaticProvider(nil))

	_, err := o.QueryByFingerprint(context.Background(), fingerprint.FromUint64(1), 3, 0)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindPersistence))
}

func TestQueryByFingerprint_ShardPanic(t *testing.T) {
	o := newOrchestrator(t, []Shard{&fakeShard{name: "p", panic: true}}, testutil.NewStaticProvider(nil))

	_, err := o.QueryByFingerprint(context.Background(), fingerprint.FromUint64(1), 3, 0)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindInvariant))

	// The worker survives the panic.
	_, err = o.QueryByFingerprint(context.Background(), fingerprint.FromUint64(1), 3, 0)
	assert.Error(t, err)
}

func TestQueryByFingerprint_ContextCanceled(t *testing.T) {
	slow := &fakeShard{name: "slow", delay: 200 * time.Millisecond}
	o := newOrchestrator(t, []Shard{slow}, testutil.NewStaticProvider(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := o.QueryByFingerprint(ctx, fingerprint.FromUint64(1), 3, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQuery_InvalidInput(t *testing.T) {
	a := openShard(t, "a", 8)
	o := newOrchestrator(t, []Shard{a}, testutil.NewStaticProvider(nil))
	ctx := context.Background()

	_, err := o.QueryByFingerprint(ctx, fingerprint.FromUint64(1), -1, 0)
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	_, err = o.QueryByFingerprint(ctx, fingerprint.FromUint64(1), 1, -1)
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	_, err = o.QueryByFingerprint(ctx, nil, 1, 0)
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	_, err = o.QueryByURL(ctx, "u", -2, 0)
	assert.True(t, failure.Is(err, failure.KindInvalidInput))
}

func TestQuery_AfterClose(t *testing.T) {
	a := openShard(t, "a", 8)
	o, err := New([]Shard{a}, testutil.NewStaticProvider(nil))
	require.NoError(t, err)
	require.NoError(t, o.Close())

	_, err = o.QueryByFingerprint(context.Background(), fingerprint.FromUint64(1), 1, 0)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestQuery_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	a := openShard(t, "a", 8)
	b := openShard(t, "b", 8)
	o := newOrchestrator(t, []Shard{a, b}, testutil.NewStaticProvider(nil), func(o *Options) {
		o.TracerProvider = tp
	})

	_, err := o.QueryByFingerprint(context.Background(), fingerprint.FromUint64(1), 1, 0)
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["engine.QueryByFingerprint"])
	assert.Equal(t, 2, names["engine.queryShard"])
}

func TestNew_Validation(t *testing.T) {
	provider := testutil.NewStaticProvider(nil)

	_, err := New(nil, provider)
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	_, err = New([]Shard{&fakeShard{name: "a"}}, nil)
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	_, err = New([]Shard{&fakeShard{name: "a"}, &fakeShard{name: "a"}}, provider)
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	o := newOrchestrator(t, []Shard{&fakeShard{name: "b"}, &fakeShard{name: "a"}}, provider)
	assert.Equal(t, []string{"b", "a"}, o.Shards())
	assert.Equal(t, 2, o.pool.Size())
}
