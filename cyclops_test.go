package cyclops

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cyclops/config"
	"github.com/hupe1980/cyclops/engine"
	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/ingest"
	"github.com/hupe1980/cyclops/shard"
	"github.com/hupe1980/cyclops/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Path.Data = filepath.Join(t.TempDir(), "data")
	cfg.Workers = []string{"A", "B"}
	cfg.Records.Backend = "badger"
	cfg.Records.Badger.SyncWrites = false
	cfg.Records.Badger.GCInterval = 0
	cfg.Queue.Backend = "memory"
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Queue.RetryInterval = 10 * time.Millisecond
	cfg.Index.LeafCapacity = 8
	cfg.Settings.Autosave.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false
	return *cfg
}

func openTest(t *testing.T, cfg config.Config, provider fingerprint.Provider) *Cyclops {
	t.Helper()

	c, err := Open(context.Background(), cfg, WithProvider(provider), WithLogger(NoopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// run starts the consumers and returns a function stopping them.
func run(t *testing.T, c *Cyclops) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
		}
	}
}

func waitConsumed(t *testing.T, c *Cyclops, n int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		st, err := c.Stats(context.Background())
		if err != nil {
			return false
		}
		var consumed int64
		for _, cs := range st.Consumers {
			consumed += cs.Consumed
		}
		return consumed >= n && st.QueueDepth == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCyclops_IngestAndQuery(t *testing.T) {
	ctx := context.Background()
	fp := fingerprint.FromUint64(0xff00)

	provider := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{"u1": fp})
	c := openTest(t, testConfig(t), provider)
	stop := run(t, c)

	require.NoError(t, c.IngestURLs(ctx, []string{"u1"}))
	waitConsumed(t, c, 1)
	stop()

	res, err := c.QueryByURL(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, fp.Hex(), res.Ref)
	assert.Equal(t, 1, res.TotalResults)
	assert.Equal(t, []Item{{URL: "u1", Dist: 0, Hash: fp.Hex()}}, res.Results)

	hash, err := c.HashOfURL(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, fp.Hex(), hash)
}

func TestCyclops_DedupSharedFingerprint(t *testing.T) {
	ctx := context.Background()
	fp := fingerprint.FromUint64(0xff00)

	provider := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{"u1": fp, "u2": fp})
	c := openTest(t, testConfig(t), provider)
	stop := run(t, c)

	require.NoError(t, c.IngestURLs(ctx, []string{"u1", "u2"}))
	waitConsumed(t, c, 2)
	stop()

	urls, err := c.URLsByHash(ctx, "0xff00", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, urls)

	n, err := c.CountByHash(ctx, fp.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Points, "one tree point per distinct fingerprint")
}

func TestCyclops_FetchFailureDeadLetters(t *testing.T) {
	ctx := context.Background()

	c := openTest(t, testConfig(t), testutil.NewStaticProvider(nil))
	stop := run(t, c)

	require.NoError(t, c.IngestURLs(ctx, []string{"u3"}))
	waitConsumed(t, c, 1)
	stop()

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Points)

	var letters int
	for _, name := range c.Shards() {
		dls, err := c.DeadLetters(ctx, name, 0)
		require.NoError(t, err)
		for _, dl := range dls {
			assert.Equal(t, "u3", dl.URL)
			assert.Equal(t, KindContentFetch.String(), dl.Kind)
			assert.Equal(t, name, dl.Shard)
		}
		letters += len(dls)
	}
	assert.Equal(t, 1, letters)

	st, err = c.Stats(ctx)
	require.NoError(t, err)
	var dead int64
	for _, cs := range st.Consumers {
		dead += cs.DeadLetterQueue
	}
	assert.Equal(t, int64(1), dead)

	_, err = c.HashOfURL(ctx, "u3")
	assert.True(t, IsKind(err, KindNotFound))

	_, err = c.DeadLetters(ctx, "nope", 0)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestCyclops_QueryRanksAcrossShards(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	router, err := shard.NewRouter(cfg.Workers)
	require.NoError(t, err)

	// Pick one point owned by each shard: near at distance 1, far at distance 3.
	query := fingerprint.FromUint64(0)
	rng := testutil.NewRNG(7)
	var near, far fingerprint.Fingerprint
	for near == nil || far == nil {
		if fp := rng.Near(query, 1); near == nil && router.Route(fp) == "A" {
			near = fp
		}
		if fp := rng.Near(query, 3); far == nil && router.Route(fp) == "B" {
			far = fp
		}
	}

	provider := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{
		"near": near, "far": far, "q": query,
	})
	c := openTest(t, cfg, provider)

	for _, u := range []string{"far", "near"} {
		_, err := c.IndexURL(ctx, u)
		require.NoError(t, err)
	}

	res, err := c.QueryByURL(ctx, "q", 5, 0)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "near", res.Results[0].URL)
	assert.Equal(t, 1, res.Results[0].Dist)
	assert.Equal(t, "far", res.Results[1].URL)
	assert.Equal(t, 3, res.Results[1].Dist)

	res, err = c.QueryByHash(ctx, query.Hex(), 5, 1)
	require.NoError(t, err)
	assert.Equal(t, []Item{{URL: "near", Dist: 1, Hash: near.Hex()}}, res.Results)
}

func TestCyclops_SaveAndReopen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.Journal.Enabled = false

	rng := testutil.NewRNG(1)
	table := make(map[string]fingerprint.Fingerprint)
	for i, fp := range rng.Fingerprints(40, cfg.Index.Width) {
		table[string(rune('a'+i%26))+fp.Hex()] = fp
	}
	provider := testutil.NewStaticProvider(table)

	c, err := Open(ctx, cfg, WithProvider(provider), WithLogger(NoopLogger()))
	require.NoError(t, err)
	for u := range table {
		_, err := c.IndexURL(ctx, u)
		require.NoError(t, err)
	}

	saved, err := c.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, saved)
	require.NoError(t, c.Close())

	c = openTest(t, cfg, provider)
	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(table), st.Points)
	for _, s := range st.Shards {
		assert.False(t, s.Dirty)
	}
}

func TestCyclops_JournalReplayWithoutSave(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.Journal.Enabled = true
	cfg.Storage.Journal.Durability = "sync"

	fp := fingerprint.FromUint64(0xabcdef)
	provider := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{"u": fp})

	c, err := Open(ctx, cfg, WithProvider(provider), WithLogger(NoopLogger()))
	require.NoError(t, err)
	_, err = c.IndexURL(ctx, "u")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c = openTest(t, cfg, provider)
	res, err := c.QueryByHash(ctx, fp.Hex(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalResults)
}

func TestCyclops_AutosaveOnShutdown(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage.Journal.Enabled = false
	cfg.Settings.Autosave = config.Autosave{Enabled: true, Interval: time.Hour, OnShutdown: true}

	fp := fingerprint.FromUint64(0x1234)
	provider := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{"u": fp})

	c, err := Open(ctx, cfg, WithProvider(provider), WithLogger(NoopLogger()))
	require.NoError(t, err)
	stop := run(t, c)
	require.NoError(t, c.IngestURLs(ctx, []string{"u"}))
	waitConsumed(t, c, 1)
	stop()
	require.NoError(t, c.Close())

	c = openTest(t, cfg, provider)
	res, err := c.QueryByHash(ctx, fp.Hex(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalResults)
}

func TestOpen_Locked(t *testing.T) {
	cfg := testConfig(t)
	openTest(t, cfg, testutil.NewStaticProvider(nil))

	_, err := Open(context.Background(), cfg, WithProvider(testutil.NewStaticProvider(nil)), WithLogger(NoopLogger()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = nil

	_, err := Open(context.Background(), cfg)
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestOpen_HTTPProviderWidth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Width = 4

	_, err := Open(context.Background(), cfg, WithLogger(NoopLogger()))
	assert.True(t, IsKind(err, KindInvalidInput))

	// The lock is released on failure.
	cfg.Index.Width = 8
	c, err := Open(context.Background(), cfg, WithLogger(NoopLogger()))
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestCyclops_QueryErrors(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, testConfig(t), testutil.NewStaticProvider(nil))

	_, err := c.QueryByURL(ctx, "missing", 2, 0)
	assert.True(t, IsKind(err, KindContentFetch))

	_, err = c.QueryByHash(ctx, "0xzz", 2, 0)
	assert.True(t, IsKind(err, KindInvalidInput))

	_, err = c.URLsByHash(ctx, "0x01", 0)
	assert.True(t, IsKind(err, KindNotFound))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.IndexURL(ctx, " ")
	assert.True(t, IsKind(err, KindInvalidInput))

	assert.NoError(t, c.IngestURLs(ctx, nil))
}

func TestCyclops_CloseIdempotent(t *testing.T) {
	c := openTest(t, testConfig(t), testutil.NewStaticProvider(nil))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.QueryByHash(context.Background(), "0x01", 0, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCyclops_AddHashes(t *testing.T) {
	ctx := context.Background()
	provider := testutil.NewStaticProvider(nil)
	c := openTest(t, testConfig(t), provider)

	res, err := c.AddHashes(ctx, map[string]string{
		"u1": "0xff00",
		"u2": "65280", // decimal 0xff00
		"u3": "0x01",
	})
	require.NoError(t, err)
	assert.Equal(t, AddHashesResult{Inserted: 2, Deduped: 1}, res)
	assert.Zero(t, provider.Calls("u1"))

	urls, err := c.URLsByHash(ctx, "0xff00", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, urls)

	fp, err := fingerprint.ParseHex("0xff00", c.Config().Index.Width)
	require.NoError(t, err)
	owner := c.router.Route(fp)
	recorded, err := c.records.Owner(ctx, fp.Hex())
	require.NoError(t, err)
	assert.Equal(t, owner, recorded)

	counters, err := c.records.Counters(ctx, ingest.CounterCategory(owner))
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[ingest.StatURLAppend])

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Points)

	q, err := c.QueryByHash(ctx, "0xff00", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, q.TotalResults)
}

func TestCyclops_AddHashesValidatesFirst(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, testConfig(t), testutil.NewStaticProvider(nil))

	_, err := c.AddHashes(ctx, map[string]string{"u1": "0x01", "u2": "not-a-hash"})
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	_, err = c.AddHashes(ctx, map[string]string{"u1": "0x01", strings.Repeat("u", shard.MaxURLLen+1): "0x02"})
	assert.True(t, failure.Is(err, failure.KindInvalidInput))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Points)
}

func TestCyclops_RejectsOverlongURL(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, testConfig(t), testutil.NewStaticProvider(nil))
	long := "https://img/" + strings.Repeat("x", shard.MaxURLLen)

	err := c.IngestURLs(ctx, []string{"u1", long})
	assert.True(t, failure.Is(err, failure.KindInvalidInput))
	depth, err := c.channel.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	_, err = c.IndexURL(ctx, long)
	assert.True(t, failure.Is(err, failure.KindInvalidInput))
}

func TestCyclops_SaveAndQueryCounters(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, testConfig(t), testutil.NewStaticProvider(nil))

	_, err := c.AddHashes(ctx, map[string]string{"u1": "0x01"})
	require.NoError(t, err)

	_, err = c.Save(ctx)
	require.NoError(t, err)
	_, err = c.QueryByHash(ctx, "0x01", 2, 0)
	require.NoError(t, err)
	_, err = c.QueryByHash(ctx, "0x01", 2, 1)
	require.NoError(t, err)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	for _, name := range []string{"A", "B"} {
		counters := st.Consumers[name].Counters
		assert.Equal(t, int64(1), counters[shard.StatDBSaved], name)
		assert.Equal(t, int64(2), counters[engine.StatQueryExecuted], name)
	}
}

func TestCyclops_AddHashesForgetsCachedFetch(t *testing.T) {
	ctx := context.Background()
	provider := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{"u1": fingerprint.FromUint64(0xff00)})
	c := openTest(t, testConfig(t), provider)

	for range 2 {
		_, err := c.QueryByURL(ctx, "u1", 0, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, provider.Calls("u1"))

	_, err := c.AddHashes(ctx, map[string]string{"u1": "0x0f"})
	require.NoError(t, err)

	_, err = c.QueryByURL(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.Calls("u1"))
}

func TestCyclops_Verify(t *testing.T) {
	ctx := context.Background()
	c := openTest(t, testConfig(t), testutil.NewStaticProvider(nil))

	_, err := c.AddHashes(ctx, map[string]string{"u1": "0x01", "u2": "0x02", "u3": "0xffff"})
	require.NoError(t, err)

	reports, err := c.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	points := 0
	for _, rep := range reports {
		assert.True(t, rep.OK(), rep.Shard)
		points += rep.Points
	}
	assert.Equal(t, 3, points)
}

func TestCyclops_ShardFilesAndPrune(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Workers = []string{"A", "B", "C"}
	provider := testutil.NewStaticProvider(nil)

	c, err := Open(ctx, cfg, WithProvider(provider), WithLogger(NoopLogger()))
	require.NoError(t, err)
	_, err = c.Save(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	cfg.Workers = []string{"A", "B"}
	c = openTest(t, cfg, provider)

	files, err := c.ShardFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ShardFile{
		{Blob: "A.mvp", Shard: "A", Configured: true},
		{Blob: "B.mvp", Shard: "B", Configured: true},
		{Blob: "C.mvp", Shard: "C", Configured: false},
	}, files)

	pruned, err := c.PruneShardFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C.mvp"}, pruned)

	files, err = c.ShardFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	pruned, err = c.PruneShardFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, pruned)
}
