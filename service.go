package cyclops

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cyclops/engine"
	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/ingest"
	"github.com/hupe1980/cyclops/observability"
	"github.com/hupe1980/cyclops/queue"
	"github.com/hupe1980/cyclops/shard"
)

// Result is the answer to a similarity query.
type Result = engine.Result

// Item is one similarity query hit.
type Item = engine.Item

// IngestURLs publishes urls to the ingestion queue. It returns once the queue
// accepted them; fingerprinting happens later in the consumers. Blank entries
// are skipped. A URL longer than shard.MaxURLLen rejects the whole batch.
func (c *Cyclops) IngestURLs(ctx context.Context, urls []string) error {
	clean := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			if err := shard.ValidateURL(u); err != nil {
				return err
			}
			clean = append(clean, u)
		}
	}
	if len(clean) == 0 {
		return nil
	}

	err := c.channel.Publish(ctx, clean...)
	c.logger.LogPublish(ctx, len(clean), err)
	return err
}

// IndexURL fingerprints url and adds it to its owner shard right away,
// bypassing the queue.
func (c *Cyclops) IndexURL(ctx context.Context, url string) (ingest.Result, error) {
	url = strings.TrimSpace(url)
	if err := shard.ValidateURL(url); err != nil {
		return ingest.Result{}, err
	}
	return c.pipelines[0].Process(ctx, url)
}

// AddHashesResult counts the outcomes of AddHashes.
type AddHashesResult struct {
	Inserted int `json:"inserted"`
	Deduped  int `json:"deduped"`
}

// AddHashes indexes precomputed fingerprints given as url -> hash, without
// fetching anything. Every entry is validated before the first one is added.
// Entries are added in URL order, each to the shard its fingerprint routes to.
func (c *Cyclops) AddHashes(ctx context.Context, hashes map[string]string) (AddHashesResult, error) {
	urls := make([]string, 0, len(hashes))
	fps := make(map[string]fingerprint.Fingerprint, len(hashes))
	for url, hash := range hashes {
		if err := shard.ValidateURL(url); err != nil {
			return AddHashesResult{}, err
		}
		fp, err := fingerprint.ParseHex(hash, c.cfg.Index.Width)
		if err != nil {
			return AddHashesResult{}, err
		}
		urls = append(urls, url)
		fps[url] = fp
	}
	slices.Sort(urls)

	res, err := c.addHashes(ctx, urls, fps)
	c.logger.LogAddHashes(ctx, res.Inserted, res.Deduped, err)
	return res, err
}

func (c *Cyclops) addHashes(ctx context.Context, urls []string, fps map[string]fingerprint.Fingerprint) (AddHashesResult, error) {
	var res AddHashesResult
	for _, url := range urls {
		owner := c.router.Route(fps[url])
		idx := c.shardByName(owner)
		if idx == nil {
			return res, failure.Errorf(failure.KindInvariant, "cyclops.add_hashes", "no index for shard %q", owner)
		}

		outcome, err := idx.Add(ctx, c.records, url, fps[url])
		if err != nil {
			return res, err
		}
		c.forget(url)

		stat := ingest.StatHashAdd
		if outcome == shard.Deduped {
			stat = ingest.StatURLAppend
			res.Deduped++
		} else {
			res.Inserted++
		}
		if err := c.records.IncrementCounter(ctx, ingest.CounterCategory(owner), stat, 1); err != nil {
			c.logger.WarnContext(ctx, "counter update failed", "stat", stat, "error", err)
		}
	}
	return res, nil
}

// forget drops a cached fetch of url, which a precomputed hash supersedes.
func (c *Cyclops) forget(url string) {
	if p, ok := c.provider.(interface{ Forget(url string) }); ok {
		p.Forget(url)
	}
}

func (c *Cyclops) shardByName(name string) *shard.Index {
	for _, idx := range c.shards {
		if idx.Name() == name {
			return idx
		}
	}
	return nil
}

// QueryByURL fingerprints url and returns the indexed images within radius,
// closest first. k > 0 keeps the k closest hits; k == 0 returns all of them.
func (c *Cyclops) QueryByURL(ctx context.Context, url string, radius, k int) (*Result, error) {
	return c.orchestrator.QueryByURL(ctx, url, radius, k)
}

// QueryByHash is QueryByURL for a known fingerprint given in hex or decimal form.
func (c *Cyclops) QueryByHash(ctx context.Context, hash string, radius, k int) (*Result, error) {
	fp, err := fingerprint.ParseHex(hash, c.cfg.Index.Width)
	if err != nil {
		return nil, err
	}
	return c.orchestrator.QueryByFingerprint(ctx, fp, radius, k)
}

func (c *Cyclops) canonical(ctx context.Context, hash string) (string, error) {
	hex, err := fingerprint.NormalizeHex(hash, c.cfg.Index.Width)
	if err != nil {
		return "", err
	}

	ok, err := c.records.Exists(ctx, hex)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", failure.New(failure.KindNotFound, "cyclops.lookup", fmt.Errorf("%w: %s", ErrNotFound, hex))
	}
	return hex, nil
}

// URLsByHash returns up to limit URLs sharing the fingerprint hash. A limit
// <= 0 returns all of them. An unknown fingerprint is a not-found error.
func (c *Cyclops) URLsByHash(ctx context.Context, hash string, limit int) ([]string, error) {
	hex, err := c.canonical(ctx, hash)
	if err != nil {
		return nil, err
	}
	return c.records.ScanURLs(ctx, hex, limit)
}

// CountByHash returns the number of URLs sharing the fingerprint hash.
func (c *Cyclops) CountByHash(ctx context.Context, hash string) (int64, error) {
	hex, err := c.canonical(ctx, hash)
	if err != nil {
		return 0, err
	}
	return c.records.CountURLs(ctx, hex)
}

// HashOfURL returns the fingerprint recorded for an ingested url.
func (c *Cyclops) HashOfURL(ctx context.Context, url string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", failure.Errorf(failure.KindInvalidInput, "cyclops.lookup", "empty url")
	}
	return c.records.FingerprintOf(ctx, url)
}

// Save persists every shard, dirty or not, and returns the names of the
// shards written. Shards are saved concurrently within the persist limit.
func (c *Cyclops) Save(ctx context.Context) ([]string, error) {
	saved := make([]bool, len(c.shards))

	var g errgroup.Group
	for i, idx := range c.shards {
		g.Go(func() error {
			if err := idx.Persist(ctx); err != nil {
				return err
			}
			saved[i] = true
			return nil
		})
	}
	err := g.Wait()

	names := make([]string, 0, len(c.shards))
	for i, ok := range saved {
		if ok {
			names = append(names, c.shards[i].Name())
		}
	}

	c.logger.LogSave(ctx, names, err)
	return names, err
}

// ConsumerStats describes one ingestion consumer.
type ConsumerStats struct {
	ingest.Stats

	// Counters are the persistent counters of the consumer in the record store.
	Counters map[string]int64 `json:"counters"`
	// DeadLetterQueue is the number of dead letters currently kept.
	DeadLetterQueue int64 `json:"dead_letter_queue"`
}

// Stats describes the whole instance.
type Stats struct {
	Shards     []shard.Stats            `json:"shards"`
	Points     int                      `json:"points"`
	Consumers  map[string]ConsumerStats `json:"consumers"`
	QueueDepth int64                    `json:"queue_depth"`
	InFlight   int64                    `json:"fetches_in_flight"`
	QueryPool  engine.PoolStats         `json:"query_pool"`
	Metrics    observability.Stats      `json:"metrics"`
}

// Stats collects shard, consumer and queue statistics.
func (c *Cyclops) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Shards:    make([]shard.Stats, 0, len(c.shards)),
		Consumers: make(map[string]ConsumerStats, len(c.pipelines)),
		InFlight:  c.resources.FetchesInFlight(),
		QueryPool: c.orchestrator.PoolStats(),
		Metrics:   c.metrics.basic.GetStats(),
	}

	for _, idx := range c.shards {
		st := idx.Stats()
		s.Shards = append(s.Shards, st)
		s.Points += st.Points
	}

	for _, p := range c.pipelines {
		counters, err := c.records.Counters(ctx, ingest.CounterCategory(p.Name()))
		if err != nil {
			return Stats{}, err
		}
		dead, err := c.channel.DeadLetterLen(ctx, p.Name())
		if err != nil {
			return Stats{}, err
		}
		s.Consumers[p.Name()] = ConsumerStats{Stats: p.Stats(), Counters: counters, DeadLetterQueue: dead}
	}

	depth, err := c.channel.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.QueueDepth = depth

	return s, nil
}

// DeadLetters returns up to limit dead letters of consumer, newest first.
func (c *Cyclops) DeadLetters(ctx context.Context, consumer string, limit int) ([]queue.DeadLetter, error) {
	for _, p := range c.pipelines {
		if p.Name() == consumer {
			return c.channel.DeadLetters(ctx, consumer, limit)
		}
	}
	return nil, failure.Errorf(failure.KindNotFound, "cyclops.dead_letters", "unknown consumer %q", consumer)
}

// Verify checks the tree points of every shard against the record store.
func (c *Cyclops) Verify(ctx context.Context) ([]shard.VerifyReport, error) {
	reports := make([]shard.VerifyReport, 0, len(c.shards))
	for _, idx := range c.shards {
		rep, err := idx.Verify(ctx, c.records)
		if err != nil {
			return nil, err
		}
		if !rep.OK() {
			c.logger.WarnContext(ctx, "shard disagrees with record store",
				"shard", rep.Shard,
				"unrecorded", len(rep.Unrecorded),
				"misowned", len(rep.Misowned),
			)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// ShardFile is a shard file found in the blob store.
type ShardFile struct {
	Blob  string `json:"blob"`
	Shard string `json:"shard"`
	// Configured is false for files of shards no longer listed in workers.
	Configured bool `json:"configured"`
}

// ShardFiles lists the shard files in the blob store, configured or not.
func (c *Cyclops) ShardFiles(ctx context.Context) ([]ShardFile, error) {
	blobs, err := c.blobs.List(ctx, "")
	if err != nil {
		return nil, failure.New(failure.KindPersistence, "cyclops.shard_files", err)
	}

	var files []ShardFile
	for _, b := range blobs {
		name, ok := shard.NameOf(b)
		if !ok {
			continue
		}
		files = append(files, ShardFile{Blob: b, Shard: name, Configured: slices.Contains(c.cfg.Workers, name)})
	}
	return files, nil
}

// PruneShardFiles deletes the shard files of shards that are not configured
// and returns their blob names.
func (c *Cyclops) PruneShardFiles(ctx context.Context) ([]string, error) {
	files, err := c.ShardFiles(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for _, f := range files {
		if f.Configured {
			continue
		}
		if err := c.blobs.Delete(ctx, f.Blob); err != nil {
			return pruned, failure.New(failure.KindPersistence, "cyclops.prune", err)
		}
		c.logger.InfoContext(ctx, "orphan shard file deleted", "blob", f.Blob)
		pruned = append(pruned, f.Blob)
	}
	return pruned, nil
}
