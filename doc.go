// Package cyclops is a sharded perceptual-image similarity index.
//
// Clients submit image URLs. Each URL is downloaded, reduced to a 64-bit
// perceptual hash (the fingerprint) and stored in one of several shards, each
// holding a vantage-point metric tree over Hamming distance. Queries by URL or
// by fingerprint fan out to every shard and return the indexed images within a
// radius, closest first.
//
// # Architecture
//
//   - fingerprint: fixed-width fingerprints, Hamming distance, HTTP pHash provider
//   - shard: per-shard tree, dedup-aware insertion, persistence, autosave
//   - ingest: one queue consumer per shard with retry and dead-lettering
//   - engine: concurrent query fan-out and distance-ranked merge
//   - recordstore, queue, blobstore: Redis, Badger, MinIO and S3 backends
//   - server: the REST surface
//
// # Quick Start
//
//	cfg, err := config.Load("cyclops.yaml")
//	if err != nil {
//	    return err
//	}
//
//	c, err := cyclops.Open(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	go c.Run(ctx) // ingestion consumers and autosavers
//
//	_ = c.IngestURLs(ctx, []string{"https://example.com/cat.jpg"})
//
//	res, err := c.QueryByURL(ctx, "https://example.com/cat-small.jpg", 4, 10)
//	for _, hit := range res.Results {
//	    fmt.Println(hit.URL, hit.Dist, hit.Hash)
//	}
//
// # Error Handling
//
// Errors carry a Kind (see package failure). Fetch failures are
// KindContentFetch, unknown fingerprints and URLs are KindNotFound, broken
// Redis connections are KindTransport and shard file problems are
// KindPersistence:
//
//	if cyclops.IsKind(err, cyclops.KindContentFetch) {
//	    // the image could not be downloaded or decoded
//	}
//
// # Durability
//
// Shards are written to their blob store on Save, by the autosaver and on
// shutdown. When the journal is enabled, first-seen inserts are appended to a
// per-shard journal that is replayed on Open and truncated after each save.
package cyclops
