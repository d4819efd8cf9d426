// Package server exposes a cyclops instance over HTTP with gin.
//
// Routes:
//
//	PUT  /urls                  publish a JSON array of image URLs for ingestion
//	POST /query/mvp/url         {"URL", "radius", "k"} similarity query by image URL
//	POST /query/mvp/hash        {"hash", "radius", "k"} similarity query by fingerprint
//	GET  /hash/:hash?limit=N    URLs sharing a fingerprint
//	GET  /hash/:hash/count      number of URLs sharing a fingerprint
//	GET  /url/hash?url=U        fingerprint recorded for a URL
//	POST /db/save               persist every shard
//	GET  /stats                 shard, consumer and queue statistics
//	GET  /health                liveness
//	GET  /metrics               Prometheus metrics, when enabled
//
// Errors are returned as {"error", "kind"}. Fetch failures and unknown
// fingerprints map to 404, malformed requests to 400 and everything else to 500.
package server
