// Package testutil provides testing utilities for cyclops.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating random fingerprints, computing exact
// radius queries and a table-driven fingerprint provider.
//
// # Random Fingerprints
//
//	rng := testutil.NewRNG(seed)
//	fps := rng.Fingerprints(1000, 8)
//	near := rng.Near(fps[0], 3) // exactly 3 bits away
//
// # Exact Search (Ground Truth)
//
//	matches := testutil.ExactRadius(query, ids, fps, radius)
//
// # Provider
//
//	p := testutil.NewStaticProvider(map[string]fingerprint.Fingerprint{"u1": fp})
package testutil
