// Package cache provides an in-memory LRU cache bounded by entry count.
//
// The cache is safe for concurrent use. Entries are evicted least recently
// used first once the capacity is reached; hit and miss counters are kept for
// statistics.
package cache
