// Package engine runs similarity queries across every shard.
//
// An Orchestrator owns a fixed WorkerPool. A query fans out one task per shard;
// each task runs the shard's radius filter, computes the exact Hamming distance
// of every hit and sends its own slice back over a channel. The orchestrator
// collects one result per shard, concatenates them and sorts ascending by
// distance with a stable sort.
//
// # Limits
//
// k > 0 caps every shard query at k and truncates the merged list to the k
// closest. k == 0 lets every shard return up to shard.DefaultQueryLimit points
// and the merged list is not truncated.
package engine
