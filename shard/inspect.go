package shard

import (
	"context"
	"strings"

	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/persistence"
	"github.com/hupe1980/cyclops/recordstore"
)

const fileSuffix = ".mvp"

// NameOf returns the shard name of a top-level shard file blob.
func NameOf(file string) (string, bool) {
	if strings.Contains(file, "/") {
		return "", false
	}
	name, ok := strings.CutSuffix(file, fileSuffix)
	return name, ok && name != ""
}

// FileSummary describes a shard file decoded offline.
type FileSummary struct {
	Compression  string `json:"compression"`
	Width        int    `json:"width"`
	LeafCapacity int    `json:"leaf_capacity"`
	Points       int    `json:"points"`
	Depth        int    `json:"depth"`
}

// DumpFile decodes the shard file at filename and calls fn for every point
// until fn returns false. fn may be nil.
func DumpFile(filename string, fn func(Point) bool) (FileSummary, error) {
	tree, header, err := persistence.ReadShardFile(filename)
	if err != nil {
		return FileSummary{}, failure.New(failure.KindPersistence, "shard.dump", err)
	}
	if fn != nil {
		tree.Walk(fn)
	}
	return FileSummary{
		Compression:  header.Compression.String(),
		Width:        tree.Width(),
		LeafCapacity: tree.LeafCapacity(),
		Points:       tree.Len(),
		Depth:        tree.Depth(),
	}, nil
}

// VerifyReport lists the tree points of a shard that disagree with the
// record store.
type VerifyReport struct {
	Shard  string `json:"shard"`
	Points int    `json:"points"`
	// Unrecorded holds fingerprints in the tree without a record. The next
	// Add of such a fingerprint repairs its record.
	Unrecorded []string `json:"unrecorded,omitempty"`
	// Misowned holds fingerprints recorded under another shard.
	Misowned []string `json:"misowned,omitempty"`
}

// OK reports whether every point has a record owned by the shard.
func (r VerifyReport) OK() bool { return len(r.Unrecorded) == 0 && len(r.Misowned) == 0 }

// Verify checks every tree point against records. The tree is snapshotted
// under the mutex; the lookups run without it.
func (idx *Index) Verify(ctx context.Context, records recordstore.Store) (VerifyReport, error) {
	idx.mu.Lock()
	hexes := make([]string, 0, idx.tree.Len())
	idx.tree.Walk(func(p Point) bool {
		hexes = append(hexes, p.Fingerprint.Hex())
		return true
	})
	idx.mu.Unlock()

	rep := VerifyReport{Shard: idx.name, Points: len(hexes)}
	for _, hex := range hexes {
		owner, err := records.Owner(ctx, hex)
		switch {
		case failure.Is(err, failure.KindNotFound):
			rep.Unrecorded = append(rep.Unrecorded, hex)
		case err != nil:
			return rep, err
		case owner != idx.name:
			rep.Misowned = append(rep.Misowned, hex)
		}
	}
	return rep, nil
}
