package shard

import (
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/cyclops/fingerprint"
)

// Router assigns every fingerprint to exactly one owner shard using rendezvous
// (highest random weight) hashing, so all URLs sharing a fingerprint reach the
// same shard and its dedup critical section.
type Router struct {
	names []string
}

// NewRouter creates a router over the given shard names.
func NewRouter(names []string) (*Router, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("shard: router needs at least one shard")
	}

	sorted := slices.Clone(names)
	slices.Sort(sorted)
	for i, n := range sorted {
		if n == "" {
			return nil, fmt.Errorf("shard: empty shard name")
		}
		if i > 0 && sorted[i-1] == n {
			return nil, fmt.Errorf("shard: duplicate shard name %q", n)
		}
	}
	return &Router{names: sorted}, nil
}

// Names returns the sorted shard names.
func (r *Router) Names() []string { return slices.Clone(r.names) }

// Route returns the owner shard of fp. Ties go to the lexically smallest name.
func (r *Router) Route(fp fingerprint.Fingerprint) string {
	var (
		best  string
		score uint64
		d     = xxhash.New()
	)
	for i, name := range r.names {
		d.Reset()
		_, _ = d.WriteString(name)
		_, _ = d.Write([]byte{0})
		_, _ = d.Write(fp)

		if s := d.Sum64(); i == 0 || s > score {
			best, score = name, s
		}
	}
	return best
}
