package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
)

// Match is a ground-truth radius query hit.
type Match struct {
	ID       string
	Distance int
}

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random 64-bit value.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Fingerprint returns a uniformly random fingerprint of width bytes.
func (r *RNG) Fingerprint(width int) fingerprint.Fingerprint {
	r.mu.Lock()
	defer r.mu.Unlock()

	fp := make(fingerprint.Fingerprint, width)
	_, _ = r.rand.Read(fp)
	return fp
}

// Fingerprints returns num random fingerprints of width bytes.
func (r *RNG) Fingerprints(num, width int) []fingerprint.Fingerprint {
	out := make([]fingerprint.Fingerprint, num)
	for i := range out {
		out[i] = r.Fingerprint(width)
	}
	return out
}

// Near returns a copy of fp with exactly dist distinct bits flipped.
func (r *RNG) Near(fp fingerprint.Fingerprint, dist int) fingerprint.Fingerprint {
	r.mu.Lock()
	defer r.mu.Unlock()

	bits := len(fp) * 8
	if dist > bits {
		dist = bits
	}

	out := fp.Clone()
	for _, b := range r.rand.Perm(bits)[:dist] {
		out[b/8] ^= 1 << (b % 8)
	}
	return out
}

// Clustered returns num fingerprints grouped around clusters random centers,
// each at most spread bits away from its center. Perceptual hashes of similar
// images look like this.
func (r *RNG) Clustered(num, width, clusters, spread int) []fingerprint.Fingerprint {
	centers := r.Fingerprints(clusters, width)

	out := make([]fingerprint.Fingerprint, num)
	for i := range out {
		out[i] = r.Near(centers[r.Intn(clusters)], r.Intn(spread+1))
	}
	return out
}

// ExactRadius is the brute-force radius query over ids/fps, sorted by distance
// then ID.
func ExactRadius(query fingerprint.Fingerprint, ids []string, fps []fingerprint.Fingerprint, radius int) []Match {
	var out []Match
	for i, fp := range fps {
		if d := fingerprint.MustDistance(query, fp); d <= radius {
			out = append(out, Match{ID: ids[i], Distance: d})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ComputeRecall returns the share of ground-truth IDs present in approximate.
func ComputeRecall(groundTruth []Match, approximate []string) float64 {
	if len(groundTruth) == 0 {
		if len(approximate) == 0 {
			return 1.0
		}
		return 0.0
	}

	got := make(map[string]struct{}, len(approximate))
	for _, id := range approximate {
		got[id] = struct{}{}
	}

	hits := 0
	for _, m := range groundTruth {
		if _, ok := got[m.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(groundTruth))
}

// StaticProvider is a fingerprint.Provider backed by a fixed table. Unknown
// URLs fail with a content-fetch error, like an HTTP 404.
type StaticProvider struct {
	mu    sync.Mutex
	table map[string]fingerprint.Fingerprint
	calls map[string]int
}

// NewStaticProvider creates a provider over table.
func NewStaticProvider(table map[string]fingerprint.Fingerprint) *StaticProvider {
	p := &StaticProvider{
		table: make(map[string]fingerprint.Fingerprint, len(table)),
		calls: make(map[string]int),
	}
	for k, v := range table {
		p.table[k] = v
	}
	return p
}

// Set adds or replaces url.
func (p *StaticProvider) Set(url string, fp fingerprint.Fingerprint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[url] = fp
}

// Calls returns how often url was requested.
func (p *StaticProvider) Calls(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

// Fingerprint implements fingerprint.Provider.
func (p *StaticProvider) Fingerprint(ctx context.Context, url string) (fingerprint.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[url]++
	fp, ok := p.table[url]
	if !ok {
		return nil, failure.New(failure.KindContentFetch, "fingerprint", fmt.Errorf("GET %s: 404 Not Found", url))
	}
	return fp.Clone(), nil
}

// Counters is an in-memory recordstore.Counter.
type Counters struct {
	mu     sync.Mutex
	values map[string]map[string]int64
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]map[string]int64)}
}

// IncrementCounter implements recordstore.Counter.
func (c *Counters) IncrementCounter(_ context.Context, category, stat string, delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.values[category]
	if !ok {
		m = make(map[string]int64)
		c.values[category] = m
	}
	m[stat] += delta
	return nil
}

// Get returns the value of stat within category.
func (c *Counters) Get(category, stat string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[category][stat]
}
