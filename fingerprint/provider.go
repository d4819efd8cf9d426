package fingerprint

import (
	"context"

	"github.com/hupe1980/cyclops/internal/cache"
)

// Provider resolves an image URL to its fingerprint.
//
// Fetch and decode failures must be returned as failure.KindContentFetch errors.
type Provider interface {
	Fingerprint(ctx context.Context, url string) (Fingerprint, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, url string) (Fingerprint, error)

// Fingerprint implements Provider.
func (f ProviderFunc) Fingerprint(ctx context.Context, url string) (Fingerprint, error) {
	return f(ctx, url)
}

// CachingProvider remembers the fingerprints of recently resolved URLs.
// Failures are not cached.
type CachingProvider struct {
	next  Provider
	cache *cache.LRU[string, Fingerprint]
}

// NewCachingProvider wraps next with an LRU cache of size entries.
func NewCachingProvider(next Provider, size int) *CachingProvider {
	return &CachingProvider{next: next, cache: cache.NewLRU[string, Fingerprint](size)}
}

// Fingerprint implements Provider.
func (p *CachingProvider) Fingerprint(ctx context.Context, url string) (Fingerprint, error) {
	if fp, ok := p.cache.Get(url); ok {
		return fp.Clone(), nil
	}

	fp, err := p.next.Fingerprint(ctx, url)
	if err != nil {
		return nil, err
	}
	p.cache.Set(url, fp.Clone())
	return fp, nil
}

// Forget drops url from the cache.
func (p *CachingProvider) Forget(url string) { p.cache.Remove(url) }

// CacheStats returns the cache hit and miss counts.
func (p *CachingProvider) CacheStats() (hits, misses int64) {
	hits, misses, _ = p.cache.Stats()
	return hits, misses
}
