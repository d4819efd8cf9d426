package fingerprint

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"net/http"
	"time"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
	"golang.org/x/time/rate"

	"github.com/hupe1980/cyclops/failure"
)

const (
	// DefaultFetchTimeout bounds a single image download.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxImageBytes bounds the size of a downloaded image.
	DefaultMaxImageBytes = 32 << 20
)

// HTTPProvider downloads an image and derives its 64-bit perceptual hash (pHash).
type HTTPProvider struct {
	client    *http.Client
	limiter   *rate.Limiter
	maxBytes  int64
	userAgent string
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithRateLimit throttles outbound fetches. A nil limiter disables throttling.
func WithRateLimit(l *rate.Limiter) HTTPOption {
	return func(p *HTTPProvider) { p.limiter = l }
}

// WithMaxBytes bounds the number of bytes read per image.
func WithMaxBytes(n int64) HTTPOption {
	return func(p *HTTPProvider) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithUserAgent sets the User-Agent header for fetches.
func WithUserAgent(ua string) HTTPOption {
	return func(p *HTTPProvider) { p.userAgent = ua }
}

// NewHTTPProvider creates a provider producing DefaultWidth fingerprints.
func NewHTTPProvider(optFns ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		client:   &http.Client{Timeout: DefaultFetchTimeout},
		maxBytes: DefaultMaxImageBytes,
	}
	for _, fn := range optFns {
		fn(p)
	}
	return p
}

// Fingerprint implements Provider.
func (p *HTTPProvider) Fingerprint(ctx context.Context, url string) (Fingerprint, error) {
	const op = "fingerprint.fetch"

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, failure.New(failure.KindContentFetch, op, err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.New(failure.KindContentFetch, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, failure.Errorf(failure.KindContentFetch, op, "response returned for url %s is %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, failure.New(failure.KindContentFetch, op, err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, failure.Errorf(failure.KindContentFetch, op, "image at %s exceeds %d bytes", url, p.maxBytes)
	}

	return FromImageBytes(data)
}

// FromImageBytes decodes an encoded image and hashes it.
func FromImageBytes(data []byte) (Fingerprint, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, failure.New(failure.KindContentFetch, "fingerprint.decode", err)
	}
	fp, err := FromImage(img)
	if err != nil {
		return nil, fmt.Errorf("%s image: %w", format, err)
	}
	return fp, nil
}

// FromImage computes the perceptual hash of img.
func FromImage(img image.Image) (Fingerprint, error) {
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, failure.New(failure.KindContentFetch, "fingerprint.hash", err)
	}
	return FromUint64(h.GetHash()), nil
}
