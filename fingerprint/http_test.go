package fingerprint

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hupe1980/cyclops/failure"
)

func gradient(w, h int, invert bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x * 255) / w)
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: uint8((y * 255) / h), B: v, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHTTPProvider(t *testing.T) {
	img := gradient(64, 64, false)
	body := encodePNG(t, img)

	mux := http.NewServeMux()
	mux.HandleFunc("/img.png", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cyclops-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewHTTPProvider(
		WithHTTPClient(srv.Client()),
		WithUserAgent("cyclops-test"),
		WithRateLimit(rate.NewLimiter(rate.Inf, 1)),
	)

	t.Run("ok", func(t *testing.T) {
		fp, err := p.Fingerprint(context.Background(), srv.URL+"/img.png")
		require.NoError(t, err)
		assert.Equal(t, DefaultWidth, fp.Width())

		want, err := FromImage(img)
		require.NoError(t, err)
		assert.Equal(t, want, fp)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := p.Fingerprint(context.Background(), srv.URL+"/missing.png")
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.KindContentFetch))
	})

	t.Run("undecodable", func(t *testing.T) {
		_, err := p.Fingerprint(context.Background(), srv.URL+"/garbage")
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.KindContentFetch))
	})

	t.Run("too large", func(t *testing.T) {
		small := NewHTTPProvider(WithHTTPClient(srv.Client()), WithUserAgent("cyclops-test"), WithMaxBytes(16))
		_, err := small.Fingerprint(context.Background(), srv.URL+"/img.png")
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.KindContentFetch))
	})
}

func TestFromImageDistinguishes(t *testing.T) {
	a, err := FromImage(gradient(64, 64, false))
	require.NoError(t, err)
	b, err := FromImage(gradient(64, 64, true))
	require.NoError(t, err)

	d, err := Distance(a, b)
	require.NoError(t, err)
	assert.Greater(t, d, 0)
}
