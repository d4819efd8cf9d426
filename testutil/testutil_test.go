package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
)

func TestFingerprints(t *testing.T) {
	rng := NewRNG(4711)

	fps := rng.Fingerprints(8, 8)
	assert.Len(t, fps, 8)
	for _, fp := range fps {
		assert.Equal(t, 8, fp.Width())
	}

	rng.Reset()
	again := rng.Fingerprints(8, 8)
	assert.Equal(t, fps, again)
}

func TestNear(t *testing.T) {
	rng := NewRNG(1)
	base := rng.Fingerprint(8)

	for _, d := range []int{0, 1, 7, 64} {
		n := rng.Near(base, d)
		assert.Equal(t, d, fingerprint.MustDistance(base, n))
	}
	assert.Equal(t, 64, fingerprint.MustDistance(base, rng.Near(base, 100)))
}

func TestClustered(t *testing.T) {
	rng := NewRNG(2)
	fps := rng.Clustered(100, 8, 4, 3)
	assert.Len(t, fps, 100)
}

func TestExactRadiusAndRecall(t *testing.T) {
	q := fingerprint.FromUint64(0)
	ids := []string{"c", "a", "b"}
	fps := []fingerprint.Fingerprint{
		fingerprint.FromUint64(0b1),
		fingerprint.FromUint64(0b11),
		fingerprint.FromUint64(0b1),
	}

	got := ExactRadius(q, ids, fps, 1)
	assert.Equal(t, []Match{{ID: "b", Distance: 1}, {ID: "c", Distance: 1}}, got)

	assert.Equal(t, 1.0, ComputeRecall(got, []string{"c", "b", "x"}))
	assert.Equal(t, 0.5, ComputeRecall(got, []string{"b"}))
	assert.Equal(t, 1.0, ComputeRecall(nil, nil))
	assert.Equal(t, 0.0, ComputeRecall(nil, []string{"x"}))
}

func TestStaticProvider(t *testing.T) {
	fp := fingerprint.FromUint64(0xff00)
	p := NewStaticProvider(map[string]fingerprint.Fingerprint{"u1": fp})

	got, err := p.Fingerprint(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, fp.Equal(got))

	_, err = p.Fingerprint(context.Background(), "missing")
	assert.True(t, failure.Is(err, failure.KindContentFetch))
	assert.Equal(t, 1, p.Calls("missing"))

	var _ fingerprint.Provider = p
}

func TestCounters(t *testing.T) {
	c := NewCounters()
	require.NoError(t, c.IncrementCounter(context.Background(), "worker:a", "db_saved", 2))
	require.NoError(t, c.IncrementCounter(context.Background(), "worker:a", "db_saved", 1))
	assert.Equal(t, int64(3), c.Get("worker:a", "db_saved"))
	assert.Zero(t, c.Get("worker:b", "db_saved"))
}
