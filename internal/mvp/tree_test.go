package mvp

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cyclops/fingerprint"
)

func randomPoints(rng *rand.Rand, n, width int) []Point {
	pts := make([]Point, n)
	for i := range pts {
		fp := make(fingerprint.Fingerprint, width)
		rng.Read(fp)
		pts[i] = Point{ID: fmt.Sprintf("p%d", i), Fingerprint: fp}
	}
	return pts
}

func bruteForce(pts []Point, q fingerprint.Fingerprint, radius int) []string {
	var ids []string
	for _, p := range pts {
		if fingerprint.MustDistance(q, p.Fingerprint) <= radius {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func ids(pts []Point) []string {
	out := make([]string, 0, len(pts))
	for _, p := range pts {
		out = append(out, p.ID)
	}
	sort.Strings(out)
	return out
}

func TestNew(t *testing.T) {
	tr, err := New(0, 8)
	require.NoError(t, err)
	assert.Equal(t, DefaultLeafCapacity, tr.LeafCapacity())
	assert.Equal(t, 8, tr.Width())
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 1, tr.Depth())

	_, err = New(4, 0)
	assert.Error(t, err)
}

func TestInsertWidth(t *testing.T) {
	tr, err := New(4, 2)
	require.NoError(t, err)

	err = tr.Insert(Point{ID: "x", Fingerprint: fingerprint.Fingerprint{1}})
	assert.ErrorIs(t, err, ErrWidth)
	assert.Equal(t, 0, tr.Len())

	_, err = tr.Filter(fingerprint.Fingerprint{1, 2, 3}, 1, 0)
	assert.ErrorIs(t, err, ErrWidth)
}

func TestInsertCopiesFingerprint(t *testing.T) {
	tr, err := New(4, 2)
	require.NoError(t, err)

	fp := fingerprint.Fingerprint{0xff, 0x00}
	require.NoError(t, tr.Insert(Point{ID: "u1", Fingerprint: fp}))
	fp[0] = 0x00

	got, err := tr.Filter(fingerprint.Fingerprint{0xff, 0x00}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].ID)
}

func TestFilterMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pts := randomPoints(rng, 2000, 8)

	tr, err := New(16, 8)
	require.NoError(t, err)
	for _, p := range pts {
		require.NoError(t, tr.Insert(p))
	}
	assert.Equal(t, len(pts), tr.Len())
	assert.Greater(t, tr.Depth(), 1)

	for i := 0; i < 50; i++ {
		q := pts[rng.Intn(len(pts))].Fingerprint.Clone()
		q[rng.Intn(len(q))] ^= 1 << uint(rng.Intn(8))

		for _, radius := range []int{0, 1, 4, 16, 28, 64} {
			got, err := tr.Filter(q, radius, 0)
			require.NoError(t, err)
			assert.Equal(t, bruteForce(pts, q, radius), ids(got), "radius %d", radius)
		}
	}
}

func TestFilterLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pts := randomPoints(rng, 500, 2)

	tr, err := New(8, 2)
	require.NoError(t, err)
	for _, p := range pts {
		require.NoError(t, tr.Insert(p))
	}

	q := fingerprint.Fingerprint{0, 0}
	got, err := tr.Filter(q, 16, 10)
	require.NoError(t, err)
	assert.Len(t, got, 10)

	for _, p := range got {
		assert.LessOrEqual(t, fingerprint.MustDistance(q, p.Fingerprint), 16)
	}

	got, err = tr.Filter(q, -1, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNearestMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	pts := randomPoints(rng, 1500, 8)

	tr, err := New(16, 8)
	require.NoError(t, err)
	for _, p := range pts {
		require.NoError(t, tr.Insert(p))
	}

	for i := 0; i < 30; i++ {
		q := pts[rng.Intn(len(pts))].Fingerprint.Clone()
		q[rng.Intn(len(q))] ^= 1 << uint(rng.Intn(8))

		for _, radius := range []int{0, 4, 24, 64} {
			for _, k := range []int{1, 5, 50} {
				want := bruteForceNearest(pts, q, radius, k)

				got, err := tr.Nearest(q, radius, k)
				require.NoError(t, err)
				gotIDs := make([]string, len(got))
				for j, p := range got {
					gotIDs[j] = p.ID
				}
				assert.Equal(t, want, gotIDs, "radius %d k %d", radius, k)
			}
		}
	}
}

func bruteForceNearest(pts []Point, q fingerprint.Fingerprint, radius, k int) []string {
	type hit struct {
		id string
		d  int
	}
	var hits []hit
	for _, p := range pts {
		if d := fingerprint.MustDistance(q, p.Fingerprint); d <= radius {
			hits = append(hits, hit{p.ID, d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].d != hits[j].d {
			return hits[i].d < hits[j].d
		}
		return hits[i].id < hits[j].id
	})

	out := make([]string, 0, k)
	for i := 0; i < len(hits) && i < k; i++ {
		out = append(out, hits[i].id)
	}
	return out
}

func TestNearestEdgeCases(t *testing.T) {
	tr, err := New(4, 1)
	require.NoError(t, err)

	got, err := tr.Nearest(fingerprint.Fingerprint{0}, 8, 3)
	require.NoError(t, err)
	assert.Empty(t, got, "empty tree")

	for i := range 10 {
		require.NoError(t, tr.Insert(Point{ID: fmt.Sprintf("p%d", i), Fingerprint: fingerprint.Fingerprint{byte(i)}}))
	}

	got, err = tr.Nearest(fingerprint.Fingerprint{0}, 8, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = tr.Nearest(fingerprint.Fingerprint{0}, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1", "p2", "p4", "p8"}, ids(got))

	_, err = tr.Nearest(fingerprint.Fingerprint{0, 0}, 1, 1)
	assert.ErrorIs(t, err, ErrWidth)
}

func TestSplitDegenerateBucket(t *testing.T) {
	tr, err := New(2, 1)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Insert(Point{ID: fmt.Sprintf("dup%d", i), Fingerprint: fingerprint.Fingerprint{0xaa}}))
	}
	assert.Equal(t, 1, tr.Depth())

	got, err := tr.Filter(fingerprint.Fingerprint{0xaa}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestWalk(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	pts := randomPoints(rng, 100, 4)

	tr, err := New(4, 4)
	require.NoError(t, err)
	for _, p := range pts {
		require.NoError(t, tr.Insert(p))
	}

	var seen []Point
	tr.Walk(func(p Point) bool {
		seen = append(seen, p)
		return true
	})
	assert.Equal(t, ids(pts), ids(seen))

	n := 0
	tr.Walk(func(Point) bool {
		n++
		return n < 5
	})
	assert.Equal(t, 5, n)
}

func TestEncodeDecode(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	pts := randomPoints(rng, 700, 8)

	tr, err := New(8, 8)
	require.NoError(t, err)
	for _, p := range pts {
		require.NoError(t, tr.Insert(p))
	}

	var buf bytes.Buffer
	require.NoError(t, tr.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, tr.Len(), got.Len())
	assert.Equal(t, tr.Width(), got.Width())
	assert.Equal(t, tr.LeafCapacity(), got.LeafCapacity())
	assert.Equal(t, tr.Depth(), got.Depth())

	for i := 0; i < 20; i++ {
		q := pts[rng.Intn(len(pts))].Fingerprint
		want, err := tr.Filter(q, 20, 0)
		require.NoError(t, err)
		have, err := got.Filter(q, 20, 0)
		require.NoError(t, err)
		assert.Equal(t, ids(want), ids(have))
	}

	// Decoded trees keep accepting inserts.
	require.NoError(t, got.Insert(Point{ID: "extra", Fingerprint: make(fingerprint.Fingerprint, 8)}))
	assert.Equal(t, tr.Len()+1, got.Len())
}

func TestEncodeDecodeEmpty(t *testing.T) {
	tr, err := New(0, 8)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tr.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())
	assert.Equal(t, DefaultLeafCapacity, got.LeafCapacity())
}

func TestDecodeCorrupt(t *testing.T) {
	tr, err := New(4, 2)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, tr.Insert(Point{ID: fmt.Sprint(i), Fingerprint: fingerprint.Fingerprint{byte(i), byte(i * 7)}}))
	}
	var buf bytes.Buffer
	require.NoError(t, tr.Encode(&buf))
	data := buf.Bytes()

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode(bytes.NewReader(data[:len(data)-3]))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad tag", func(t *testing.T) {
		bad := append([]byte{4, 2, 0}, 0x7f)
		_, err := Decode(bytes.NewReader(bad))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("size mismatch", func(t *testing.T) {
		bad := []byte{4, 2, 5, tagLeaf, 0}
		_, err := Decode(bytes.NewReader(bad))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("zero width", func(t *testing.T) {
		_, err := Decode(bytes.NewReader([]byte{4, 0, 0, tagLeaf, 0}))
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestIDLengthBound(t *testing.T) {
	tr, err := New(4, 2)
	require.NoError(t, err)

	long := strings.Repeat("x", MaxIDLen+1)
	err = tr.Insert(Point{ID: long, Fingerprint: fingerprint.Fingerprint{1, 2}})
	require.ErrorIs(t, err, ErrIDTooLong)
	assert.Zero(t, tr.Len())

	edge := strings.Repeat("y", MaxIDLen)
	require.NoError(t, tr.Insert(Point{ID: edge, Fingerprint: fingerprint.Fingerprint{1, 2}}))

	var buf bytes.Buffer
	require.NoError(t, tr.Encode(&buf))
	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())
}

func TestEncodeRefusesUndecodableID(t *testing.T) {
	tr, err := New(4, 2)
	require.NoError(t, err)
	require.NoError(t, tr.Insert(Point{ID: "a", Fingerprint: fingerprint.Fingerprint{1, 2}}))

	// Bypass Insert to plant an ID Decode would reject.
	tr.root.points[0].ID = strings.Repeat("z", MaxIDLen+1)

	var buf bytes.Buffer
	require.ErrorIs(t, tr.Encode(&buf), ErrIDTooLong)
}
