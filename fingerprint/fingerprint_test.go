package fingerprint

import (
	"math/bits"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cyclops/failure"
)

func TestHex(t *testing.T) {
	assert.Equal(t, "0xff00", Fingerprint{0xff, 0x00}.Hex())
	assert.Equal(t, "0x00000000000000ff", FromUint64(0xff).Hex())
	assert.Equal(t, "0x8000000000000001", FromUint64(1<<63|1).Hex())
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		width int
		want  Fingerprint
	}{
		{"canonical", "0xff00", 2, Fingerprint{0xff, 0x00}},
		{"short form is left padded", "0xff", 2, Fingerprint{0x00, 0xff}},
		{"upper case prefix", "0XAB", 1, Fingerprint{0xab}},
		{"decimal", "65280", 2, Fingerprint{0xff, 0x00}},
		{"leading zeros beyond width", "0x0000ff", 1, Fingerprint{0xff}},
		{"zero", "0x0", 2, Fingerprint{0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHex(tt.in, tt.width)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHexErrors(t *testing.T) {
	for _, in := range []string{"", "0x", "0xzz", "-1", "abc", "0x1ff"} {
		_, err := ParseHex(in, 1)
		require.Error(t, err, in)
		assert.True(t, failure.Is(err, failure.KindInvalidInput), in)
	}
	_, err := ParseHex("0x1", 0)
	assert.Error(t, err)
}

func TestNormalizeHex(t *testing.T) {
	got, err := NormalizeHex("0xFF", 2)
	require.NoError(t, err)
	assert.Equal(t, "0x00ff", got)
}

func TestDistance(t *testing.T) {
	d, err := Distance(Fingerprint{0xff, 0x00}, Fingerprint{0xff, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	d, err = Distance(Fingerprint{0xff, 0x00}, Fingerprint{0x00, 0xff})
	require.NoError(t, err)
	assert.Equal(t, 16, d)

	d, err = Distance(FromUint64(0), FromUint64(1<<40|1))
	require.NoError(t, err)
	assert.Equal(t, 2, d)
}

func TestDistanceWidthMismatch(t *testing.T) {
	_, err := Distance(Fingerprint{0x01}, Fingerprint{0x01, 0x02})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindInvariant))
	assert.ErrorIs(t, err, ErrWidthMismatch)

	assert.Panics(t, func() { MustDistance(Fingerprint{0x01}, Fingerprint{}) })
}

func TestDistanceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, width := range []int{1, 3, 8, 13, 32} {
		for i := 0; i < 200; i++ {
			a := make(Fingerprint, width)
			b := make(Fingerprint, width)
			rng.Read(a)
			rng.Read(b)

			want := 0
			for j := range a {
				want += bits.OnesCount8(a[j] ^ b[j])
			}

			ab, err := Distance(a, b)
			require.NoError(t, err)
			ba, err := Distance(b, a)
			require.NoError(t, err)
			aa, err := Distance(a, a)
			require.NoError(t, err)

			assert.Equal(t, want, ab)
			assert.Equal(t, ab, ba)
			assert.Equal(t, 0, aa)
		}
	}
}

func TestCloneAndEqual(t *testing.T) {
	a := Fingerprint{1, 2, 3}
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b[0] = 9
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(Fingerprint{1, 2}))
	assert.Nil(t, Fingerprint(nil).Clone())
}
