package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/internal/mvp"
)

func buildTree(t *testing.T, n int) *mvp.Tree {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(n)))
	tree, err := mvp.New(16, 8)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		fp := make(fingerprint.Fingerprint, 8)
		rng.Read(fp)
		require.NoError(t, tree.Insert(mvp.Point{ID: fmt.Sprintf("https://img.example/%d.png", i), Fingerprint: fp}))
	}
	return tree
}

func collect(tree *mvp.Tree) []string {
	var out []string
	tree.Walk(func(p mvp.Point) bool {
		out = append(out, p.ID+"="+p.Fingerprint.Hex())
		return true
	})
	sort.Strings(out)
	return out
}

func TestShardRoundTrip(t *testing.T) {
	tree := buildTree(t, 500)

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			data, err := MarshalShard(tree, c)
			require.NoError(t, err)

			got, header, err := UnmarshalShard(data)
			require.NoError(t, err)
			assert.Equal(t, c, header.Compression)
			assert.Equal(t, uint16(8), header.Width)
			assert.Equal(t, uint32(16), header.LeafCap)
			assert.Equal(t, uint64(len(data)-HeaderSize-TrailerSize), header.PayloadLen)
			assert.Equal(t, tree.Len(), got.Len())
			assert.Equal(t, collect(tree), collect(got))
		})
	}
}

func TestShardCompressionShrinksPayload(t *testing.T) {
	tree, err := mvp.New(0, 8)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.NoError(t, tree.Insert(mvp.Point{ID: "https://img.example/same/prefix/image.png", Fingerprint: fingerprint.FromUint64(uint64(i))}))
	}

	plain, err := MarshalShard(tree, CompressionNone)
	require.NoError(t, err)
	packed, err := MarshalShard(tree, CompressionZSTD)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))
}

func TestReadShardErrors(t *testing.T) {
	data, err := MarshalShard(buildTree(t, 50), CompressionLZ4)
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.Clone(data)
		binary.LittleEndian.PutUint32(bad, 0xdeadbeef)
		_, _, err := UnmarshalShard(bad)
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := bytes.Clone(data)
		binary.LittleEndian.PutUint16(bad[4:], 99)
		_, _, err := UnmarshalShard(bad)
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("bad compression", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[6] = 9
		_, _, err := UnmarshalShard(bad)
		assert.ErrorIs(t, err, ErrInvalidCompression)
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[HeaderSize+3] ^= 0xff
		_, _, err := UnmarshalShard(bad)
		var mismatch *ChecksumMismatchError
		assert.True(t, errors.As(err, &mismatch))
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := UnmarshalShard(data[:len(data)-2])
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("empty", func(t *testing.T) {
		_, _, err := UnmarshalShard(nil)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{"": CompressionNone, "none": CompressionNone, "LZ4": CompressionLZ4, " zstd ": CompressionZSTD} {
		got, err := ParseCompression(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseCompression("snappy")
	assert.ErrorIs(t, err, ErrInvalidCompression)
}

func TestSaveLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mvp")
	tree := buildTree(t, 64)

	require.NoError(t, SaveToFile(path, func(w io.Writer) error {
		return WriteShard(w, tree, CompressionZSTD)
	}))

	var got *mvp.Tree
	require.NoError(t, LoadFromFile(path, func(r io.Reader) error {
		var err error
		got, _, err = ReadShard(r)
		return err
	}))
	assert.Equal(t, collect(tree), collect(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReadShardFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.mvp")
	tree := buildTree(t, 32)
	require.NoError(t, SaveToFile(path, func(w io.Writer) error {
		return WriteShard(w, tree, CompressionLZ4)
	}))

	got, header, err := ReadShardFile(path)
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, header.Compression)
	assert.Equal(t, collect(tree), collect(got))

	_, _, err = ReadShardFile(filepath.Join(t.TempDir(), "missing.mvp"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, _, err = ReadShardFile(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSaveToFileFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mvp")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	boom := errors.New("boom")
	err := SaveToFile(path, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
