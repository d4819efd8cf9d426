package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	URL      string    `json:"url" msgpack:"url"`
	Shard    string    `json:"shard" msgpack:"shard"`
	Error    string    `json:"error" msgpack:"error"`
	FailedAt time.Time `json:"failed_at" msgpack:"failed_at"`
}

func TestCodecs(t *testing.T) {
	in := envelope{
		URL:      "https://img.example/a.png",
		Shard:    "a",
		Error:    "response returned for url is 404",
		FailedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	for _, name := range []string{"json", "go-json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			c, ok := ByName(name)
			require.True(t, ok)
			assert.Equal(t, name, c.Name())

			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out envelope
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, in.URL, out.URL)
			assert.Equal(t, in.Shard, out.Shard)
			assert.Equal(t, in.Error, out.Error)
			assert.True(t, in.FailedAt.Equal(out.FailedAt))
		})
	}
}

func TestJSONCodecsInterchangeable(t *testing.T) {
	data, err := GoJSON{}.Marshal(map[string]int{"a": 1})
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, JSON{}.Unmarshal(data, &out))
	assert.Equal(t, 1, out["a"])
}

func TestByNameUnknown(t *testing.T) {
	_, ok := ByName("gob")
	assert.False(t, ok)
	assert.Panics(t, func() { MustByName("gob") })
	assert.NotPanics(t, func() { MustByName("msgpack") })
}

func TestSniff(t *testing.T) {
	in := envelope{URL: "u", Shard: "a"}

	for _, c := range []Codec{JSON{}, Msgpack{}} {
		data, err := c.Marshal(in)
		require.NoError(t, err)

		got, ok := Sniff(data)
		require.True(t, ok, c.Name())
		var out envelope
		require.NoError(t, got.Unmarshal(data, &out))
		assert.Equal(t, in.URL, out.URL)
	}

	_, ok := Sniff([]byte("  "))
	assert.False(t, ok)
	_, ok = Sniff([]byte{0x01})
	assert.False(t, ok)
}

func TestDecodeFallsBack(t *testing.T) {
	in := envelope{URL: "u", Shard: "b"}
	packed, err := Msgpack{}.Marshal(in)
	require.NoError(t, err)

	var out envelope
	require.NoError(t, Decode(GoJSON{}, packed, &out))
	assert.Equal(t, "b", out.Shard)

	err = Decode(Msgpack{}, []byte("not an envelope"), &out)
	assert.ErrorContains(t, err, "decode with msgpack")
}
