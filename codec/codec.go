// Package codec encodes queue envelopes (dead letters).
//
// Dead letters outlive the process that wrote them. Readers decode with the
// configured codec first and fall back to Sniff, so changing the codec does not
// strand entries written before the change.
package codec

import "fmt"

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Names of the built-in codecs.
const (
	NameJSON    = "json"
	NameGoJSON  = "go-json"
	NameMsgpack = "msgpack"
)

// Default is the codec used when none is configured.
var Default Codec = GoJSON{}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case NameJSON:
		return JSON{}, true
	case NameGoJSON:
		return GoJSON{}, true
	case NameMsgpack:
		return Msgpack{}, true
	default:
		return nil, false
	}
}

// MustByName is ByName that panics on unknown names.
func MustByName(name string) Codec {
	c, ok := ByName(name)
	if !ok {
		panic(fmt.Errorf("codec: unknown codec %q", name))
	}
	return c
}

// Sniff guesses the codec of an encoded envelope from its first byte. JSON
// objects start with '{' (after optional whitespace); msgpack maps start with
// a fixmap, map16 or map32 marker. It returns false for anything else.
func Sniff(data []byte) (Codec, bool) {
	for _, b := range data {
		switch {
		case b == ' ' || b == '\t' || b == '\r' || b == '\n':
			continue
		case b == '{':
			return Default, true
		case b&0xf0 == 0x80 || b == 0xde || b == 0xdf:
			return Msgpack{}, true
		default:
			return nil, false
		}
	}
	return nil, false
}

// Decode unmarshals data with c and, when that fails, with the sniffed codec.
func Decode(c Codec, data []byte, v any) error {
	err := c.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if alt, ok := Sniff(data); ok && alt.Name() != c.Name() {
		if altErr := alt.Unmarshal(data, v); altErr == nil {
			return nil
		}
	}
	return fmt.Errorf("decode with %s: %w", c.Name(), err)
}
