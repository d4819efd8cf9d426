package persistence

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MagicNumber identifies cyclops shard files (ASCII: "CYC1").
	MagicNumber uint32 = 0x43594331
	// Version is the current shard file format version.
	Version uint16 = 1

	// HeaderSize is the encoded size of FileHeader in bytes.
	HeaderSize = 22
	// TrailerSize is the size of the CRC32 trailer.
	TrailerSize = 4

	// MaxPayloadBytes bounds the payload length accepted on load.
	MaxPayloadBytes = 16 << 30
)

var (
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("unsupported version")
	ErrInvalidCompression = errors.New("unknown compression")
	ErrCorrupt            = errors.New("corrupt shard file")
)

// FileHeader is the fixed-size header at the start of every shard file.
// It is written little-endian without padding.
type FileHeader struct {
	Magic       uint32 // 0x43594331 ("CYC1")
	Version     uint16
	Compression Compression
	Reserved    uint8
	Width       uint16 // fingerprint width in bytes
	LeafCap     uint32 // tree leaf bucket capacity
	PayloadLen  uint64 // bytes of (compressed) tree encoding that follow
}

func (h *FileHeader) validate() error {
	if h.Magic != MagicNumber {
		return fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: got %d", ErrInvalidVersion, h.Version)
	}
	if !h.Compression.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCompression, h.Compression)
	}
	if h.Width == 0 {
		return fmt.Errorf("%w: zero fingerprint width", ErrCorrupt)
	}
	if h.PayloadLen > MaxPayloadBytes {
		return fmt.Errorf("%w: payload length %d", ErrCorrupt, h.PayloadLen)
	}
	return nil
}

// Compression selects the payload compression algorithm.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

func (c Compression) valid() bool {
	return c <= CompressionZSTD
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
// The empty string selects CompressionNone.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidCompression, name)
	}
}
