package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/cyclops/internal/mvp"
)

// WriteShard encodes tree into w using compression c.
func WriteShard(w io.Writer, tree *mvp.Tree, c Compression) error {
	if !c.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCompression, c)
	}

	var raw bytes.Buffer
	if err := tree.Encode(&raw); err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	payload, err := compress(raw.Bytes(), c)
	if err != nil {
		return fmt.Errorf("compress payload (%s): %w", c, err)
	}

	header := FileHeader{
		Magic:       MagicNumber,
		Version:     Version,
		Compression: c,
		Width:       uint16(tree.Width()),
		LeafCap:     uint32(tree.LeafCapacity()),
		PayloadLen:  uint64(len(payload)),
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return err
	}

	if _, err := w.Write(payload); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, PayloadChecksum(payload))
}

// ReadShard decodes a shard file written by WriteShard.
func ReadShard(r io.Reader) (*mvp.Tree, *FileHeader, error) {
	var header FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, nil, fmt.Errorf("%w: read header: %w", ErrCorrupt, err)
	}
	if err := header.validate(); err != nil {
		return nil, nil, err
	}

	payload := make([]byte, header.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, fmt.Errorf("%w: read payload: %w", ErrCorrupt, err)
	}

	var sum uint32
	if err := binary.Read(r, binary.LittleEndian, &sum); err != nil {
		return nil, nil, fmt.Errorf("%w: read checksum: %w", ErrCorrupt, err)
	}
	if err := VerifyPayload(payload, sum); err != nil {
		return nil, nil, err
	}

	raw, err := decompress(payload, header.Compression)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decompress (%s): %w", ErrCorrupt, header.Compression, err)
	}

	tree, err := mvp.Decode(bytes.NewReader(raw))
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			err = fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		return nil, nil, err
	}
	if tree.Width() != int(header.Width) || tree.LeafCapacity() != int(header.LeafCap) {
		return nil, nil, fmt.Errorf("%w: header width=%d leafCap=%d, tree width=%d leafCap=%d",
			ErrCorrupt, header.Width, header.LeafCap, tree.Width(), tree.LeafCapacity())
	}
	return tree, &header, nil
}

// MarshalShard is WriteShard into a byte slice.
func MarshalShard(tree *mvp.Tree, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteShard(&buf, tree, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalShard is ReadShard from a byte slice.
func UnmarshalShard(data []byte) (*mvp.Tree, *FileHeader, error) {
	return ReadShard(bytes.NewReader(data))
}
