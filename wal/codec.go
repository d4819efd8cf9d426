package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const maxRecordLen = 1 << 20

var errTornRecord = errors.New("torn or corrupt WAL record")

// ErrRecordTooLarge is returned by Append for an entry whose payload exceeds
// the largest record replay accepts.
var ErrRecordTooLarge = errors.New("WAL record too large")

// encodeEntry frames an entry as [len u32][crc32 u32][payload], where the
// payload is seq uvarint | idLen uvarint | id | fpLen uvarint | fp.
func encodeEntry(dst []byte, e *Entry) ([]byte, error) {
	payload := make([]byte, 0, 3*binary.MaxVarintLen64+len(e.ID)+len(e.Fingerprint))
	payload = binary.AppendUvarint(payload, e.SeqNum)
	payload = binary.AppendUvarint(payload, uint64(len(e.ID)))
	payload = append(payload, e.ID...)
	payload = binary.AppendUvarint(payload, uint64(len(e.Fingerprint)))
	payload = append(payload, e.Fingerprint...)
	if len(payload) > maxRecordLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(payload))
	return append(dst, payload...), nil
}

// decodeEntry reads one framed entry. It returns io.EOF at a clean end of
// stream and errTornRecord for a partial or corrupt record.
func decodeEntry(r io.Reader, e *Entry) (int64, error) {
	var frame [8]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, errTornRecord
	}
	n := binary.LittleEndian.Uint32(frame[0:4])
	sum := binary.LittleEndian.Uint32(frame[4:8])
	if n == 0 || n > maxRecordLen {
		return 0, errTornRecord
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, errTornRecord
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return 0, errTornRecord
	}

	if err := decodePayload(payload, e); err != nil {
		return 0, fmt.Errorf("%w: %w", errTornRecord, err)
	}
	return int64(len(frame)) + int64(n), nil
}

func decodePayload(p []byte, e *Entry) error {
	seq, k := binary.Uvarint(p)
	if k <= 0 {
		return errors.New("bad sequence number")
	}
	p = p[k:]

	idLen, k := binary.Uvarint(p)
	if k <= 0 || uint64(len(p)-k) < idLen {
		return errors.New("bad id")
	}
	p = p[k:]
	id := string(p[:idLen])
	p = p[idLen:]

	fpLen, k := binary.Uvarint(p)
	if k <= 0 || uint64(len(p)-k) != fpLen {
		return errors.New("bad fingerprint")
	}
	p = p[k:]

	e.SeqNum = seq
	e.ID = id
	e.Fingerprint = append([]byte(nil), p...)
	return nil
}
