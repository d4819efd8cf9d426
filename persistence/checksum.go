package persistence

import (
	"fmt"
	"hash/crc32"
)

// The payload trailer is an IEEE CRC32. It catches torn writes and bit rot,
// not tampering.

// PayloadChecksum returns the trailer value for a shard payload.
func PayloadChecksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// VerifyPayload compares the checksum of payload with the stored trailer.
func VerifyPayload(payload []byte, stored uint32) error {
	if got := PayloadChecksum(payload); got != stored {
		return &ChecksumMismatchError{Stored: stored, Computed: got, Size: len(payload)}
	}
	return nil
}

// ChecksumMismatchError reports a shard payload whose trailer does not match.
type ChecksumMismatchError struct {
	Stored   uint32
	Computed uint32
	Size     int
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("payload checksum mismatch over %d bytes: stored 0x%08x, computed 0x%08x", e.Size, e.Stored, e.Computed)
}

// Unwrap reports a checksum mismatch as corruption.
func (e *ChecksumMismatchError) Unwrap() error { return ErrCorrupt }
