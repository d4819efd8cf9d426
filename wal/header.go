package wal

import (
	"encoding/binary"
	"fmt"
	"io"
)

var (
	walMagic         = [4]byte{'C', 'Y', 'W', '1'}
	walHeaderVersion = uint16(1)
	walHeaderLen     = int64(8)
)

func writeWALHeader(w io.Writer) (int64, error) {
	var buf [8]byte
	copy(buf[:4], walMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], walHeaderVersion)
	// buf[6:8] reserved

	if _, err := w.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to write WAL header: %w", err)
	}
	return walHeaderLen, nil
}

func readWALHeader(f io.ReadSeeker) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAL: %w", err)
	}

	var buf [8]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return fmt.Errorf("failed to read WAL header: %w", err)
	}
	if [4]byte(buf[:4]) != walMagic {
		return fmt.Errorf("unsupported WAL format: invalid header magic")
	}
	if version := binary.LittleEndian.Uint16(buf[4:6]); version != walHeaderVersion {
		return fmt.Errorf("unsupported WAL header version: %d", version)
	}
	return nil
}
