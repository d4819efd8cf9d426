// Package persistence implements the on-disk shard file format.
//
// A shard file is a fixed header, the (optionally compressed) tree encoding
// and a CRC32 of that payload:
//
//	[magic u32][version u16][compression u8][reserved u8][width u16][leafCap u32][payloadLen u64]
//	[payload ...]
//	[crc32 u32]
//
// All integers are little-endian. Files are replaced atomically via a temp file,
// fsync and rename.
package persistence
