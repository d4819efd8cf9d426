// Package fs abstracts the file operations of the insert journal so tests can
// inject I/O faults.
//
//   - [LocalFS]: the os package
//   - [FaultyFS]: wraps another FileSystem and fails writes, syncs or
//     truncations of matching files on demand
package fs
