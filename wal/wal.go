// Package wal provides a per-shard insert journal.
//
// Every point inserted into a shard tree is appended to the journal before the
// tree is mutated. On load the journal is replayed on top of the last persisted
// shard file, and a successful persist truncates it. A crash between autosaves
// therefore loses no acknowledged inserts.
//
// Features:
//   - Length-prefixed, CRC32-checked records; a torn tail is cut on open
//   - Configurable fsync behavior for performance vs durability tradeoff
//   - Group commit with a background fsync worker
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/cyclops/internal/fs"
)

// ErrClosed is returned by operations on a closed WAL.
var ErrClosed = errors.New("wal: closed")

// WAL is an append-only journal file.
type WAL struct {
	mu         sync.Mutex
	file       fs.File
	bufWriter  *bufio.Writer
	seqNum     uint64
	entries    int
	filePath   string
	dataOffset int64
	recovered  int64 // bytes cut from a torn tail on open

	durabilityMode      DurabilityMode
	groupCommitInterval time.Duration
	groupCommitMaxOps   int
	groupCommitTicker   *time.Ticker
	groupCommitStopCh   chan struct{}
	groupCommitPending  int
	groupCommitWg       sync.WaitGroup

	syncCond        *sync.Cond
	persistedSeqNum uint64
	syncErr         error
}

// FilePath returns the path to the WAL file.
func (w *WAL) FilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filePath
}

// New opens or creates the journal at Options.Path/Options.Name.wal.
func New(optFns ...func(o *Options)) (*WAL, error) {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.GroupCommitMaxOps <= 0 {
		opts.GroupCommitMaxOps = DefaultOptions.GroupCommitMaxOps
	}

	fsys := opts.FileSystem
	if fsys == nil {
		fsys = fs.Default
	}

	if err := fsys.MkdirAll(opts.Path, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(opts.Path, opts.Name+".wal")

	file, err := fsys.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:                file,
		filePath:            filePath,
		durabilityMode:      opts.DurabilityMode,
		groupCommitInterval: opts.GroupCommitInterval,
		groupCommitMaxOps:   opts.GroupCommitMaxOps,
	}
	w.syncCond = sync.NewCond(&w.mu)

	if st.Size() == 0 {
		w.dataOffset, err = writeWALHeader(file)
	} else {
		w.dataOffset = walHeaderLen
		err = readWALHeader(file)
	}
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := w.scan(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to scan WAL: %w", err)
	}
	w.persistedSeqNum = w.seqNum
	w.bufWriter = bufio.NewWriter(w.file)

	if w.durabilityMode == DurabilityGroupCommit && w.groupCommitInterval > 0 {
		w.groupCommitStopCh = make(chan struct{})
		w.groupCommitTicker = time.NewTicker(w.groupCommitInterval)
		w.groupCommitWg.Add(1)
		go w.groupCommitWorker()
	}

	return w, nil
}

// scan counts intact entries, finds the highest sequence number and cuts a
// torn tail so that later appends start at a record boundary.
func (w *WAL) scan() error {
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(w.file)

	good := w.dataOffset
	for {
		var entry Entry
		n, err := decodeEntry(reader, &entry)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			st, statErr := w.file.Stat()
			if statErr != nil {
				return statErr
			}
			w.recovered = st.Size() - good
			if err := w.file.Truncate(good); err != nil {
				return err
			}
			break
		}
		good += n
		w.entries++
		if entry.SeqNum > w.seqNum {
			w.seqNum = entry.SeqNum
		}
	}

	_, err := w.file.Seek(good, io.SeekStart)
	return err
}

// Recovered returns the number of bytes discarded from a torn tail on open.
func (w *WAL) Recovered() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recovered
}

// Append journals one insert. It returns once the entry is durable according
// to the configured DurabilityMode.
func (w *WAL) Append(id string, fp []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	entry := Entry{SeqNum: w.seqNum + 1, ID: id, Fingerprint: fp}
	buf, err := encodeEntry(nil, &entry)
	if err != nil {
		return err
	}
	w.seqNum++
	if _, err := w.bufWriter.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	w.entries++

	return w.syncIfNeeded()
}

// syncIfNeeded performs fsync based on the configured durability mode.
// Caller must hold w.mu.
func (w *WAL) syncIfNeeded() error {
	switch w.durabilityMode {
	case DurabilityAsync:
		return nil

	case DurabilitySync:
		return w.file.Sync()

	case DurabilityGroupCommit:
		w.groupCommitPending++
		targetSeq := w.seqNum

		if w.groupCommitPending >= w.groupCommitMaxOps || w.groupCommitTicker == nil {
			return w.doGroupCommit()
		}
		// syncCond.Wait releases w.mu so the worker can sync.
		for w.persistedSeqNum < targetSeq && w.syncErr == nil && w.file != nil {
			w.syncCond.Wait()
		}
		if w.syncErr != nil {
			return w.syncErr
		}
		if w.persistedSeqNum < targetSeq {
			return ErrClosed
		}
		return nil

	default:
		return nil
	}
}

// doGroupCommit performs the actual fsync and resets the pending counter.
// Caller must hold w.mu.
func (w *WAL) doGroupCommit() error {
	if w.groupCommitPending == 0 || w.file == nil {
		return nil
	}

	if err := w.file.Sync(); err != nil {
		w.syncErr = err
		w.syncCond.Broadcast()
		return err
	}

	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

func (w *WAL) groupCommitWorker() {
	defer w.groupCommitWg.Done()

	for {
		select {
		case <-w.groupCommitStopCh:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
			return

		case <-w.groupCommitTicker.C:
			w.mu.Lock()
			_ = w.doGroupCommit()
			w.mu.Unlock()
		}
	}
}

// Replay calls fn for every journaled entry in append order.
func (w *WAL) Replay(fn func(entry Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := w.bufWriter.Flush(); err != nil {
		return err
	}

	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(w.file)

	var replayErr error
	for n := 0; ; n++ {
		var entry Entry
		if _, err := decodeEntry(reader, &entry); err != nil {
			if !errors.Is(err, io.EOF) {
				replayErr = fmt.Errorf("WAL corrupted after %d entries: %w", n, err)
			}
			break
		}
		if err := fn(entry); err != nil {
			replayErr = fmt.Errorf("failed to replay entry %d: %w", entry.SeqNum, err)
			break
		}
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil && replayErr == nil {
		replayErr = err
	}
	return replayErr
}

// Truncate drops every entry. Call it after the shard file holding those
// entries has been written.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if err := w.file.Truncate(w.dataOffset); err != nil {
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}
	if _, err := w.file.Seek(w.dataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAL data offset: %w", err)
	}
	w.bufWriter.Reset(w.file)
	w.entries = 0

	// Sequence numbers stay monotonic across truncation so group-commit
	// waiters keep comparing against persistedSeqNum correctly.
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.groupCommitPending = 0
	w.persistedSeqNum = w.seqNum
	w.syncCond.Broadcast()
	return nil
}

// Len returns the number of journaled entries.
func (w *WAL) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

// Close stops the group commit worker, syncs and closes the file.
// After Close returns, the WAL is no longer usable.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	if w.groupCommitTicker != nil {
		close(w.groupCommitStopCh)
		w.mu.Unlock()
		w.groupCommitWg.Wait()
		w.mu.Lock()
		w.groupCommitTicker.Stop()
		w.groupCommitTicker = nil
	}

	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	err := w.file.Close()
	w.file = nil
	w.syncCond.Broadcast()
	return err
}
