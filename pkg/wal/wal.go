/*
Package wal implements the append-only, CRC32-protected write-ahead log
that every mutation passes through before it is applied to the in-memory
pools.

Records are length-prefixed and checksummed (see record.go) and stored in
rotating segment files named wal.NNNNNN under the engine's data directory
(see segment.go). The log is written by a single writer holding the
engine's writer lock; Append is not safe for concurrent callers.

Durability is governed by a configurable sync policy: immediate fsyncs
after every append; every_n_records fsyncs at the end of a batch commit
once at least N records have accumulated since the last fsync. There is
no timer: under periodic_ms every batch commit ends with an fsync. Health
state (whether the WAL is fit to accept further writes, the last IO
error, the current end-of-log position) is tracked, and once an IO error
has marked the log unhealthy, Append refuses further records with
types.ErrWalUnhealthy rather than accept writes it cannot guarantee
durable.
*/
package wal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/nendb/pkg/log"
	"github.com/cuemby/nendb/pkg/types"
	"github.com/rs/zerolog"
)

// Health summarizes the WAL's fitness to accept writes.
type Health struct {
	Healthy       bool
	IOErrorCount  uint64
	LastError     string
	EndPosition   int64
	ActiveSegment uint32
}

// WAL is the append-only log for one data directory.
type WAL struct {
	dir        string
	syncPolicy types.SyncPolicy
	syncEveryN uint32
	segMaxSize int64

	mu      sync.Mutex
	cur     *segment
	lastLSN atomic.Uint64

	healthy      atomic.Bool
	ioErrorCount atomic.Uint64
	lastErr      atomic.Value // string

	sinceSync uint32 // records appended since last fsync, guarded by mu

	logger zerolog.Logger
}

// Open opens (or creates) the WAL directory, reopening the most recent
// segment for append or creating segment 0 if the directory is empty.
func Open(dataDir string, cfg types.Config) (*WAL, error) {
	dir := dataDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir %s: %w", dir, err)
	}

	indices, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:        dir,
		syncPolicy: cfg.WalSyncPolicy,
		syncEveryN: cfg.WalSyncEveryN,
		segMaxSize: int64(cfg.WalSegmentMaxBytes),
		logger:     log.WithComponent("wal"),
	}

	if len(indices) == 0 {
		seg, err := createSegment(dir, 0, 1)
		if err != nil {
			return nil, err
		}
		w.cur = seg
	} else {
		last := indices[len(indices)-1]
		seg, err := openSegmentForAppend(dir, last)
		if err != nil {
			return nil, err
		}
		w.cur = seg

		// Resume LSN numbering after the last well-formed record already
		// in the active segment (or just before its start LSN if empty).
		lastLSN := seg.startLSN - 1
		data := make([]byte, seg.size-segmentHeaderLen)
		if _, err := seg.file.ReadAt(data, segmentHeaderLen); err != nil && err != io.EOF {
			seg.close()
			return nil, fmt.Errorf("read wal segment %d: %w", last, err)
		}
		for off := 0; off < len(data); {
			rec, n, decErr := Decode(data[off:])
			if decErr != nil {
				break
			}
			lastLSN = rec.LSN
			off += n
		}
		w.lastLSN.Store(lastLSN)
	}

	w.healthy.Store(true)
	w.lastErr.Store("")
	return w, nil
}

// NextLSN returns the LSN that would be assigned to the next appended
// record, without consuming it.
func (w *WAL) NextLSN() uint64 {
	return w.lastLSN.Load() + 1
}

// Append writes one record, assigning it the next LSN, and returns the
// assigned LSN. The caller (pkg/batch) is responsible for fsync timing
// across a batch via Sync; Append itself only honors SyncImmediate.
func (w *WAL) Append(kind types.RecordKind, payload []byte, now time.Time) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.healthy.Load() {
		return 0, fmt.Errorf("wal append refused: %w", types.ErrWalUnhealthy)
	}

	lsn := w.lastLSN.Load() + 1
	rec := Record{Kind: kind, LSN: lsn, TimestampUnixNano: now.UnixNano(), Payload: payload}
	buf := Encode(rec)

	if err := w.maybeRotateLocked(int64(len(buf))); err != nil {
		return 0, err
	}

	if err := w.cur.append(buf); err != nil {
		w.recordIOError(err)
		return 0, fmt.Errorf("wal append lsn %d: %w", lsn, types.ErrWalIOError)
	}

	w.lastLSN.Store(lsn)
	w.sinceSync++

	if w.syncPolicy == types.SyncImmediate {
		if err := w.syncLocked(); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// Sync flushes the current segment to stable storage and resets the
// every_n_records bookkeeping. The batch committer calls this after
// appending a batch's records whenever ShouldSyncPeriodic reports true.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.cur.sync(); err != nil {
		w.recordIOError(err)
		return fmt.Errorf("wal sync: %w", types.ErrWalIOError)
	}
	w.sinceSync = 0
	return nil
}

// ShouldSyncPeriodic reports whether sinceSync records are pending under
// an every_n_records policy -- used by the batch committer to decide
// whether this batch's commit must include a sync.
func (w *WAL) ShouldSyncPeriodic() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.syncPolicy != types.SyncEveryNRecord || w.syncEveryN == 0 {
		return true
	}
	return w.sinceSync >= w.syncEveryN
}

func (w *WAL) recordIOError(err error) {
	w.ioErrorCount.Add(1)
	w.lastErr.Store(err.Error())
	w.healthy.Store(false)
	w.logger.Error().Err(err).Msg("wal io error, marking unhealthy")
}

// maybeRotateLocked rotates to a new segment if appending incoming would
// exceed the configured max segment size. Caller holds w.mu.
func (w *WAL) maybeRotateLocked(incoming int64) error {
	if w.segMaxSize <= 0 {
		return nil
	}
	if w.cur.size+incoming <= w.segMaxSize {
		return nil
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	next := w.cur.index + 1
	startLSN := w.lastLSN.Load() + 1
	seg, err := createSegment(w.dir, next, startLSN)
	if err != nil {
		return err
	}
	if err := w.cur.close(); err != nil {
		seg.close()
		return fmt.Errorf("close rotated wal segment: %w", err)
	}
	w.cur = seg
	return nil
}

// Rotate forces a new segment, for use after a snapshot has been taken:
// everything in prior segments is now redundant with the snapshot image.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.syncLocked(); err != nil {
		return err
	}
	next := w.cur.index + 1
	startLSN := w.lastLSN.Load() + 1
	seg, err := createSegment(w.dir, next, startLSN)
	if err != nil {
		return err
	}
	if err := w.cur.close(); err != nil {
		seg.close()
		return fmt.Errorf("close wal segment before rotate: %w", err)
	}
	w.cur = seg
	return nil
}

// RemoveSegmentsBefore deletes WAL segment files strictly older than
// keepFrom, called by the snapshot manager once a snapshot has durably
// captured everything they contain.
func (w *WAL) RemoveSegmentsBefore(keepFrom uint32) error {
	indices, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	for _, idx := range indices {
		if idx >= keepFrom {
			continue
		}
		if err := os.Remove(segmentPath(w.dir, idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old wal segment %d: %w", idx, err)
		}
	}
	return nil
}

// Health reports the current WAL health snapshot.
func (w *WAL) Health() Health {
	w.mu.Lock()
	end := w.cur.size
	idx := w.cur.index
	w.mu.Unlock()

	lastErr, _ := w.lastErr.Load().(string)
	return Health{
		Healthy:       w.healthy.Load(),
		IOErrorCount:  w.ioErrorCount.Load(),
		LastError:     lastErr,
		EndPosition:   end,
		ActiveSegment: idx,
	}
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.cur.sync(); err != nil {
		return err
	}
	return w.cur.close()
}

// ReplayFunc is called once per valid record encountered during Replay,
// in ascending LSN order.
type ReplayFunc func(rec Record) error

// Replay reads every segment in the data directory in ascending order
// and invokes fn for each well-formed record. It stops at the first
// corrupt record -- whether a bad checksum or a truncated tail -- rather
// than attempting to skip past it, truncates that segment at the last
// good record boundary, and returns the number of records replayed along
// with whether a repair (truncation) was performed.
func Replay(dataDir string, fn ReplayFunc) (replayed int, repaired bool, err error) {
	indices, err := listSegments(dataDir)
	if err != nil {
		return 0, false, err
	}

	for _, idx := range indices {
		seg, err := openSegmentForAppend(dataDir, idx)
		if err != nil {
			return replayed, repaired, err
		}

		segRepaired, segErr := replaySegment(seg, fn, &replayed)
		closeErr := seg.close()
		if segErr != nil {
			return replayed, repaired, segErr
		}
		if closeErr != nil {
			return replayed, repaired, fmt.Errorf("close wal segment %d after replay: %w", idx, closeErr)
		}
		if segRepaired {
			repaired = true
			segLog := log.WithSegment(idx)
			segLog.Warn().Msg("wal tail truncated during recovery")
			// A torn tail can only occur in the most recent segment; stop
			// reading any further (there should be none, but be explicit).
			break
		}
	}
	return replayed, repaired, nil
}

// replaySegment reads one segment file from just past its header,
// decoding records until EOF or corruption. On corruption it truncates
// the segment at the last good offset and reports repaired=true.
func replaySegment(seg *segment, fn ReplayFunc, replayed *int) (repaired bool, err error) {
	data := make([]byte, seg.size-segmentHeaderLen)
	if _, err := seg.file.ReadAt(data, segmentHeaderLen); err != nil && err != io.EOF {
		return false, fmt.Errorf("read wal segment %d: %w", seg.index, err)
	}

	offset := 0
	for offset < len(data) {
		rec, consumed, decErr := Decode(data[offset:])
		if decErr != nil {
			if err := seg.truncate(segmentHeaderLen + int64(offset)); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := fn(rec); err != nil {
			return false, fmt.Errorf("apply wal record lsn %d: %w", rec.LSN, err)
		}
		offset += consumed
		*replayed++
	}
	return false, nil
}
