package wal

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/nendb/pkg/types"
)

func testConfig() types.Config {
	cfg := types.DefaultConfig("")
	cfg.WalSyncPolicy = types.SyncImmediate
	cfg.WalSegmentMaxBytes = 0 // disable rotation unless a test opts in
	return cfg
}

func TestWAL_AppendAssignsIncreasingLSNs(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	lsn1, err := w.Append(types.RecordCreateNode, []byte("a"), time.Now())
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	lsn2, err := w.Append(types.RecordCreateNode, []byte("b"), time.Now())
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if lsn2 != lsn1+1 {
		t.Fatalf("expected monotonic LSNs, got %d then %d", lsn1, lsn2)
	}
}

func TestWAL_ReplayAppliesRecordsInOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now()
	if _, err := w.Append(types.RecordCreateNode, []byte("a"), now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Append(types.RecordCreateNode, []byte("b"), now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var payloads []string
	replayed, repaired, err := Replay(dir, func(rec Record) error {
		payloads = append(payloads, string(rec.Payload))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if repaired {
		t.Fatal("replay should not report a repair on a clean log")
	}
	if replayed != 2 || payloads[0] != "a" || payloads[1] != "b" {
		t.Fatalf("unexpected replay result: replayed=%d payloads=%v", replayed, payloads)
	}
}

func TestWAL_TornTailIsRepairedAtReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now()
	if _, err := w.Append(types.RecordCreateNode, []byte("good"), now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Append a second, well-formed record directly to the segment file,
	// then truncate its last 4 bytes to simulate a crash mid-write.
	path := segmentPath(dir, 0)
	rec := Encode(Record{Kind: types.RecordCreateNode, LSN: 2, TimestampUnixNano: now.UnixNano(), Payload: []byte("torn")})
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("reopen segment: %v", err)
	}
	if _, err := f.Write(rec[:len(rec)-4]); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	f.Close()

	var payloads []string
	replayed, repaired, err := Replay(dir, func(rec Record) error {
		payloads = append(payloads, string(rec.Payload))
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !repaired {
		t.Fatal("expected replay to report a tail repair")
	}
	if replayed != 1 || payloads[0] != "good" {
		t.Fatalf("expected only the good record replayed, got %v", payloads)
	}

	// The segment file itself should now be truncated at the last good
	// record boundary, so a second replay sees the same thing.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	goodLen := len(Encode(Record{Kind: types.RecordCreateNode, LSN: 1, TimestampUnixNano: now.UnixNano(), Payload: []byte("good")}))
	if info.Size() != int64(segmentHeaderLen)+int64(goodLen) {
		t.Fatalf("expected segment file truncated to header plus the good record (%d bytes), size=%d", segmentHeaderLen+goodLen, info.Size())
	}
}

func TestWAL_RotationCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.WalSegmentMaxBytes = 64 // force rotation almost immediately

	w, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	now := time.Now()
	for i := 0; i < 10; i++ {
		if _, err := w.Append(types.RecordCreateNode, []byte("0123456789"), now); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	segCount := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "wal.") {
			segCount++
		}
	}
	if segCount < 2 {
		t.Fatalf("expected rotation to produce multiple segments, found %d entries", segCount)
	}
}

func TestWAL_Health(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	h := w.Health()
	if !h.Healthy {
		t.Fatal("freshly opened wal should be healthy")
	}
	if h.IOErrorCount != 0 {
		t.Fatalf("expected zero io errors, got %d", h.IOErrorCount)
	}
}
