package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cuemby/nendb/pkg/types"
)

// Record is a single WAL entry: a tagged, length-prefixed, CRC32-protected
// mutation with its assigned log sequence number.
//
// Wire format (little-endian):
//
//	uint32 totalLen   // length of everything that follows, excluding itself
//	uint16 kind        // types.RecordKind
//	uint64 lsn
//	int64  timestampUnixNano
//	[]byte payload     // kind-specific, opaque to this package
//	uint32 crc32       // IEEE CRC32 of kind..payload (everything above except totalLen)
const (
	headerFixedLen = 4 + 2 + 8 + 8 // totalLen + kind + lsn + timestamp
	trailerLen     = 4             // crc32
)

// Record is the decoded form of a WAL entry.
type Record struct {
	Kind              types.RecordKind
	LSN               uint64
	TimestampUnixNano int64
	Payload           []byte
}

// Encode serializes r into its on-disk representation.
func Encode(r Record) []byte {
	body := make([]byte, 2+8+8+len(r.Payload))
	binary.LittleEndian.PutUint16(body[0:2], uint16(r.Kind))
	binary.LittleEndian.PutUint64(body[2:10], r.LSN)
	binary.LittleEndian.PutUint64(body[10:18], uint64(r.TimestampUnixNano))
	copy(body[18:], r.Payload)

	sum := crc32.ChecksumIEEE(body)

	out := make([]byte, 4+len(body)+trailerLen)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)+trailerLen))
	copy(out[4:4+len(body)], body)
	binary.LittleEndian.PutUint32(out[4+len(body):], sum)
	return out
}

// Decode reads one record from buf, which must contain at least the
// 4-byte length prefix. It returns the record, the number of bytes
// consumed from buf, and an error wrapping types.ErrWalCorruption if the
// checksum does not match or buf is too short for the declared length.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, fmt.Errorf("record header truncated: %w", types.ErrWalCorruption)
	}
	totalLen := binary.LittleEndian.Uint32(buf[0:4])
	if totalLen < uint32(headerFixedLen-4+trailerLen) {
		return Record{}, 0, fmt.Errorf("record length %d implausible: %w", totalLen, types.ErrWalCorruption)
	}
	consumed := 4 + int(totalLen)
	if len(buf) < consumed {
		return Record{}, 0, fmt.Errorf("record body truncated (want %d have %d): %w", consumed, len(buf), types.ErrWalCorruption)
	}

	body := buf[4 : consumed-trailerLen]
	wantSum := binary.LittleEndian.Uint32(buf[consumed-trailerLen : consumed])
	gotSum := crc32.ChecksumIEEE(body)
	if gotSum != wantSum {
		return Record{}, 0, fmt.Errorf("crc mismatch want %x got %x: %w", wantSum, gotSum, types.ErrWalCorruption)
	}

	kind := types.RecordKind(binary.LittleEndian.Uint16(body[0:2]))
	lsn := binary.LittleEndian.Uint64(body[2:10])
	ts := int64(binary.LittleEndian.Uint64(body[10:18]))
	payload := make([]byte, len(body)-18)
	copy(payload, body[18:])

	return Record{Kind: kind, LSN: lsn, TimestampUnixNano: ts, Payload: payload}, consumed, nil
}
