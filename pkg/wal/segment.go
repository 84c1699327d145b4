package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/nendb/pkg/types"
)

// segmentMagic identifies a nendb WAL segment file.
var segmentMagic = [4]byte{'n', 'w', 'a', 'l'}

const segmentFormatVersion = 1

// segmentHeaderLen is magic(4) + version(2) + startLSN(8).
const segmentHeaderLen = 4 + 2 + 8

func segmentFileName(index uint32) string {
	return fmt.Sprintf("wal.%06d", index)
}

func segmentPath(dir string, index uint32) string {
	return filepath.Join(dir, segmentFileName(index))
}

// segment wraps one open WAL segment file plus its starting LSN and
// current on-disk size, which governs rotation.
type segment struct {
	index    uint32
	startLSN uint64
	file     *os.File
	size     int64
}

func createSegment(dir string, index uint32, startLSN uint64) (*segment, error) {
	path := segmentPath(dir, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create wal segment %s: %w", path, err)
	}

	header := make([]byte, segmentHeaderLen)
	copy(header[0:4], segmentMagic[:])
	binary.LittleEndian.PutUint16(header[4:6], segmentFormatVersion)
	binary.LittleEndian.PutUint64(header[6:14], startLSN)

	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write wal segment header %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync wal segment header %s: %w", path, err)
	}

	return &segment{index: index, startLSN: startLSN, file: f, size: int64(segmentHeaderLen)}, nil
}

// openSegmentForAppend reopens an existing segment file for appending,
// validating its header and seeking to the current end.
func openSegmentForAppend(dir string, index uint32) (*segment, error) {
	path := segmentPath(dir, index)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal segment %s: %w", path, err)
	}

	header := make([]byte, segmentHeaderLen)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read wal segment header %s: %w", path, err)
	}
	if string(header[0:4]) != string(segmentMagic[:]) {
		f.Close()
		return nil, fmt.Errorf("bad segment magic in %s: %w", path, types.ErrWalCorruption)
	}
	startLSN := binary.LittleEndian.Uint64(header[6:14])

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seek wal segment %s: %w", path, err)
	}

	return &segment{index: index, startLSN: startLSN, file: f, size: end}, nil
}

func (s *segment) append(b []byte) error {
	n, err := s.file.Write(b)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("write wal segment %s: %w", segmentFileName(s.index), err)
	}
	return nil
}

func (s *segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("fsync wal segment %s: %w", segmentFileName(s.index), err)
	}
	return nil
}

// truncate cuts the segment file down to offset, discarding a torn tail.
func (s *segment) truncate(offset int64) error {
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate wal segment %s: %w", segmentFileName(s.index), err)
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek wal segment %s: %w", segmentFileName(s.index), err)
	}
	s.size = offset
	return nil
}

func (s *segment) close() error {
	return s.file.Close()
}

// listSegments returns the sorted segment indices present in dir.
func listSegments(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list wal dir %s: %w", dir, err)
	}

	var indices []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx uint32
		if _, err := fmt.Sscanf(e.Name(), "wal.%06d", &idx); err == nil {
			indices = append(indices, idx)
		}
	}
	for i := 1; i < len(indices); i++ {
		for j := i; j > 0 && indices[j-1] > indices[j]; j-- {
			indices[j-1], indices[j] = indices[j], indices[j-1]
		}
	}
	return indices, nil
}
