package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/cuemby/nendb/pkg/idindex"
	"github.com/cuemby/nendb/pkg/log"
	"github.com/cuemby/nendb/pkg/pool"
	"github.com/cuemby/nendb/pkg/types"
)

// Load restores engine state from dataDir/snapshot.bin. If that file is
// missing or fails CRC validation, it falls back to snapshot.bin.bak. If
// neither file exists, it returns (0, false, nil) so the caller opens with
// empty pools -- not an error, since a fresh data directory has no
// snapshot yet. If a file exists but neither one loads, it returns an
// error wrapping types.ErrSnapshotCorruption.
func Load(dataDir string, nodes *pool.NodePool, edges *pool.EdgePool, embeddings *pool.EmbeddingPool, nodeIndex, embeddingIndex *idindex.Index) (lsn uint64, found bool, err error) {
	logger := log.WithComponent("snapshot")

	primary := filepath.Join(dataDir, imageFileName)
	lsn, ok, err := loadFrom(primary, nodes, edges, embeddings, nodeIndex, embeddingIndex)
	if err == nil && ok {
		return lsn, true, nil
	}
	if err != nil {
		logger.Warn().Err(err).Msg("primary snapshot failed validation, trying backup")
	}

	backup := filepath.Join(dataDir, backupFileName)
	lsn, ok, berr := loadFrom(backup, nodes, edges, embeddings, nodeIndex, embeddingIndex)
	if berr == nil && ok {
		logger.Warn().Msg("recovered from backup snapshot")
		return lsn, true, nil
	}

	if !ok && err == nil && berr == nil {
		// Neither file exists: a genuinely fresh data directory.
		return 0, false, nil
	}

	return 0, false, fmt.Errorf("both snapshot and backup unreadable: %w", types.ErrSnapshotCorruption)
}

func loadFrom(path string, nodes *pool.NodePool, edges *pool.EdgePool, embeddings *pool.EmbeddingPool, nodeIndex, embeddingIndex *idindex.Index) (uint64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return 0, false, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	if len(raw) < 4 {
		return 0, false, fmt.Errorf("snapshot %s too short: %w", path, types.ErrSnapshotCorruption)
	}

	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	wantSum := binary.LittleEndian.Uint32(trailer)
	if crc32.ChecksumIEEE(body) != wantSum {
		return 0, false, fmt.Errorf("snapshot %s checksum mismatch: %w", path, types.ErrSnapshotCorruption)
	}

	r := bufio.NewReader(newByteReader(body))

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != imageMagic {
		return 0, false, fmt.Errorf("snapshot %s bad magic: %w", path, types.ErrSnapshotCorruption)
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil || version != imageVersion {
		return 0, false, fmt.Errorf("snapshot %s bad version: %w", path, types.ErrSnapshotCorruption)
	}
	var lsn uint64
	if err := binary.Read(r, binary.LittleEndian, &lsn); err != nil {
		return 0, false, fmt.Errorf("snapshot %s truncated header: %w", path, types.ErrSnapshotCorruption)
	}

	if err := loadNodes(r, nodes); err != nil {
		return 0, false, fmt.Errorf("snapshot %s node section: %w", path, err)
	}
	if err := loadEdges(r, edges); err != nil {
		return 0, false, fmt.Errorf("snapshot %s edge section: %w", path, err)
	}
	if err := loadEmbeddings(r, embeddings); err != nil {
		return 0, false, fmt.Errorf("snapshot %s embedding section: %w", path, err)
	}
	if err := loadIndex(r, nodeIndex); err != nil {
		return 0, false, fmt.Errorf("snapshot %s node id index section: %w", path, err)
	}
	if err := loadIndex(r, embeddingIndex); err != nil {
		return 0, false, fmt.Errorf("snapshot %s embedding id index section: %w", path, err)
	}

	return lsn, true, nil
}

func newByteReader(b []byte) io.Reader {
	return &sliceReader{b: b}
}

type sliceReader struct {
	b []byte
	i int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.i >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.i:])
	s.i += n
	return n, nil
}

func readRecord(r io.Reader) ([]byte, bool, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, false, err
	}
	if length == 0 {
		return nil, false, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func loadNodes(r io.Reader, nodes *pool.NodePool) error {
	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(rec) < 4+8+1+4+4 {
			return types.ErrSnapshotCorruption
		}
		slot := binary.LittleEndian.Uint32(rec[0:4])
		id := binary.LittleEndian.Uint64(rec[4:12])
		kind := rec[12]
		generation := binary.LittleEndian.Uint32(rec[13:17])
		propLen := binary.LittleEndian.Uint32(rec[17:21])
		props := rec[21 : 21+propLen]

		if err := nodes.AllocWithGeneration(slot, id, kind, generation, true, props); err != nil {
			return err
		}
	}
}

func loadEdges(r io.Reader, edges *pool.EdgePool) error {
	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(rec) < 4+8+8+2+4+4 {
			return types.ErrSnapshotCorruption
		}
		slot := binary.LittleEndian.Uint32(rec[0:4])
		from := binary.LittleEndian.Uint64(rec[4:12])
		to := binary.LittleEndian.Uint64(rec[12:20])
		label := binary.LittleEndian.Uint16(rec[20:22])
		generation := binary.LittleEndian.Uint32(rec[22:26])
		propLen := binary.LittleEndian.Uint32(rec[26:30])
		props := rec[30 : 30+propLen]

		if err := edges.AllocWithGeneration(slot, from, to, label, generation, true, props); err != nil {
			return err
		}
	}
}

func loadEmbeddings(r io.Reader, embeddings *pool.EmbeddingPool) error {
	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(rec) < 4+8 {
			return types.ErrSnapshotCorruption
		}
		slot := binary.LittleEndian.Uint32(rec[0:4])
		nodeID := binary.LittleEndian.Uint64(rec[4:12])
		vecBytes := rec[12:]
		if len(vecBytes)%4 != 0 {
			return types.ErrSnapshotCorruption
		}
		vec := make([]float32, len(vecBytes)/4)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(vecBytes[i*4:]))
		}
		if err := embeddings.AllocWithState(slot, nodeID, true, vec); err != nil {
			return err
		}
	}
}

func loadIndex(r io.Reader, idx *idindex.Index) error {
	idx.Reset()
	for {
		rec, ok, err := readRecord(r)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(rec) < 12 {
			return types.ErrSnapshotCorruption
		}
		id := binary.LittleEndian.Uint64(rec[0:8])
		slot := binary.LittleEndian.Uint32(rec[8:12])
		if err := idx.Insert(id, slot); err != nil {
			return err
		}
	}
}
