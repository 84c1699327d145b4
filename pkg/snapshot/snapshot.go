/*
Package snapshot serializes the full engine state -- every pool plus the
id index -- into a single binary image, and restores it again on Open.

A snapshot write never touches the live snapshot file directly: the image
is written to snapshot.tmp, fsynced, and only then renamed over
snapshot.bin (keeping the prior image as snapshot.bin.bak first), so a
crash mid-write can never leave a half-written file at the path Open
looks for.
*/
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

const (
	imageMagic   = "nsnp"
	imageVersion = 1

	imageFileName  = "snapshot.bin"
	tempFileName   = "snapshot.tmp"
	backupFileName = "snapshot.bin.bak"
)

// State is the full set of engine state a snapshot captures. The
// snapshot package has no knowledge of the engine type itself; it only
// knows how to read from and rebuild these pools and index.
type State struct {
	LSN            uint64
	Nodes          *pool.NodePool
	Edges          *pool.EdgePool
	Embeddings     *pool.EmbeddingPool
	NodeIndex      *idindex.Index
	EmbeddingIndex *idindex.Index
}

// Write serializes state to dataDir/snapshot.bin via the temp-file,
// fsync, rename-with-backup protocol, then fsyncs the containing
// directory so the rename itself is durable.
func Write(dataDir string, state State) error {
	logger := log.WithComponent("snapshot")

	tmpPath := filepath.Join(dataDir, tempFileName)
	finalPath := filepath.Join(dataDir, imageFileName)
	backupPath := filepath.Join(dataDir, backupFileName)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}

	w := bufio.NewWriterSize(f, 1<<20)
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if err := writeImage(mw, state); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, crc.Sum32()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write snapshot trailer: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush snapshot temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync snapshot temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}

	if _, err := os.Stat(finalPath); err == nil {
		if err := os.Rename(finalPath, backupPath); err != nil {
			return fmt.Errorf("back up prior snapshot: %w", err)
		}
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}

	if dir, err := os.Open(dataDir); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	logger.Info().Uint64("lsn", state.LSN).Msg("snapshot written")
	return nil
}

func writeImage(w io.Writer, state State) error {
	if _, err := io.WriteString(w, imageMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(imageVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, state.LSN); err != nil {
		return err
	}

	var writeErr error
	write := func(b []byte) {
		if writeErr != nil {
			return
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
			writeErr = err
			return
		}
		if _, err := w.Write(b); err != nil {
			writeErr = err
		}
	}

	state.Nodes.IterActive(func(slot uint32, n types.Node) bool {
		write(encodeNode(slot, n))
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(0)); err != nil { // node section terminator
		return err
	}

	state.Edges.IterActive(func(slot uint32, e types.Edge) bool {
		write(encodeEdge(slot, e))
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}

	state.Embeddings.IterActive(func(slot uint32, e types.Embedding) bool {
		write(encodeEmbedding(slot, e))
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}

	writeIndex := func(idx *idindex.Index) error {
		idx.SnapshotIter(func(id uint64, slot uint32) {
			if writeErr != nil {
				return
			}
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint64(buf[0:8], id)
			binary.LittleEndian.PutUint32(buf[8:12], slot)
			write(buf)
		})
		if writeErr != nil {
			return writeErr
		}
		return binary.Write(w, binary.LittleEndian, uint32(0))
	}

	if err := writeIndex(state.NodeIndex); err != nil {
		return err
	}
	return writeIndex(state.EmbeddingIndex)
}

func encodeNode(slot uint32, n types.Node) []byte {
	buf := make([]byte, 4+8+1+4+4+len(n.Properties))
	i := 0
	binary.LittleEndian.PutUint32(buf[i:], slot)
	i += 4
	binary.LittleEndian.PutUint64(buf[i:], n.ID)
	i += 8
	buf[i] = n.Kind
	i++
	binary.LittleEndian.PutUint32(buf[i:], n.Generation)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(n.Properties)))
	i += 4
	copy(buf[i:], n.Properties)
	return buf
}

func encodeEdge(slot uint32, e types.Edge) []byte {
	buf := make([]byte, 4+8+8+2+4+4+len(e.Properties))
	i := 0
	binary.LittleEndian.PutUint32(buf[i:], slot)
	i += 4
	binary.LittleEndian.PutUint64(buf[i:], e.From)
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], e.To)
	i += 8
	binary.LittleEndian.PutUint16(buf[i:], e.Label)
	i += 2
	binary.LittleEndian.PutUint32(buf[i:], e.Generation)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(e.Properties)))
	i += 4
	copy(buf[i:], e.Properties)
	return buf
}

func encodeEmbedding(slot uint32, e types.Embedding) []byte {
	buf := make([]byte, 4+8+4*len(e.Vector))
	i := 0
	binary.LittleEndian.PutUint32(buf[i:], slot)
	i += 4
	binary.LittleEndian.PutUint64(buf[i:], e.NodeID)
	i += 8
	for _, f := range e.Vector {
		binary.LittleEndian.PutUint32(buf[i:], math.Float32bits(f))
		i += 4
	}
	return buf
}
