/*
Package batch implements the fixed-size message batch and the all-or-
nothing commit protocol: pre-validate every message, append all of them
to the WAL (terminated by a batch_marker record) and fsync per the
configured policy, then apply every message to the pools and id index.
If pre-validation rejects any message, nothing is appended to the WAL and
nothing is applied. If the WAL append itself fails partway through, the
WAL is marked unhealthy and the pools are left untouched.
*/
package batch

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/nendb/pkg/types"
)

// Kind tags a pending message within a batch, reusing the WAL record
// kind enumeration since every batch message becomes exactly one WAL
// record.
type Kind = types.RecordKind

// Message is one pending mutation queued in a Batch, not yet validated
// or applied.
type Message struct {
	Kind       Kind
	NodeID     uint64
	FromID     uint64
	ToID       uint64
	Label      uint16
	NodeKind   uint8
	Properties []byte
	Vector     []float32
}

// Batch is a fixed-capacity, pre-allocated collection of pending
// messages. The capacity is set once at construction (DefaultMaxSize
// unless configured otherwise) and reused across commits by the single
// writer: Reset clears it for the next round without reallocating.
type Batch struct {
	messages []Message
	maxSize  uint32
}

// New constructs an empty batch with room for maxSize messages.
func New(maxSize uint32) *Batch {
	return &Batch{messages: make([]Message, 0, maxSize), maxSize: maxSize}
}

// Reset empties the batch for reuse, keeping the backing array.
func (b *Batch) Reset() {
	b.messages = b.messages[:0]
}

// Len returns the number of queued messages.
func (b *Batch) Len() int {
	return len(b.messages)
}

func (b *Batch) add(m Message) error {
	if uint32(len(b.messages)) >= b.maxSize {
		return fmt.Errorf("batch at max size %d: %w", b.maxSize, types.ErrBatchFull)
	}
	b.messages = append(b.messages, m)
	return nil
}

// AddCreateNode queues a node creation.
func (b *Batch) AddCreateNode(id uint64, kind uint8, properties []byte) error {
	return b.add(Message{Kind: types.RecordCreateNode, NodeID: id, NodeKind: kind, Properties: properties})
}

// AddCreateEdge queues an edge creation.
func (b *Batch) AddCreateEdge(from, to uint64, label uint16, properties []byte) error {
	return b.add(Message{Kind: types.RecordCreateEdge, FromID: from, ToID: to, Label: label, Properties: properties})
}

// AddCreateEmbedding queues an embedding creation, owned by nodeID.
func (b *Batch) AddCreateEmbedding(nodeID uint64, vector []float32) error {
	return b.add(Message{Kind: types.RecordCreateEmbedding, NodeID: nodeID, Vector: vector})
}

// AddDeleteNode queues a node deletion by external id.
func (b *Batch) AddDeleteNode(id uint64) error {
	return b.add(Message{Kind: types.RecordDeleteNode, NodeID: id})
}

// AddDeleteEdge queues an edge deletion by its (from, to, label)
// composite key, the only identity an edge has since it carries no
// external id of its own.
func (b *Batch) AddDeleteEdge(from, to uint64, label uint16) error {
	return b.add(Message{Kind: types.RecordDeleteEdge, FromID: from, ToID: to, Label: label})
}

// AddUpdateNode queues an in-place node update by external id.
func (b *Batch) AddUpdateNode(id uint64, kind uint8, properties []byte) error {
	return b.add(Message{Kind: types.RecordUpdateNode, NodeID: id, NodeKind: kind, Properties: properties})
}

// encode serializes a message into the payload bytes the WAL record of
// its kind carries, matching pkg/recovery's decoders exactly.
func encode(m Message) []byte {
	switch m.Kind {
	case types.RecordCreateNode, types.RecordUpdateNode:
		buf := make([]byte, 8+1+4+len(m.Properties))
		binary.LittleEndian.PutUint64(buf[0:8], m.NodeID)
		buf[8] = m.NodeKind
		binary.LittleEndian.PutUint32(buf[9:13], uint32(len(m.Properties)))
		copy(buf[13:], m.Properties)
		return buf

	case types.RecordCreateEdge:
		buf := make([]byte, 8+8+2+4+len(m.Properties))
		binary.LittleEndian.PutUint64(buf[0:8], m.FromID)
		binary.LittleEndian.PutUint64(buf[8:16], m.ToID)
		binary.LittleEndian.PutUint16(buf[16:18], m.Label)
		binary.LittleEndian.PutUint32(buf[18:22], uint32(len(m.Properties)))
		copy(buf[22:], m.Properties)
		return buf

	case types.RecordCreateEmbedding:
		buf := make([]byte, 8+4*len(m.Vector))
		binary.LittleEndian.PutUint64(buf[0:8], m.NodeID)
		for i, f := range m.Vector {
			binary.LittleEndian.PutUint32(buf[8+i*4:], math.Float32bits(f))
		}
		return buf

	case types.RecordDeleteNode:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, m.NodeID)
		return buf

	case types.RecordDeleteEdge:
		buf := make([]byte, 8+8+2)
		binary.LittleEndian.PutUint64(buf[0:8], m.FromID)
		binary.LittleEndian.PutUint64(buf[8:16], m.ToID)
		binary.LittleEndian.PutUint16(buf[16:18], m.Label)
		return buf

	default:
		return nil
	}
}

// stampTime is overridable in tests; production always uses time.Now.
var stampTime = time.Now
