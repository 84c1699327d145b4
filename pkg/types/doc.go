/*
Package types defines the core data structures shared across the storage
engine.

This package holds the engine's fixed data model — nodes, edges, vector
embeddings, the WAL record-kind tag set, and the Config an engine is opened
with — plus the sentinel errors every component returns. Nothing here
allocates pool storage or touches disk; pkg/pool, pkg/wal, pkg/snapshot,
pkg/batch, pkg/recovery and pkg/engine all build on these types.

# Core Types

Data model:
  - Node: id, kind, active flag, generation, inline property blob
  - Edge: from/to node ids, label, active flag, generation, inline properties
  - Embedding: node id, fixed-length float32 vector, active flag

Configuration:
  - Config: capacities, embedding dimension, property sizes, WAL sync
    policy, batch sizing — fixed for the lifetime of a data directory
  - DefaultConfig returns this engine's documented defaults
  - Config.Validate reports InvalidConfiguration before Open does any IO

Errors:
  - One sentinel per error kind this engine's components return
    (ErrPoolExhausted, ErrDuplicateID, ErrUnknownNode, ErrInvalidSlot,
    ErrWalIOError, ErrWalCorruption, ErrWalUnhealthy, ErrSnapshotCorruption,
    ErrBatchFull, ErrDatabaseLocked, ErrInvalidConfiguration)
  - Callers use errors.Is against these sentinels; components wrap them
    with fmt.Errorf("...: %w", ...) for context

# Usage

	cfg := types.DefaultConfig("/var/lib/nendb")
	cfg.NodeCapacity = 1024
	cfg.EmbeddingDim = 4
	if err := cfg.Validate(); err != nil {
		return err
	}
*/
package types
