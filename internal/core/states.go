// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// BlockState is where a block is in its metadata lifecycle.
//
// A block starts UNDER_CONSTRUCTION when a writer opens it, moves to
// COMMITTED when the writer declares the final length and stamp, and to
// COMPLETE once enough finalized replicas have been reported. If the
// writer's lease expires first, the block detours through UNDER_RECOVERY
// while a primary node drives the replicas to agreement.
type BlockState int

const (
	// BlockUnderConstruction means the block is the writable tail of an
	// open file and replicas are still being written.
	BlockUnderConstruction BlockState = iota

	// BlockUnderRecovery means the writer's lease expired and a recovery
	// round is (or is about to be) running.
	BlockUnderRecovery

	// BlockCommitted means the writer declared the final length and
	// generation stamp, but not enough finalized replicas have been
	// reported yet.
	BlockCommitted

	// BlockComplete means the block's metadata is immutable. A block
	// record that is still under construction never holds this state.
	BlockComplete
)

var blockStateName = map[BlockState]string{
	BlockUnderConstruction: "UNDER_CONSTRUCTION",
	BlockUnderRecovery:     "UNDER_RECOVERY",
	BlockCommitted:         "COMMITTED",
	BlockComplete:          "COMPLETE",
}

func (s BlockState) String() string {
	if n, ok := blockStateName[s]; ok {
		return n
	}
	return "INVALID_BLOCK_STATE"
}

// ReplicaState is the state of one replica of a block, as last reported by
// the storage node holding it. The names follow the storage node's own
// vocabulary for its on-disk replicas.
type ReplicaState int

const (
	// ReplicaFinalized: the replica has reached its final length and is
	// read-only on the node.
	ReplicaFinalized ReplicaState = iota

	// ReplicaBeingWritten: the replica is being appended to by the writer
	// pipeline (RBW).
	ReplicaBeingWritten

	// ReplicaWaitingRecovery: the node restarted with the replica not
	// finalized; it waits for a recovery round to settle it (RWR).
	ReplicaWaitingRecovery

	// ReplicaUnderRecovery: the replica is part of an active recovery
	// round (RUR).
	ReplicaUnderRecovery

	// ReplicaTemporary: the replica was created for an internal transfer
	// and was never part of a writer pipeline.
	ReplicaTemporary
)

var replicaStateName = map[ReplicaState]string{
	ReplicaFinalized:       "FINALIZED",
	ReplicaBeingWritten:    "RBW",
	ReplicaWaitingRecovery: "RWR",
	ReplicaUnderRecovery:   "RUR",
	ReplicaTemporary:       "TEMPORARY",
}

func (s ReplicaState) String() string {
	if n, ok := replicaStateName[s]; ok {
		return n
	}
	return "INVALID_REPLICA_STATE"
}
