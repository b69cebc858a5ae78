// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// This file contains common structs exchanged between the master and the
// storage nodes. The transport that carries them is not defined here.

// NodeLoad is a summary of how much a storage node is holding and how much
// more it can hold.
type NodeLoad struct {
	// How many block replicas does the node have?
	NumBlocks int

	// How many bytes can the node accept?
	AvailSpace uint64

	// How many bytes in total, used or not?
	TotalSpace uint64
}

// ReplicaReport is one storage node's statement about one block replica it
// holds. Nodes send a batch of these in every block report.
type ReplicaReport struct {
	// The block as the node sees it: its id, the length the node has on
	// disk, and the generation stamp it was written under.
	Block Block

	// The on-disk state of the replica.
	State ReplicaState
}

// RecoveryTask tells a storage node to act as the primary of a lease
// recovery round. Tasks ride back to the node on heartbeat replies.
type RecoveryTask struct {
	// The block to recover, with the committed coordinates the master
	// holds for it.
	Block Block

	// The id of the recovery round. The stamp the block will carry if the
	// round succeeds, and the proof of freshness when the outcome is
	// reported back.
	RecoveryID GenStamp
}

// NodeInfo is information about a storage node, for status surfaces.
type NodeInfo struct {
	// What's the unique ID?
	ID NodeID

	// The reported address of this node when it last beat.
	Addr string

	// Current status, may be stale.
	Status string

	// Last received load report.
	Load NodeLoad
}
