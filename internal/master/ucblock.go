// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"fmt"
	"time"

	"github.com/masonfs/mason/internal/core"
)

// StorageNode is the view of a storage node that block records need. The
// node monitor owns the implementations; a block record only keeps them as
// lookup handles, so liveness and heartbeat answers are always current.
type StorageNode interface {
	// ID is the node's stable identity. Replica records match on it.
	ID() core.NodeID

	// IsAlive reports whether the node has heartbeated recently enough to
	// be trusted with work.
	IsAlive() bool

	// LastUpdate is when the node last heartbeated. The zero time if it
	// never has.
	LastUpdate() time.Time

	// ScheduleRecovery queues a recovery task for the node. Tasks are
	// delivered with the node's next heartbeat reply.
	ScheduleRecovery(task core.RecoveryTask)

	// RemoveFromInventory drops a block from the set the node is believed
	// to hold.
	RemoveFromInventory(id core.BlockID)
}

// ucReplica tracks one expected replica of a block under construction. The
// embedded Block carries the replica's coordinates as last reported by its
// node; at creation time nothing has been reported yet, so it starts as a
// copy of whatever the record was created from.
type ucReplica struct {
	core.Block

	// Where the replica is expected to live.
	node StorageNode

	// On-disk state as last reported.
	state core.ReplicaState

	// Has this replica been chosen as primary in the current series of
	// recovery rounds?
	triedAsPrimary bool
}

// ReplicaInfo is a read-only snapshot of one replica record, for status
// surfaces and checkpointing.
type ReplicaInfo struct {
	Node           core.NodeID
	Reported       core.Block
	State          core.ReplicaState
	TriedAsPrimary bool
}

// BlockUnderConstruction is the master's record for the mutable tail block
// of a file that is open for write or append. It tracks which nodes are
// expected to hold replicas, what each node last reported about its copy,
// and where the block is in its lifecycle. It never touches block data.
//
// The embedded Block is the record's own view of the identity: the length
// and stamp the master will vouch for. Replica records carry what the nodes
// reported, which can lag or diverge until a commit or a recovery round
// reconciles them.
//
// BlockUnderConstruction is not safe for concurrent use. The namespace
// serializes access per block id through its lock manager.
type BlockUnderConstruction struct {
	core.Block

	// Lifecycle state. Never BlockComplete: completion turns the record
	// into a plain Block and discards it.
	state core.BlockState

	// Expected replicas in pipeline order. Grows only at the tail, via
	// node reports, until the next SetExpectedLocations.
	replicas []ucReplica

	// Index into replicas of the primary driving the current recovery
	// round, or -1.
	primaryIdx int

	// Id of the most recently initiated recovery round. Also the stamp
	// the block will carry if that round succeeds.
	recoveryID core.GenStamp

	// Where state transitions are reported.
	sink EventSink
}

// NewBlockUnderConstruction builds the record for a block opened for write,
// with one fresh replica record per target in pipeline order. Panics if
// called with BlockComplete: a complete block has no under-construction
// record, and a caller holding one has lost track of the lifecycle.
func NewBlockUnderConstruction(b core.Block, state core.BlockState, targets []StorageNode, sink EventSink) *BlockUnderConstruction {
	if state == core.BlockComplete {
		panic("complete block can't be under construction")
	}
	if sink == nil {
		sink = GlogSink{}
	}
	blk := &BlockUnderConstruction{
		Block:      b,
		state:      state,
		primaryIdx: -1,
		sink:       sink,
	}
	blk.SetExpectedLocations(targets)
	return blk
}

// restoreBlockUnderConstruction rebuilds a record from checkpointed state,
// replica coordinates and flags included. 'nodes' must line up with
// 'replicas' one to one.
func restoreBlockUnderConstruction(b core.Block, state core.BlockState, recoveryID core.GenStamp,
	primaryIdx int, replicas []ReplicaInfo, nodes []StorageNode, sink EventSink) *BlockUnderConstruction {
	if state == core.BlockComplete {
		panic("complete block can't be under construction")
	}
	if sink == nil {
		sink = GlogSink{}
	}
	blk := &BlockUnderConstruction{
		Block:      b,
		state:      state,
		recoveryID: recoveryID,
		primaryIdx: primaryIdx,
		sink:       sink,
	}
	blk.replicas = make([]ucReplica, len(replicas))
	for i, r := range replicas {
		blk.replicas[i] = ucReplica{
			Block:          r.Reported,
			node:           nodes[i],
			state:          r.State,
			triedAsPrimary: r.TriedAsPrimary,
		}
	}
	if blk.primaryIdx >= len(blk.replicas) {
		blk.primaryIdx = -1
	}
	return blk
}

// SetExpectedLocations replaces the replica list with fresh records, one per
// target, in pipeline order. Each record starts as a copy of the block's own
// coordinates in state RBW, since nothing has been reported for it yet. Any
// primary choice from an earlier pipeline is meaningless for the new one, so
// it is cleared.
func (b *BlockUnderConstruction) SetExpectedLocations(targets []StorageNode) {
	b.replicas = make([]ucReplica, 0, len(targets))
	for _, node := range targets {
		b.replicas = append(b.replicas, ucReplica{
			Block: b.Block,
			node:  node,
			state: core.ReplicaBeingWritten,
		})
	}
	b.primaryIdx = -1
}

// ExpectedLocations returns the nodes expected to hold replicas, in replica
// list order.
func (b *BlockUnderConstruction) ExpectedLocations() []StorageNode {
	nodes := make([]StorageNode, len(b.replicas))
	for i := range b.replicas {
		nodes[i] = b.replicas[i].node
	}
	return nodes
}

// NumExpectedLocations returns how many replicas are expected.
func (b *BlockUnderConstruction) NumExpectedLocations() int {
	return len(b.replicas)
}

// State returns where the block is in its lifecycle. Never BlockComplete.
func (b *BlockUnderConstruction) State() core.BlockState {
	return b.state
}

// RecoveryID returns the id of the most recently initiated recovery round.
func (b *BlockUnderConstruction) RecoveryID() core.GenStamp {
	return b.recoveryID
}

// PrimaryIndex returns the index of the replica whose node is driving the
// current recovery round, or -1 if none is chosen.
func (b *BlockUnderConstruction) PrimaryIndex() int {
	return b.primaryIdx
}

// Replicas returns a snapshot of the replica records.
func (b *BlockUnderConstruction) Replicas() []ReplicaInfo {
	out := make([]ReplicaInfo, len(b.replicas))
	for i := range b.replicas {
		r := &b.replicas[i]
		out[i] = ReplicaInfo{
			Node:           r.node.ID(),
			Reported:       r.Block,
			State:          r.state,
			TriedAsPrimary: r.triedAsPrimary,
		}
	}
	return out
}

// SetGenStampAndVerifyReplicas installs the stamp a finished recovery round
// settled on and walks the replicas looking for stale ones: any replica
// reported under a different stamp is dropped from its node's expected
// inventory. The local replica list keeps the stale entries. The node
// inventories are what actually drive deletion, and keeping the record
// means a fresh report from the node slots back into place.
func (b *BlockUnderConstruction) SetGenStampAndVerifyReplicas(stamp core.GenStamp) {
	for i := range b.replicas {
		r := &b.replicas[i]
		if r.GenStamp == stamp {
			continue
		}
		b.sink.Infof("removing stale replica of %v from node %v (reported %v, want %v)",
			b.ID, r.node.ID(), r.GenStamp, stamp)
		r.node.RemoveFromInventory(b.ID)
	}
	b.GenStamp = stamp
}

// Commit records the writer's declaration that the block is fully written:
// the record moves to COMMITTED and adopts the reported length and stamp as
// its own. If the reported id names a different block the commit is refused
// with ErrBlockIDMismatch and the record is left exactly as it was.
func (b *BlockUnderConstruction) Commit(reported core.Block) core.Error {
	if b.ID != reported.ID {
		return core.ErrBlockIDMismatch
	}
	b.state = core.BlockCommitted
	b.Length = reported.Length
	b.GenStamp = reported.GenStamp
	return core.NoError
}

// InitializeRecovery moves the block to UNDER_RECOVERY under the given round
// id and picks a primary to drive the round: the untried replica on the live
// node heard from most recently. Strictly most recently, so ties go to the
// earliest pipeline position and a node that never heartbeated is never
// picked. Once every replica on a live node has had its turn, the tried
// marks are wiped from all replicas and the rotation starts over.
//
// The chosen node gets a recovery task and primaryIdx points at its replica.
// Finding no candidate is not an error; primaryIdx is left at -1 and the
// next lease expiry scan will come back here.
func (b *BlockUnderConstruction) InitializeRecovery(recoveryID core.GenStamp) {
	b.state = core.BlockUnderRecovery
	b.recoveryID = recoveryID

	if len(b.replicas) == 0 {
		b.sink.Warningf("initialize recovery of %v: no replicas found, lease removed without recovery", b.ID)
		return
	}

	allTried := true
	for i := range b.replicas {
		if b.replicas[i].node.IsAlive() && !b.replicas[i].triedAsPrimary {
			allTried = false
			break
		}
	}
	if allTried {
		// Every live replica has had its turn. Wipe the marks on all of
		// them, dead ones included, so nodes coming back are eligible.
		for i := range b.replicas {
			b.replicas[i].triedAsPrimary = false
		}
	}

	b.primaryIdx = -1
	best := -1
	var bestUpdate time.Time
	for i := range b.replicas {
		r := &b.replicas[i]
		if !r.node.IsAlive() || r.triedAsPrimary {
			continue
		}
		if lu := r.node.LastUpdate(); lu.After(bestUpdate) {
			best = i
			bestUpdate = lu
		}
	}
	if best == -1 {
		return
	}

	primary := &b.replicas[best]
	primary.node.ScheduleRecovery(core.RecoveryTask{Block: b.Block, RecoveryID: recoveryID})
	primary.triedAsPrimary = true
	b.primaryIdx = best
	b.sink.Infof("recovery of %v started, round %v, primary node %v", b.ID, recoveryID, primary.node.ID())
}

// AddReplicaIfNotPresent folds one reported replica into the record. A
// record for the reporting node may already exist, in which case only its
// generation stamp is refreshed from the report. Otherwise a new record is
// appended at the tail carrying the reported coordinates, so the original
// pipeline order stays intact in front.
func (b *BlockUnderConstruction) AddReplicaIfNotPresent(node StorageNode, reported core.Block, state core.ReplicaState) {
	for i := range b.replicas {
		if b.replicas[i].node.ID() == node.ID() {
			b.replicas[i].GenStamp = reported.GenStamp
			return
		}
	}
	b.replicas = append(b.replicas, ucReplica{
		Block: reported,
		node:  node,
		state: state,
	})
}

// ConvertToComplete seals the record into the plain completed block value:
// the identity survives, the replica bookkeeping is dropped. The caller owns
// the real precondition (committed, sufficiently replicated); here we only
// re-assert the record never reached COMPLETE on its own.
func (b *BlockUnderConstruction) ConvertToComplete() core.Block {
	if b.state == core.BlockComplete {
		panic("under-construction record in COMPLETE state")
	}
	return b.Block
}

func (b *BlockUnderConstruction) String() string {
	return fmt.Sprintf("%v{state=%v, primary=%d, replicas=%d}", b.Block, b.state, b.primaryIdx, len(b.replicas))
}
