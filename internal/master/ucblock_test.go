// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"testing"
	"time"

	"github.com/masonfs/mason/internal/core"
)

// fakeNode is a scripted StorageNode for driving a record directly.
type fakeNode struct {
	id        core.NodeID
	alive     bool
	lastHeard time.Time
	tasks     []core.RecoveryTask
	removed   []core.BlockID
}

func (n *fakeNode) ID() core.NodeID       { return n.id }
func (n *fakeNode) IsAlive() bool         { return n.alive }
func (n *fakeNode) LastUpdate() time.Time { return n.lastHeard }

func (n *fakeNode) ScheduleRecovery(task core.RecoveryTask) {
	n.tasks = append(n.tasks, task)
}

func (n *fakeNode) RemoveFromInventory(id core.BlockID) {
	n.removed = append(n.removed, id)
}

// recordingSink counts events instead of logging them.
type recordingSink struct {
	infos    int
	warnings int
}

func (s *recordingSink) Infof(format string, args ...interface{})    { s.infos++ }
func (s *recordingSink) Warningf(format string, args ...interface{}) { s.warnings++ }

func asTargets(nodes ...*fakeNode) []StorageNode {
	targets := make([]StorageNode, len(nodes))
	for i, n := range nodes {
		targets[i] = n
	}
	return targets
}

// makeNodes returns 'n' live nodes with ids 1..n, heard from in id order so
// the last one is the most recent.
func makeNodes(n int) []*fakeNode {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	nodes := make([]*fakeNode, n)
	for i := range nodes {
		nodes[i] = &fakeNode{
			id:        core.NodeID(i + 1),
			alive:     true,
			lastHeard: base.Add(time.Duration(i) * time.Second),
		}
	}
	return nodes
}

func testBlock() core.Block {
	return core.Block{ID: core.FirstBlockID, Length: 0, GenStamp: core.FirstGenStamp}
}

// Test that a record starts with one fresh RBW replica per target, in
// pipeline order, and no primary.
func TestNewBlockReplicas(t *testing.T) {
	nodes := makeNodes(3)
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	if blk.State() != core.BlockUnderConstruction {
		t.Errorf("wrong state: %v", blk.State())
	}
	if blk.NumExpectedLocations() != 3 {
		t.Fatalf("expected 3 locations, got %d", blk.NumExpectedLocations())
	}
	if blk.PrimaryIndex() != -1 {
		t.Errorf("expected no primary, got %d", blk.PrimaryIndex())
	}
	for i, r := range blk.Replicas() {
		if r.Node != nodes[i].id {
			t.Errorf("replica %d on node %v, want %v", i, r.Node, nodes[i].id)
		}
		if r.State != core.ReplicaBeingWritten {
			t.Errorf("replica %d in state %v, want RBW", i, r.State)
		}
		if r.Reported != testBlock() {
			t.Errorf("replica %d reported %v, want copy of %v", i, r.Reported, testBlock())
		}
		if r.TriedAsPrimary {
			t.Errorf("replica %d already tried as primary", i)
		}
	}
}

// Test that a record may legitimately start with no targets at all.
func TestNewBlockNoTargets(t *testing.T) {
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, nil, &recordingSink{})
	if blk.NumExpectedLocations() != 0 {
		t.Errorf("expected no locations, got %d", blk.NumExpectedLocations())
	}
	if len(blk.ExpectedLocations()) != 0 {
		t.Errorf("expected no nodes, got %d", len(blk.ExpectedLocations()))
	}
}

// Test that constructing a record in COMPLETE state panics.
func TestNewBlockCompletePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic constructing a COMPLETE record")
		}
	}()
	NewBlockUnderConstruction(testBlock(), core.BlockComplete, nil, &recordingSink{})
}

// Test that replacing the expected locations builds fresh records and wipes
// any primary choice from the previous pipeline.
func TestSetExpectedLocationsResets(t *testing.T) {
	nodes := makeNodes(2)
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	blk.InitializeRecovery(core.FirstGenStamp + 1)
	if blk.PrimaryIndex() == -1 {
		t.Fatalf("recovery should have chosen a primary")
	}

	repl := makeNodes(3)
	blk.SetExpectedLocations(asTargets(repl...))
	if blk.NumExpectedLocations() != 3 {
		t.Fatalf("expected 3 locations, got %d", blk.NumExpectedLocations())
	}
	if blk.PrimaryIndex() != -1 {
		t.Errorf("primary should be cleared, got %d", blk.PrimaryIndex())
	}
	for i, r := range blk.Replicas() {
		if r.TriedAsPrimary || r.State != core.ReplicaBeingWritten {
			t.Errorf("replica %d not fresh: %+v", i, r)
		}
	}
}

// Test that committing adopts the reported length and stamp and that the
// record can be committed again with newer values.
func TestCommit(t *testing.T) {
	nodes := makeNodes(2)
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	reported := core.Block{ID: testBlock().ID, Length: 1024, GenStamp: core.FirstGenStamp + 2}
	if err := blk.Commit(reported); err != core.NoError {
		t.Fatalf("commit failed: %s", err)
	}
	if blk.State() != core.BlockCommitted {
		t.Errorf("wrong state after commit: %v", blk.State())
	}
	if blk.Length != 1024 || blk.GenStamp != core.FirstGenStamp+2 {
		t.Errorf("commit didn't adopt identity: %v", blk.Block)
	}

	// A retried commit with fresher coordinates wins.
	reported.Length = 2048
	if err := blk.Commit(reported); err != core.NoError {
		t.Fatalf("recommit failed: %s", err)
	}
	if blk.Length != 2048 {
		t.Errorf("recommit didn't adopt length: %v", blk.Block)
	}
}

// Test that a commit naming the wrong block changes nothing at all.
func TestCommitMismatch(t *testing.T) {
	nodes := makeNodes(2)
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	wrong := core.Block{ID: testBlock().ID + 1, Length: 1024, GenStamp: core.FirstGenStamp + 2}
	if err := blk.Commit(wrong); err != core.ErrBlockIDMismatch {
		t.Fatalf("expected ErrBlockIDMismatch, got %s", err)
	}
	if blk.State() != core.BlockUnderConstruction {
		t.Errorf("state changed on failed commit: %v", blk.State())
	}
	if blk.Block != testBlock() {
		t.Errorf("identity changed on failed commit: %v", blk.Block)
	}
}

// Test that recovery picks the untried replica whose node was heard from
// most recently, hands it a task for the round, and marks it tried.
func TestRecoveryPicksMostRecent(t *testing.T) {
	nodes := makeNodes(3)
	nodes[1].lastHeard = nodes[2].lastHeard.Add(time.Minute) // node 2 heard last
	sink := &recordingSink{}
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), sink)

	round := core.FirstGenStamp + 5
	blk.InitializeRecovery(round)

	if blk.State() != core.BlockUnderRecovery {
		t.Errorf("wrong state: %v", blk.State())
	}
	if blk.RecoveryID() != round {
		t.Errorf("wrong recovery id: %v", blk.RecoveryID())
	}
	if blk.PrimaryIndex() != 1 {
		t.Fatalf("expected primary 1, got %d", blk.PrimaryIndex())
	}
	if len(nodes[0].tasks)+len(nodes[2].tasks) != 0 {
		t.Errorf("non-primary nodes got tasks")
	}
	if len(nodes[1].tasks) != 1 {
		t.Fatalf("expected one task on the primary, got %d", len(nodes[1].tasks))
	}
	task := nodes[1].tasks[0]
	if task.RecoveryID != round || task.Block != testBlock() {
		t.Errorf("wrong task: %+v", task)
	}
	if !blk.Replicas()[1].TriedAsPrimary {
		t.Errorf("primary replica not marked tried")
	}
	if sink.infos == 0 {
		t.Errorf("recovery start not reported")
	}
}

// Test that with equal heartbeat times the earliest pipeline position wins.
func TestRecoveryTieGoesToEarliest(t *testing.T) {
	nodes := makeNodes(3)
	nodes[1].lastHeard = nodes[0].lastHeard
	nodes[2].lastHeard = nodes[0].lastHeard
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	blk.InitializeRecovery(core.FirstGenStamp + 1)
	if blk.PrimaryIndex() != 0 {
		t.Errorf("expected primary 0 on tie, got %d", blk.PrimaryIndex())
	}
}

// Test that a node that has never been heard from is not chosen even when
// it is the only live candidate.
func TestRecoveryIgnoresSilentNodes(t *testing.T) {
	nodes := makeNodes(2)
	nodes[0].lastHeard = time.Time{}
	nodes[1].lastHeard = time.Time{}
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	blk.InitializeRecovery(core.FirstGenStamp + 1)
	if blk.PrimaryIndex() != -1 {
		t.Errorf("expected no primary, got %d", blk.PrimaryIndex())
	}
	if len(nodes[0].tasks)+len(nodes[1].tasks) != 0 {
		t.Errorf("silent nodes got tasks")
	}
	if blk.State() != core.BlockUnderRecovery {
		t.Errorf("state should move even without a primary: %v", blk.State())
	}
}

// Test that dead nodes are skipped no matter how recently they reported.
func TestRecoverySkipsDeadNodes(t *testing.T) {
	nodes := makeNodes(3)
	nodes[2].alive = false // most recent, but dead
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	blk.InitializeRecovery(core.FirstGenStamp + 1)
	if blk.PrimaryIndex() != 1 {
		t.Errorf("expected primary 1, got %d", blk.PrimaryIndex())
	}
	if len(nodes[2].tasks) != 0 {
		t.Errorf("dead node got a task")
	}
}

// Test that successive rounds rotate through the live replicas and start
// over once all of them have had a turn.
func TestRecoveryRotation(t *testing.T) {
	nodes := makeNodes(2) // node 2 is most recent
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	round := core.FirstGenStamp
	next := func() { round++; blk.InitializeRecovery(round) }

	next()
	if blk.PrimaryIndex() != 1 {
		t.Fatalf("round 1: expected primary 1, got %d", blk.PrimaryIndex())
	}
	next()
	if blk.PrimaryIndex() != 0 {
		t.Fatalf("round 2: expected primary 0, got %d", blk.PrimaryIndex())
	}

	// Both tried now; the marks are wiped and the rotation restarts.
	next()
	if blk.PrimaryIndex() != 1 {
		t.Fatalf("round 3: expected primary 1 again, got %d", blk.PrimaryIndex())
	}
	replicas := blk.Replicas()
	if replicas[0].TriedAsPrimary {
		t.Errorf("mark on replica 0 should have been wiped")
	}
	if !replicas[1].TriedAsPrimary {
		t.Errorf("replica 1 should be marked tried again")
	}
	if got := len(nodes[0].tasks) + len(nodes[1].tasks); got != 3 {
		t.Errorf("expected 3 tasks in total, got %d", got)
	}
}

// Test that when no replica is on a live node the tried marks are wiped, so
// a node coming back is immediately eligible.
func TestRecoveryResetWithAllDead(t *testing.T) {
	nodes := makeNodes(2)
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	blk.InitializeRecovery(core.FirstGenStamp + 1)
	if blk.PrimaryIndex() != 1 {
		t.Fatalf("expected primary 1, got %d", blk.PrimaryIndex())
	}

	nodes[0].alive = false
	nodes[1].alive = false
	blk.InitializeRecovery(core.FirstGenStamp + 2)
	if blk.PrimaryIndex() != -1 {
		t.Fatalf("expected no primary with all nodes dead, got %d", blk.PrimaryIndex())
	}
	for i, r := range blk.Replicas() {
		if r.TriedAsPrimary {
			t.Errorf("replica %d mark should have been wiped", i)
		}
	}

	// Node 2 comes back and is chosen despite having driven round one.
	nodes[1].alive = true
	blk.InitializeRecovery(core.FirstGenStamp + 3)
	if blk.PrimaryIndex() != 1 {
		t.Errorf("expected returning node to be primary, got %d", blk.PrimaryIndex())
	}
}

// Test that recovery of a record with no replicas warns and leaves the
// primary untouched, while the state and round id still advance.
func TestRecoveryNoReplicas(t *testing.T) {
	sink := &recordingSink{}
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, nil, sink)

	blk.InitializeRecovery(core.FirstGenStamp + 1)
	if sink.warnings != 1 {
		t.Errorf("expected one warning, got %d", sink.warnings)
	}
	if blk.PrimaryIndex() != -1 {
		t.Errorf("primary changed: %d", blk.PrimaryIndex())
	}
	if blk.State() != core.BlockUnderRecovery || blk.RecoveryID() != core.FirstGenStamp+1 {
		t.Errorf("state or round id not set: %v %v", blk.State(), blk.RecoveryID())
	}
	if sink.infos != 0 {
		t.Errorf("no recovery start should have been reported")
	}
}

// Test that a report from a known node only refreshes its stamp, and one
// from an unknown node is appended after the existing pipeline.
func TestAddReplicaIfNotPresent(t *testing.T) {
	nodes := makeNodes(2)
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	// Known node: stamp refreshed, nothing else moves.
	reported := core.Block{ID: testBlock().ID, Length: 999, GenStamp: core.FirstGenStamp + 3}
	blk.AddReplicaIfNotPresent(nodes[0], reported, core.ReplicaFinalized)
	if blk.NumExpectedLocations() != 2 {
		t.Fatalf("replica list grew on rereport: %d", blk.NumExpectedLocations())
	}
	r := blk.Replicas()[0]
	if r.Reported.GenStamp != core.FirstGenStamp+3 {
		t.Errorf("stamp not refreshed: %v", r.Reported)
	}
	if r.Reported.Length != 0 || r.State != core.ReplicaBeingWritten {
		t.Errorf("rereport changed more than the stamp: %+v", r)
	}

	// Unknown node: appended at the tail with the reported coordinates.
	extra := &fakeNode{id: 9, alive: true}
	blk.AddReplicaIfNotPresent(extra, reported, core.ReplicaWaitingRecovery)
	if blk.NumExpectedLocations() != 3 {
		t.Fatalf("replica not appended: %d", blk.NumExpectedLocations())
	}
	last := blk.Replicas()[2]
	if last.Node != 9 || last.Reported != reported || last.State != core.ReplicaWaitingRecovery {
		t.Errorf("appended replica wrong: %+v", last)
	}
	if blk.Replicas()[0].Node != nodes[0].id || blk.Replicas()[1].Node != nodes[1].id {
		t.Errorf("pipeline order disturbed")
	}
}

// Test that installing a recovered stamp drops stale copies from their
// nodes' inventories but never shrinks the record's own replica list.
func TestSetGenStampAndVerifyReplicas(t *testing.T) {
	nodes := makeNodes(3)
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	stamp := core.FirstGenStamp + 4
	fresh := core.Block{ID: testBlock().ID, Length: 512, GenStamp: stamp}
	blk.AddReplicaIfNotPresent(nodes[0], fresh, core.ReplicaFinalized)
	blk.AddReplicaIfNotPresent(nodes[2], fresh, core.ReplicaFinalized)

	blk.SetGenStampAndVerifyReplicas(stamp)

	if blk.GenStamp != stamp {
		t.Errorf("stamp not installed: %v", blk.GenStamp)
	}
	if blk.NumExpectedLocations() != 3 {
		t.Errorf("local replica list shrank: %d", blk.NumExpectedLocations())
	}
	if len(nodes[0].removed)+len(nodes[2].removed) != 0 {
		t.Errorf("fresh replicas were dropped from inventories")
	}
	if len(nodes[1].removed) != 1 || nodes[1].removed[0] != testBlock().ID {
		t.Errorf("stale replica not dropped from node 2's inventory: %v", nodes[1].removed)
	}
}

// Test that completion hands back the identity the record settled on.
func TestConvertToComplete(t *testing.T) {
	nodes := makeNodes(2)
	blk := NewBlockUnderConstruction(testBlock(), core.BlockUnderConstruction, asTargets(nodes...), &recordingSink{})

	final := core.Block{ID: testBlock().ID, Length: 4096, GenStamp: core.FirstGenStamp + 1}
	if err := blk.Commit(final); err != core.NoError {
		t.Fatalf("commit failed: %s", err)
	}
	if got := blk.ConvertToComplete(); got != final {
		t.Errorf("completed identity %v, want %v", got, final)
	}
}
