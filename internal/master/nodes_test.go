// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"testing"
	"time"

	"github.com/masonfs/mason/internal/core"
)

// fakeClock is a settable time source for monitor tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) time() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestMonitor() (*nodeMonitor, *fakeClock) {
	cfg := DefaultTestConfig
	clock := newFakeClock()
	return newNodeMonitor(&cfg, clock.time), clock
}

func testLoad() core.NodeLoad {
	return core.NodeLoad{NumBlocks: 12, AvailSpace: 100 << 30, TotalSpace: 200 << 30}
}

func inTally(t nodeTally, set map[core.NodeID]struct{}, id core.NodeID) bool {
	_, ok := set[id]
	return ok
}

// Test that a node walks from healthy through stale to dead as heartbeats
// stop arriving, and back to healthy when they resume.
func TestNodeStatusThresholds(t *testing.T) {
	m, clock := newTestMonitor()
	m.recvHeartbeat(1, "node1:4000", testLoad())

	if tally := m.getTally(); !inTally(tally, tally.healthy, 1) {
		t.Fatalf("fresh node not healthy: %v", m)
	}

	clock.advance(m.cfg.NodeStale)
	if tally := m.getTally(); !inTally(tally, tally.stale, 1) {
		t.Fatalf("node should be stale: %v", m)
	}
	if d, ok := m.get(1); !ok || !d.IsAlive() {
		t.Errorf("stale node should still count as alive")
	}

	clock.advance(m.cfg.NodeDead - m.cfg.NodeStale)
	if tally := m.getTally(); !inTally(tally, tally.dead, 1) {
		t.Fatalf("node should be dead: %v", m)
	}
	if d, ok := m.get(1); !ok || d.IsAlive() {
		t.Errorf("dead node should not count as alive")
	}

	m.recvHeartbeat(1, "node1:4000", testLoad())
	if tally := m.getTally(); !inTally(tally, tally.healthy, 1) {
		t.Fatalf("beating node should be healthy again: %v", m)
	}
}

// Test that nothing is written off during the heartbeat grace period.
func TestNodeGracePeriod(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.HeartbeatGracePeriod = time.Minute
	clock := newFakeClock()
	m := newNodeMonitor(&cfg, clock.time)

	d := m.register(2, "node2:4000")
	clock.advance(50 * time.Second) // past NodeDead, inside grace
	if !d.IsAlive() {
		t.Fatalf("node written off during grace period")
	}

	clock.advance(cfg.NodeDead)
	if d.IsAlive() {
		t.Fatalf("silent node should be dead after the grace period")
	}

	// A restarted grace period revives the benefit of the doubt.
	m.restartGracePeriod()
	if !d.IsAlive() {
		t.Errorf("grace restart should suspend liveness judgments")
	}
}

// Test that placeholder entries for expected nodes decay like real ones and
// never report a heartbeat time.
func TestEnsureExpected(t *testing.T) {
	m, clock := newTestMonitor()
	m.ensureExpected([]core.NodeID{7, 8})

	d, ok := m.get(7)
	if !ok {
		t.Fatalf("expected node not created")
	}
	if !d.LastUpdate().IsZero() {
		t.Errorf("placeholder has a heartbeat time: %v", d.LastUpdate())
	}

	clock.advance(m.cfg.NodeDead)
	if tally := m.getTally(); !inTally(tally, tally.dead, 7) || !inTally(tally, tally.dead, 8) {
		t.Errorf("silent placeholders should decay to dead: %v", m)
	}

	m.recvHeartbeat(7, "node7:4000", testLoad())
	if d.LastUpdate().IsZero() {
		t.Errorf("heartbeat not recorded on placeholder")
	}
}

// Test that recovery tasks queue per block, newest round wins, and the whole
// queue is handed over with the next heartbeat.
func TestHeartbeatDeliversRecoveryWork(t *testing.T) {
	m, _ := newTestMonitor()
	m.recvHeartbeat(3, "node3:4000", testLoad())
	d, _ := m.get(3)

	blk := core.Block{ID: core.FirstBlockID, GenStamp: core.FirstGenStamp}
	other := core.Block{ID: core.FirstBlockID + 1, GenStamp: core.FirstGenStamp}
	d.ScheduleRecovery(core.RecoveryTask{Block: blk, RecoveryID: 2000})
	d.ScheduleRecovery(core.RecoveryTask{Block: blk, RecoveryID: 2001}) // replaces the round
	d.ScheduleRecovery(core.RecoveryTask{Block: other, RecoveryID: 2002})

	tasks := m.recvHeartbeat(3, "node3:4000", testLoad())
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Block.ID != blk.ID || tasks[0].RecoveryID != 2001 {
		t.Errorf("old round not replaced: %+v", tasks[0])
	}
	if tasks[1].Block.ID != other.ID {
		t.Errorf("wrong second task: %+v", tasks[1])
	}

	if tasks := m.recvHeartbeat(3, "node3:4000", testLoad()); len(tasks) != 0 {
		t.Errorf("queue not drained: %d tasks", len(tasks))
	}
}

// Test that the inventory set follows add and remove.
func TestNodeInventory(t *testing.T) {
	m, _ := newTestMonitor()
	d := m.register(4, "node4:4000")

	id := core.FirstBlockID
	if d.hasBlock(id) {
		t.Fatalf("inventory should start empty")
	}
	d.addToInventory(id)
	if !d.hasBlock(id) {
		t.Fatalf("block not added to inventory")
	}
	d.RemoveFromInventory(id)
	if d.hasBlock(id) {
		t.Fatalf("block not removed from inventory")
	}
	// Removing again is harmless.
	d.RemoveFromInventory(id)
}

// Test that info snapshots come back sorted by node id with the reported
// address and load.
func TestNodeInfosSorted(t *testing.T) {
	m, _ := newTestMonitor()
	load := testLoad()
	m.recvHeartbeat(3, "node3:4000", load)
	m.recvHeartbeat(1, "node1:4000", load)
	m.recvHeartbeat(2, "node2:4000", load)

	infos := m.infos()
	if len(infos) != 3 {
		t.Fatalf("expected 3 infos, got %d", len(infos))
	}
	for i, info := range infos {
		if info.ID != core.NodeID(i+1) {
			t.Errorf("infos out of order: %v", infos)
		}
		if info.Status != statusHealthy {
			t.Errorf("node %v not healthy: %s", info.ID, info.Status)
		}
		if info.Load != load {
			t.Errorf("load not carried: %+v", info.Load)
		}
	}
	if infos[2].Addr != "node3:4000" {
		t.Errorf("address not carried: %q", infos[2].Addr)
	}
}
