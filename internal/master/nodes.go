// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/masonfs/mason/internal/core"
)

const (
	// How often do we scan our state and refresh the aggregate liveness view?
	statusRefreshInterval = 1 * time.Second

	// Have we received a heartbeat recently from the node?
	statusHealthy = "healthy"

	// The node shouldn't join new pipelines but hasn't been gone long enough
	// to be written off.
	statusStale = "stale"

	// Has it been long enough from the last heartbeat that we should assume
	// the node is gone for good?
	statusDead = "dead"
)

var mNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "master",
	Name:      "nodes",
	Help:      "count of storage nodes by liveness status",
}, []string{"status"})

// nodeDesc is all the state we keep for one storage node, and the handle
// that block records hold on it through the StorageNode interface.
type nodeDesc struct {
	// Immutable after creation.
	id  core.NodeID
	mon *nodeMonitor

	// Protects the fields below.
	lock sync.Mutex

	// The reported address of this node when it last beat.
	addr string

	// When did the node last beat? Zero if never.
	lastBeat time.Time

	// Liveness judgments are suspended for a grace period after this
	// point, so a freshly started master doesn't write off nodes that
	// haven't had a chance to reach it yet.
	graceStart time.Time

	// Last received load report.
	load core.NodeLoad

	// Blocks this node is believed to hold a replica of.
	inventory map[core.BlockID]struct{}

	// Recovery work to hand the node with its next heartbeat reply. One
	// entry per block; a newer round replaces an older one.
	recoverQ []core.RecoveryTask
}

// ID returns the node's identity.
func (d *nodeDesc) ID() core.NodeID {
	return d.id
}

// IsAlive reports whether the node is healthy or stale, as opposed to dead.
func (d *nodeDesc) IsAlive() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.statusLocked(d.mon.getTime()) != statusDead
}

// LastUpdate is when the node last heartbeated, or the zero time.
func (d *nodeDesc) LastUpdate() time.Time {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.lastBeat
}

// ScheduleRecovery queues a recovery task for delivery with the node's next
// heartbeat reply. A task for a block already queued replaces the old one:
// only the newest round matters.
func (d *nodeDesc) ScheduleRecovery(task core.RecoveryTask) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for i := range d.recoverQ {
		if d.recoverQ[i].Block.ID == task.Block.ID {
			d.recoverQ[i] = task
			return
		}
	}
	d.recoverQ = append(d.recoverQ, task)
	log.V(2).Infof("queued recovery of %v on node %v, round %v", task.Block.ID, d.id, task.RecoveryID)
}

// RemoveFromInventory drops the block from the set this node is believed to
// hold.
func (d *nodeDesc) RemoveFromInventory(id core.BlockID) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.inventory, id)
}

// addToInventory records that this node holds a replica of the block.
func (d *nodeDesc) addToInventory(id core.BlockID) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.inventory[id] = struct{}{}
}

// hasBlock returns whether this node is believed to hold the block.
func (d *nodeDesc) hasBlock(id core.BlockID) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	_, ok := d.inventory[id]
	return ok
}

func (d *nodeDesc) hasBeaten() bool {
	return !d.lastBeat.IsZero()
}

// assumes d.lock held.
func (d *nodeDesc) statusLocked(now time.Time) string {
	if now.Sub(d.graceStart) < d.mon.cfg.HeartbeatGracePeriod {
		// Nothing can be stale or dead until it's had a chance to beat.
		return statusHealthy
	}

	// The master has not received any heartbeat from the node since
	// 'noHeartbeatSince'.
	noHeartbeatSince := d.lastBeat
	if !d.hasBeaten() {
		noHeartbeatSince = d.graceStart
	}

	sinceBeat := now.Sub(noHeartbeatSince)
	switch {
	case sinceBeat < d.mon.cfg.NodeStale:
		return statusHealthy
	case sinceBeat < d.mon.cfg.NodeDead:
		return statusStale
	default:
		return statusDead
	}
}

// info returns a snapshot for status surfaces.
func (d *nodeDesc) info(now time.Time) core.NodeInfo {
	d.lock.Lock()
	defer d.lock.Unlock()
	return core.NodeInfo{
		ID:     d.id,
		Addr:   d.addr,
		Status: d.statusLocked(now),
		Load:   d.load,
	}
}

// nodeMonitor stores and analyzes data about storage nodes.
type nodeMonitor struct {
	// Immutable after creation.
	cfg *Config

	// A time-providing function, shim layer inserted for testing.
	getTime func() time.Time

	// Protects the maps and tally below. Descriptors carry their own
	// locks; the ordering is always monitor lock before descriptor lock.
	lock sync.Mutex

	// Every node that has beaten to us or we expect to be hosting data.
	nodes map[core.NodeID]*nodeDesc

	// Map from an address to the last node ID that heartbeated from it.
	// A given address could beat with many IDs; we only keep the latest.
	addrToID map[string]core.NodeID

	// Cached liveness tally. This information relies on heartbeats and
	// time and as such is inherently stale; we rebuild it occasionally
	// rather than on every read.
	tally       nodeTally
	lastRefresh time.Time
}

type nodeTally struct {
	healthy map[core.NodeID]struct{}
	stale   map[core.NodeID]struct{}
	dead    map[core.NodeID]struct{}
}

func newNodeTally() nodeTally {
	return nodeTally{
		healthy: make(map[core.NodeID]struct{}),
		stale:   make(map[core.NodeID]struct{}),
		dead:    make(map[core.NodeID]struct{}),
	}
}

// newNodeMonitor returns a new node monitor.
func newNodeMonitor(cfg *Config, getTime func() time.Time) *nodeMonitor {
	return &nodeMonitor{
		cfg:         cfg,
		getTime:     getTime,
		nodes:       make(map[core.NodeID]*nodeDesc),
		addrToID:    make(map[string]core.NodeID),
		tally:       newNodeTally(),
		lastRefresh: getTime(),
	}
}

// assumes lock held.
func (m *nodeMonitor) ensureLocked(id core.NodeID) *nodeDesc {
	d, ok := m.nodes[id]
	if !ok {
		d = &nodeDesc{
			id:         id,
			mon:        m,
			graceStart: m.getTime(),
			inventory:  make(map[core.BlockID]struct{}),
		}
		m.nodes[id] = d
	}
	return d
}

// register makes the node known to the monitor before it ever beats.
func (m *nodeMonitor) register(id core.NodeID, addr string) *nodeDesc {
	m.lock.Lock()
	defer m.lock.Unlock()

	d := m.ensureLocked(id)
	d.lock.Lock()
	if d.addr == "" {
		d.addr = addr
	}
	d.lock.Unlock()
	log.Infof("storage node %v registered from %s", id, addr)
	return d
}

// ensureExpected creates never-beaten placeholder entries for nodes that our
// restored state says should exist. Their staleness clock starts now, so a
// node that never shows up decays to stale and then dead like any other.
func (m *nodeMonitor) ensureExpected(ids []core.NodeID) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, id := range ids {
		m.ensureLocked(id)
	}
	m.refreshStatusLocked()
}

// get returns the descriptor for a node, if the monitor knows it.
func (m *nodeMonitor) get(id core.NodeID) (*nodeDesc, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	d, ok := m.nodes[id]
	return d, ok
}

// recvHeartbeat is called when a node beats to this master. It returns the
// recovery tasks queued for the node since its last beat; the heartbeat
// reply is how a node learns about its recovery work.
func (m *nodeMonitor) recvHeartbeat(id core.NodeID, addr string, load core.NodeLoad) []core.RecoveryTask {
	m.lock.Lock()
	d := m.ensureLocked(id)
	if oldID, ok := m.addrToID[addr]; !ok {
		log.Infof("first heartbeat from node %v at %s, %s free of %s",
			id, addr, datasize.ByteSize(load.AvailSpace).HR(), datasize.ByteSize(load.TotalSpace).HR())
		m.addrToID[addr] = id
	} else if oldID != id {
		log.Errorf("node at %s used to have id %v, now has id %v!", addr, oldID, id)
		m.addrToID[addr] = id
	}
	m.lock.Unlock()

	d.lock.Lock()
	d.addr = addr
	d.lastBeat = m.getTime()
	d.load = load
	tasks := d.recoverQ
	d.recoverQ = nil
	d.lock.Unlock()

	// Refresh status given we just received a heartbeat.
	m.lock.Lock()
	m.refreshStatusLocked()
	m.lock.Unlock()

	return tasks
}

// restartGracePeriod restarts the liveness grace period, for use after the
// master restores state and needs to give known nodes time to find it.
func (m *nodeMonitor) restartGracePeriod() {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.getTime()
	for _, d := range m.nodes {
		d.lock.Lock()
		d.graceStart = now
		d.lock.Unlock()
	}
}

// getTally returns a summary of node liveness as of this moment. Callers
// must treat the returned sets as read-only.
func (m *nodeMonitor) getTally() nodeTally {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.maybeRefreshStatusLocked()
	return m.tally
}

// assumes lock held.
func (m *nodeMonitor) maybeRefreshStatusLocked() {
	now := m.getTime()
	if now.Sub(m.lastRefresh) < statusRefreshInterval {
		return
	}
	m.refreshStatusLocked()
}

// assumes lock held.
func (m *nodeMonitor) refreshStatusLocked() {
	now := m.getTime()
	m.lastRefresh = now
	m.tally = newNodeTally()

	for id, d := range m.nodes {
		d.lock.Lock()
		status := d.statusLocked(now)
		d.lock.Unlock()

		switch status {
		case statusHealthy:
			m.tally.healthy[id] = struct{}{}
		case statusStale:
			m.tally.stale[id] = struct{}{}
		case statusDead:
			m.tally.dead[id] = struct{}{}
		default:
			log.Fatalf("undefined node status %q", status)
		}
	}

	mNodes.WithLabelValues(statusHealthy).Set(float64(len(m.tally.healthy)))
	mNodes.WithLabelValues(statusStale).Set(float64(len(m.tally.stale)))
	mNodes.WithLabelValues(statusDead).Set(float64(len(m.tally.dead)))
}

// String returns a string summarizing the health of all nodes known to this
// monitor.
func (m *nodeMonitor) String() string {
	tally := m.getTally()

	m.lock.Lock()
	defer m.lock.Unlock()
	return fmt.Sprintf("%d nodes, %d healthy, %d stale, %d dead",
		len(m.nodes), len(tally.healthy), len(tally.stale), len(tally.dead))
}

// infos returns a snapshot of all node data, sorted by node ID.
func (m *nodeMonitor) infos() []core.NodeInfo {
	m.lock.Lock()
	descs := make([]*nodeDesc, 0, len(m.nodes))
	for _, d := range m.nodes {
		descs = append(descs, d)
	}
	m.lock.Unlock()

	now := m.getTime()
	var ret byID
	for _, d := range descs {
		ret = append(ret, d.info(now))
	}
	sort.Sort(ret)
	return ret
}

// Need to declare a type in order to sort the data.
type byID []core.NodeInfo

func (b byID) Len() int           { return len(b) }
func (b byID) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }
func (b byID) Less(i, j int) bool { return b[i].ID < b[j].ID }
