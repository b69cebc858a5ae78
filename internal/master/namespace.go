// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	sigar "github.com/cloudfoundry/gosigar"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	log "github.com/golang/glog"
	cache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/masonfs/mason/internal/core"
	"github.com/masonfs/mason/internal/master/checkpoint"
	"github.com/masonfs/mason/internal/server"
)

var mOps = server.NewOpMetric("master_namespace", "op")

var (
	mBlockCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "master",
		Name:      "blocks",
		Help:      "count of blocks by lifecycle state",
	}, []string{"state"})
	mLeaseCount = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "master",
		Name:      "leases",
		Help:      "count of live write leases",
	})
	mPendingCount = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "master",
		Name:      "pending_reports",
		Help:      "count of replica reports stashed for unknown blocks",
	})
)

// blockEntry is one row of the block table. The fields are guarded by the
// block's lock in the lock manager, not by the table lock; the table lock
// only guards the tree that holds the entries.
type blockEntry struct {
	// The identity the master vouches for. While the block is under
	// construction this can lag the record; it becomes authoritative once
	// the record is gone.
	b core.Block

	// The under-construction record, nil once the block is complete.
	uc *BlockUnderConstruction

	// Nodes that reported a FINALIZED replica under the current stamp.
	// Kept outside the record because replica reports refresh stamps but
	// never states (see AddReplicaIfNotPresent).
	finalized map[core.NodeID]struct{}
}

// BlockStatus is a point-in-time snapshot of one block for status surfaces
// and tooling.
type BlockStatus struct {
	Block        core.Block
	State        core.BlockState
	Holder       string
	RecoveryID   core.GenStamp
	PrimaryIdx   int
	NumFinalized int
	Replicas     []ReplicaInfo
}

// pendingReport is a replica report that arrived before its block was
// visible, parked until the block shows up or the report ages out.
type pendingReport struct {
	node   core.NodeID
	report core.ReplicaReport
}

// Namespace is the master's block table: every block the cluster knows,
// complete or under construction, plus the leases, node views and durable
// checkpoint that keep it honest. All public operations are safe for
// concurrent use; operations on one block serialize through the lock
// manager while different blocks proceed in parallel.
type Namespace struct {
	// Immutable after creation.
	cfg     *Config
	sink    EventSink
	getTime func() time.Time
	freeMem func() (uint64, error)
	store   *checkpoint.Store
	lockMgr server.LockManager

	// Guards the tree and the counters. Always acquired after the block
	// lock when both are needed.
	lock      sync.Mutex
	blocks    *redblacktree.Tree // uint64 block id -> *blockEntry
	nextID    core.BlockID
	nextStamp core.GenStamp
	metaSaves uint64

	nodes  *nodeMonitor
	leases *leaseManager

	// Reports for blocks we don't know yet.
	pending *cache.Cache

	// Bounds concurrent block report processing.
	reportSem server.Semaphore

	stop chan struct{}
	done chan struct{}
}

// NewNamespace builds a namespace. A nil store means nothing is persisted;
// otherwise the store's contents are restored first and every mutation is
// written through to it. The lease scan doesn't run until Start.
func NewNamespace(cfg *Config, store *checkpoint.Store) (*Namespace, error) {
	return newNamespace(cfg, store, GlogSink{}, time.Now, systemFreeMem)
}

func newNamespace(cfg *Config, store *checkpoint.Store, sink EventSink,
	getTime func() time.Time, freeMem func() (uint64, error)) (*Namespace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Namespace{
		cfg:       cfg,
		sink:      sink,
		getTime:   getTime,
		freeMem:   freeMem,
		store:     store,
		lockMgr:   server.NewFineGrainedLock(),
		blocks:    redblacktree.NewWith(utils.UInt64Comparator),
		nextID:    core.FirstBlockID,
		nextStamp: core.FirstGenStamp,
		nodes:     newNodeMonitor(cfg, getTime),
		leases:    newLeaseManager(cfg.LeaseExpiry, getTime),
		pending:   cache.New(cfg.PendingReportTTL, 2*cfg.PendingReportTTL),
		reportSem: server.NewSemaphore(cfg.MaxPendingReports),
	}
	if store != nil {
		if err := n.restore(); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// systemFreeMem reports the machine's free memory, counting reclaimable
// buffers and caches as free.
func systemFreeMem() (uint64, error) {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		return 0, err
	}
	return mem.ActualFree, nil
}

// Start kicks off the background lease scan.
func (n *Namespace) Start() {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.stop != nil {
		return
	}
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	go n.scanLoop(n.stop, n.done)
}

// Stop shuts the lease scan down and waits for it.
func (n *Namespace) Stop() {
	n.lock.Lock()
	stop, done := n.stop, n.done
	n.stop, n.done = nil, nil
	n.lock.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (n *Namespace) scanLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(n.cfg.LeaseCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.checkLeases()
			n.updateGauges()
		case <-stop:
			return
		}
	}
}

//
// Writer operations.
//

// AllocateBlock mints a new block on behalf of 'holder' and places it on up
// to 'replFactor' healthy nodes, most free space first. The block starts
// under construction with a write lease granted to the holder.
func (n *Namespace) AllocateBlock(holder string, replFactor int) (core.Block, []core.NodeInfo, core.Error) {
	var merr core.Error
	op := mOps.Start("allocate")
	defer op.EndWithError(&merr)

	if holder == "" || replFactor <= 0 || replFactor > n.cfg.MaxReplFactor {
		merr = core.ErrInvalidArgument
		return core.Block{}, nil, merr
	}

	if n.cfg.FreeMemLimit > 0 {
		if free, err := n.freeMem(); err != nil {
			log.Errorf("can't read free memory, skipping admission check: %s", err)
		} else if datasize.ByteSize(free) < n.cfg.FreeMemLimit {
			log.Warningf("free memory %s below limit %s, refusing new blocks",
				datasize.ByteSize(free).HR(), n.cfg.FreeMemLimit.HR())
			merr = core.ErrNoFreeMemory
			return core.Block{}, nil, merr
		}
	}

	targets := n.pickTargets(replFactor)
	if len(targets) == 0 {
		merr = core.ErrNoHealthyNodes
		return core.Block{}, nil, merr
	}

	n.lock.Lock()
	id := n.nextID
	n.nextID++
	stamp := n.nextStamp
	n.nextStamp++
	n.lock.Unlock()
	n.persistMeta()

	blk := core.Block{ID: id, Length: 0, GenStamp: stamp}
	stargets := make([]StorageNode, len(targets))
	for i, d := range targets {
		stargets[i] = d
	}

	n.lockMgr.LockBlock(id)
	defer n.lockMgr.UnlockBlock(id)

	if merr = n.leases.grant(holder, id); merr != core.NoError {
		return core.Block{}, nil, merr
	}
	entry := &blockEntry{
		b:         blk,
		uc:        NewBlockUnderConstruction(blk, core.BlockUnderConstruction, stargets, n.sink),
		finalized: make(map[core.NodeID]struct{}),
	}
	n.lock.Lock()
	n.blocks.Put(uint64(id), entry)
	n.lock.Unlock()

	// A node may have told us about this block already, e.g. a report that
	// raced the allocation reply.
	n.drainPending(entry)
	n.persistEntry(entry)

	now := n.getTime()
	infos := make([]core.NodeInfo, len(targets))
	for i, d := range targets {
		infos[i] = d.info(now)
	}
	log.V(2).Infof("allocated %v for %q on %d nodes", blk, holder, len(infos))
	return blk, infos, core.NoError
}

// pickTargets chooses up to 'want' healthy nodes, most free space first,
// node id breaking ties.
func (n *Namespace) pickTargets(want int) []*nodeDesc {
	tally := n.nodes.getTally()
	now := n.getTime()

	type candidate struct {
		d     *nodeDesc
		avail uint64
	}
	var cands []candidate
	for id := range tally.healthy {
		if d, ok := n.nodes.get(id); ok {
			cands = append(cands, candidate{d: d, avail: d.info(now).Load.AvailSpace})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].avail != cands[j].avail {
			return cands[i].avail > cands[j].avail
		}
		return cands[i].d.ID() < cands[j].d.ID()
	})

	if len(cands) > want {
		cands = cands[:want]
	} else if len(cands) < want {
		log.V(2).Infof("only %d healthy nodes for a pipeline of %d", len(cands), want)
	}
	out := make([]*nodeDesc, len(cands))
	for i, c := range cands {
		out[i] = c.d
	}
	return out
}

// CommitBlock records the writer's declaration that the block is fully
// written, with the length and stamp the pipeline ended at. Committing a
// block that already sealed with the same identity succeeds, so a retried
// commit is harmless.
func (n *Namespace) CommitBlock(holder string, reported core.Block) core.Error {
	var merr core.Error
	op := mOps.Start("commit")
	defer op.EndWithError(&merr)

	if holder == "" || !reported.ID.IsValid() {
		merr = core.ErrInvalidArgument
		return merr
	}
	id := reported.ID
	n.lockMgr.LockBlock(id)
	defer n.lockMgr.UnlockBlock(id)

	entry, ok := n.getEntry(id)
	if !ok {
		merr = core.ErrNoSuchBlock
		return merr
	}
	if entry.uc == nil {
		if reported == entry.b {
			return core.NoError
		}
		merr = core.ErrBlockComplete
		return merr
	}
	if merr = n.leases.checkHolder(holder, id); merr != core.NoError {
		return merr
	}

	prevStamp := entry.uc.GenStamp
	if merr = entry.uc.Commit(reported); merr != core.NoError {
		return merr
	}
	if entry.uc.GenStamp != prevStamp {
		// Finalized counts were taken under the old stamp.
		entry.finalized = make(map[core.NodeID]struct{})
	}
	entry.b = entry.uc.Block

	n.maybeComplete(entry)
	n.persistEntry(entry)
	return core.NoError
}

// CompleteBlock seals the block if it is committed and enough finalized
// replicas have reported. ErrBlockIncomplete is retriable; reports may
// still be on the way.
func (n *Namespace) CompleteBlock(holder string, id core.BlockID) (core.Block, core.Error) {
	var merr core.Error
	op := mOps.Start("complete")
	defer op.EndWithError(&merr)

	if holder == "" || !id.IsValid() {
		merr = core.ErrInvalidArgument
		return core.Block{}, merr
	}
	n.lockMgr.LockBlock(id)
	defer n.lockMgr.UnlockBlock(id)

	entry, ok := n.getEntry(id)
	if !ok {
		merr = core.ErrNoSuchBlock
		return core.Block{}, merr
	}
	if entry.uc == nil {
		// Sealed already, likely by a retry or the lease scan. The lease
		// went away with it, so there is no holder to check against.
		return entry.b, core.NoError
	}
	if merr = n.leases.checkHolder(holder, id); merr != core.NoError {
		return core.Block{}, merr
	}
	if entry.uc.State() != core.BlockCommitted || len(entry.finalized) < n.cfg.MinReplication {
		merr = core.ErrBlockIncomplete
		return core.Block{}, merr
	}

	n.completeEntry(entry)
	n.persistEntry(entry)
	return entry.b, core.NoError
}

// AbandonBlock throws away an under-construction block that its writer has
// given up on, e.g. because the pipeline never got off the ground. The
// record is deleted and the nodes are told to forget their copies.
func (n *Namespace) AbandonBlock(holder string, id core.BlockID) core.Error {
	var merr core.Error
	op := mOps.Start("abandon")
	defer op.EndWithError(&merr)

	if holder == "" || !id.IsValid() {
		merr = core.ErrInvalidArgument
		return merr
	}
	n.lockMgr.LockBlock(id)
	defer n.lockMgr.UnlockBlock(id)

	entry, ok := n.getEntry(id)
	if !ok {
		merr = core.ErrNoSuchBlock
		return merr
	}
	if entry.uc == nil {
		merr = core.ErrBlockComplete
		return merr
	}
	if merr = n.leases.checkHolder(holder, id); merr != core.NoError {
		return merr
	}

	for _, node := range entry.uc.ExpectedLocations() {
		node.RemoveFromInventory(id)
	}
	n.leases.releaseBlock(id)
	n.lock.Lock()
	n.blocks.Remove(uint64(id))
	n.lock.Unlock()
	n.deleteEntry(id)
	n.sink.Infof("block %v abandoned by %q", id, holder)
	return core.NoError
}

// RenewLease refreshes the holder's lease over every block it has open.
func (n *Namespace) RenewLease(holder string) core.Error {
	var merr core.Error
	op := mOps.Start("renew_lease")
	defer op.EndWithError(&merr)
	merr = n.leases.renew(holder)
	return merr
}

// RecoverLease forces the write lease on the block to be recovered now
// instead of waiting for the expiry scan, on behalf of a reader that needs
// the block sealed. Returns whether the block is already complete; if not,
// recovery has been started and the caller should come back later.
func (n *Namespace) RecoverLease(id core.BlockID) (bool, core.Error) {
	var merr core.Error
	op := mOps.Start("recover_lease")
	defer op.EndWithError(&merr)

	if !id.IsValid() {
		merr = core.ErrInvalidArgument
		return false, merr
	}
	n.lockMgr.LockBlock(id)
	defer n.lockMgr.UnlockBlock(id)

	entry, ok := n.getEntry(id)
	if !ok {
		merr = core.ErrNoSuchBlock
		return false, merr
	}
	if entry.uc == nil {
		return true, core.NoError
	}
	n.tryRecoverLocked(entry)
	n.persistEntry(entry)
	return entry.uc == nil, core.NoError
}

//
// Node operations.
//

// RegisterNode makes a storage node known to the master before its first
// heartbeat.
func (n *Namespace) RegisterNode(id core.NodeID, addr string) core.Error {
	var merr core.Error
	op := mOps.Start("register")
	defer op.EndWithError(&merr)

	if !id.IsValid() || addr == "" {
		merr = core.ErrInvalidArgument
		return merr
	}
	n.nodes.register(id, addr)
	return core.NoError
}

// NodeHeartbeat processes one heartbeat and returns the recovery work
// queued for the node since its last one.
func (n *Namespace) NodeHeartbeat(id core.NodeID, addr string, load core.NodeLoad) ([]core.RecoveryTask, core.Error) {
	var merr core.Error
	op := mOps.Start("heartbeat")
	defer op.EndWithError(&merr)

	if !id.IsValid() || addr == "" {
		merr = core.ErrInvalidArgument
		return nil, merr
	}
	return n.nodes.recvHeartbeat(id, addr, load), core.NoError
}

// NodeBlockReport folds a node's replica reports into the block table. At
// most MaxPendingReports reports are processed at once; past that the node
// gets ErrTooBusy and retries later. Reports for blocks the master doesn't
// know are parked for a while in case the block is about to appear.
func (n *Namespace) NodeBlockReport(nodeID core.NodeID, reports []core.ReplicaReport) core.Error {
	op := mOps.Start("block_report")
	if !n.reportSem.TryAcquire() {
		op.TooBusy()
		return core.ErrTooBusy
	}
	defer n.reportSem.Release()

	var merr core.Error
	defer op.EndWithError(&merr)

	d, ok := n.nodes.get(nodeID)
	if !ok {
		merr = core.ErrNoSuchNode
		return merr
	}

	for _, rep := range reports {
		id := rep.Block.ID
		if !id.IsValid() {
			n.sink.Warningf("node %v reported nonsense block id %v, ignoring", nodeID, id)
			continue
		}
		n.lockMgr.LockBlock(id)
		entry, ok := n.getEntry(id)
		if !ok {
			n.stashPending(nodeID, rep)
			n.lockMgr.UnlockBlock(id)
			continue
		}
		n.applyReport(entry, d, rep)
		n.maybeComplete(entry)
		n.persistEntry(entry)
		n.lockMgr.UnlockBlock(id)
	}
	return core.NoError
}

// applyReport folds one replica report into the entry. Assumes the block
// lock is held.
func (n *Namespace) applyReport(entry *blockEntry, d *nodeDesc, rep core.ReplicaReport) {
	id := rep.Block.ID
	if entry.uc == nil {
		if rep.State == core.ReplicaFinalized && rep.Block == entry.b {
			d.addToInventory(id)
			return
		}
		n.sink.Warningf("node %v reported %v %s for complete block %v, dropping it from the node",
			d.ID(), rep.Block, rep.State, entry.b)
		d.RemoveFromInventory(id)
		return
	}

	entry.uc.AddReplicaIfNotPresent(d, rep.Block, rep.State)
	d.addToInventory(id)

	if rep.State != core.ReplicaFinalized {
		return
	}
	if rep.Block.GenStamp != entry.uc.GenStamp {
		log.V(2).Infof("node %v finalized %v under stamp %v, record is at %v; not counting it",
			d.ID(), id, rep.Block.GenStamp, entry.uc.GenStamp)
		return
	}
	if entry.uc.State() == core.BlockCommitted && rep.Block.Length != entry.uc.Length {
		n.sink.Warningf("node %v finalized %v with length %d against committed length %d, replica looks corrupt",
			d.ID(), id, rep.Block.Length, entry.uc.Length)
		d.RemoveFromInventory(id)
		return
	}
	entry.finalized[d.ID()] = struct{}{}
}

// stashPending parks a report about a block we don't know.
func (n *Namespace) stashPending(nodeID core.NodeID, rep core.ReplicaReport) {
	key := rep.Block.ID.String()
	var list []pendingReport
	if v, ok := n.pending.Get(key); ok {
		list = v.([]pendingReport)
	}
	list = append(list, pendingReport{node: nodeID, report: rep})
	n.pending.Set(key, list, cache.DefaultExpiration)
	log.V(2).Infof("parked report of unknown block %v from node %v", rep.Block.ID, nodeID)
}

// drainPending applies reports parked for this block, if any. Assumes the
// block lock is held.
func (n *Namespace) drainPending(entry *blockEntry) {
	key := entry.b.ID.String()
	v, ok := n.pending.Get(key)
	if !ok {
		return
	}
	n.pending.Delete(key)
	list := v.([]pendingReport)
	for _, pr := range list {
		if d, ok := n.nodes.get(pr.node); ok {
			n.applyReport(entry, d, pr.report)
		}
	}
	n.maybeComplete(entry)
	log.Infof("applied %d parked reports to block %v", len(list), entry.b.ID)
}

//
// Recovery.
//

// FinalizeRecovery records the outcome of a recovery round: the identity
// the primary settled the surviving replicas on, and which nodes hold them
// now. An outcome from a superseded round is refused with ErrStaleRecovery.
// With closeBlock the block seals immediately on the primary's word;
// otherwise it stays committed until enough nodes report finalized copies.
func (n *Namespace) FinalizeRecovery(recovered core.Block, recoveryID core.GenStamp, closeBlock bool, newNodes []core.NodeID) core.Error {
	var merr core.Error
	op := mOps.Start("finalize_recovery")
	defer op.EndWithError(&merr)

	id := recovered.ID
	if !id.IsValid() {
		merr = core.ErrInvalidArgument
		return merr
	}
	n.lockMgr.LockBlock(id)
	defer n.lockMgr.UnlockBlock(id)

	entry, ok := n.getEntry(id)
	if !ok {
		merr = core.ErrNoSuchBlock
		return merr
	}
	if entry.uc == nil {
		if recovered == entry.b {
			// The round that sealed the block, acked twice.
			return core.NoError
		}
		merr = core.ErrBlockComplete
		return merr
	}
	switch cur := entry.uc.RecoveryID(); {
	case recoveryID < cur:
		log.V(2).Infof("recovery outcome for %v from round %v, current round is %v", id, recoveryID, cur)
		merr = core.ErrStaleRecovery
		return merr
	case recoveryID > cur:
		n.sink.Warningf("recovery outcome for %v from round %v, which was never started (current %v)",
			id, recoveryID, cur)
		merr = core.ErrInvalidState
		return merr
	}
	if entry.uc.State() != core.BlockUnderRecovery {
		// The writer came back and committed while the round ran.
		merr = core.ErrInvalidState
		return merr
	}

	prevStamp := entry.uc.GenStamp
	entry.uc.SetGenStampAndVerifyReplicas(recovered.GenStamp)
	if recovered.GenStamp != prevStamp {
		entry.finalized = make(map[core.NodeID]struct{})
	}

	if len(newNodes) > 0 {
		var descs []*nodeDesc
		for _, nid := range newNodes {
			d, ok := n.nodes.get(nid)
			if !ok {
				n.sink.Warningf("recovery of %v names unknown node %v, skipping it", id, nid)
				continue
			}
			descs = append(descs, d)
		}
		targets := make([]StorageNode, len(descs))
		for i, d := range descs {
			targets[i] = d
		}
		entry.uc.SetExpectedLocations(targets)
		// These nodes hold the recovered replica, finalized at the new
		// stamp; that is the whole point of the round.
		for _, d := range descs {
			d.addToInventory(id)
			entry.finalized[d.ID()] = struct{}{}
		}
	}

	if merr = entry.uc.Commit(recovered); merr != core.NoError {
		return merr
	}
	entry.b = entry.uc.Block

	if closeBlock {
		n.completeEntry(entry)
	} else {
		n.maybeComplete(entry)
	}
	n.persistEntry(entry)
	n.sink.Infof("recovery round %v of %v finished at %v, close=%v, %d nodes",
		recoveryID, id, recovered, closeBlock, len(newNodes))
	return core.NoError
}

// checkLeases scans for expired leases and pushes their blocks toward
// recovery or completion.
func (n *Namespace) checkLeases() {
	for _, exp := range n.leases.expired() {
		if exp.holder == recoveryHolder {
			log.V(2).Infof("%d blocks still in recovery, retrying", len(exp.blocks))
		} else {
			n.sink.Warningf("lease of %q expired with %d blocks open, recovering them",
				exp.holder, len(exp.blocks))
		}
		for _, id := range exp.blocks {
			n.tryRecover(id)
		}
	}
}

func (n *Namespace) tryRecover(id core.BlockID) {
	n.lockMgr.LockBlock(id)
	defer n.lockMgr.UnlockBlock(id)

	entry, ok := n.getEntry(id)
	if !ok {
		n.leases.releaseBlock(id)
		return
	}
	n.tryRecoverLocked(entry)
	n.persistEntry(entry)
}

// tryRecoverLocked pushes one block toward a sealed state: committed blocks
// with enough finalized replicas are sealed on the spot, everything else
// gets a recovery round. Assumes the block lock is held.
func (n *Namespace) tryRecoverLocked(entry *blockEntry) {
	id := entry.b.ID
	if entry.uc == nil {
		// Sealed blocks have no business holding a lease.
		n.leases.releaseBlock(id)
		return
	}
	if entry.uc.State() == core.BlockCommitted && len(entry.finalized) >= n.cfg.MinReplication {
		n.completeEntry(entry)
		return
	}

	stamp := n.mintStamp()
	entry.uc.InitializeRecovery(stamp)
	if entry.uc.NumExpectedLocations() == 0 {
		// Nothing to recover from. The record stays for the node reports
		// that may yet come, but nobody holds a claim on it anymore.
		n.leases.releaseBlock(id)
		return
	}
	n.leases.reassign(id, recoveryHolder)
}

// maybeComplete seals the entry if it is committed and enough finalized
// replicas reported. Assumes the block lock is held.
func (n *Namespace) maybeComplete(entry *blockEntry) {
	if entry.uc == nil || entry.uc.State() != core.BlockCommitted {
		return
	}
	if len(entry.finalized) < n.cfg.MinReplication {
		return
	}
	n.completeEntry(entry)
}

// completeEntry seals the entry unconditionally. Assumes the block lock is
// held and the caller has established the preconditions.
func (n *Namespace) completeEntry(entry *blockEntry) {
	blk := entry.uc.ConvertToComplete()
	entry.b = blk
	entry.uc = nil
	n.leases.releaseBlock(blk.ID)
	n.sink.Infof("block %v is complete with %d finalized replicas", blk, len(entry.finalized))
}

//
// Introspection.
//

// Stat returns a snapshot of one block.
func (n *Namespace) Stat(id core.BlockID) (BlockStatus, core.Error) {
	var merr core.Error
	op := mOps.Start("stat")
	defer op.EndWithError(&merr)

	if !id.IsValid() {
		merr = core.ErrInvalidArgument
		return BlockStatus{}, merr
	}
	n.lockMgr.LockBlock(id)
	defer n.lockMgr.UnlockBlock(id)

	entry, ok := n.getEntry(id)
	if !ok {
		merr = core.ErrNoSuchBlock
		return BlockStatus{}, merr
	}
	return n.statusLocked(entry), core.NoError
}

// ListBlocks returns snapshots of up to 'limit' blocks with ids at or after
// 'start', in id order. A non-positive limit means no limit.
func (n *Namespace) ListBlocks(start core.BlockID, limit int) []BlockStatus {
	op := mOps.Start("list")
	defer op.End()

	n.lock.Lock()
	ids := make([]core.BlockID, 0, n.blocks.Size())
	it := n.blocks.Iterator()
	for it.Next() {
		if id := core.BlockID(it.Key().(uint64)); id >= start {
			ids = append(ids, id)
		}
	}
	n.lock.Unlock()

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]BlockStatus, 0, len(ids))
	for _, id := range ids {
		n.lockMgr.LockBlock(id)
		if entry, ok := n.getEntry(id); ok {
			out = append(out, n.statusLocked(entry))
		}
		n.lockMgr.UnlockBlock(id)
	}
	return out
}

// statusLocked builds the snapshot for one entry. Assumes the block lock is
// held.
func (n *Namespace) statusLocked(entry *blockEntry) BlockStatus {
	st := BlockStatus{
		Block:        entry.b,
		State:        core.BlockComplete,
		PrimaryIdx:   -1,
		NumFinalized: len(entry.finalized),
	}
	if h, ok := n.leases.holderOf(entry.b.ID); ok {
		st.Holder = h
	}
	if entry.uc != nil {
		st.Block = entry.uc.Block
		st.State = entry.uc.State()
		st.RecoveryID = entry.uc.RecoveryID()
		st.PrimaryIdx = entry.uc.PrimaryIndex()
		st.Replicas = entry.uc.Replicas()
	}
	return st
}

// NodeInfos returns a snapshot of every known storage node, sorted by id.
func (n *Namespace) NodeInfos() []core.NodeInfo {
	return n.nodes.infos()
}

// NumBlocks returns how many blocks the table holds.
func (n *Namespace) NumBlocks() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.blocks.Size()
}

// String summarizes the namespace for logs and status pages.
func (n *Namespace) String() string {
	return fmt.Sprintf("%d blocks, %d leases, %d parked reports; nodes: %s",
		n.NumBlocks(), n.leases.numLeases(), n.pending.ItemCount(), n.nodes)
}

func (n *Namespace) updateGauges() {
	counts := make(map[core.BlockState]int)
	n.lock.Lock()
	ids := make([]core.BlockID, 0, n.blocks.Size())
	it := n.blocks.Iterator()
	for it.Next() {
		ids = append(ids, core.BlockID(it.Key().(uint64)))
	}
	n.lock.Unlock()

	for _, id := range ids {
		n.lockMgr.LockBlock(id)
		if entry, ok := n.getEntry(id); ok {
			if entry.uc == nil {
				counts[core.BlockComplete]++
			} else {
				counts[entry.uc.State()]++
			}
		}
		n.lockMgr.UnlockBlock(id)
	}

	for _, state := range []core.BlockState{core.BlockUnderConstruction, core.BlockUnderRecovery, core.BlockCommitted, core.BlockComplete} {
		mBlockCount.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
	mLeaseCount.Set(float64(n.leases.numLeases()))
	mPendingCount.Set(float64(n.pending.ItemCount()))
}

//
// Table access and persistence.
//

// getEntry looks the entry up. The caller must hold the block's lock for
// the entry's contents to be stable.
func (n *Namespace) getEntry(id core.BlockID) (*blockEntry, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	v, ok := n.blocks.Get(uint64(id))
	if !ok {
		return nil, false
	}
	return v.(*blockEntry), true
}

// mintStamp issues the next generation stamp.
func (n *Namespace) mintStamp() core.GenStamp {
	n.lock.Lock()
	stamp := n.nextStamp
	n.nextStamp++
	n.lock.Unlock()
	n.persistMeta()
	return stamp
}

// persistMeta writes the counters through to the checkpoint. Counter reuse
// after a crash would hand out duplicate identities, so failure here is
// fatal.
func (n *Namespace) persistMeta() {
	if n.store == nil {
		return
	}
	n.lock.Lock()
	n.metaSaves++
	m := checkpoint.Meta{
		NextBlockID:  n.nextID,
		NextGenStamp: n.nextStamp,
		SaveCount:    n.metaSaves,
		SavedAt:      n.getTime().UnixNano(),
	}
	n.lock.Unlock()
	if err := n.store.Update(func(txn *checkpoint.Txn) error { return txn.PutMeta(m) }); err != nil {
		log.Fatalf("failed to persist namespace counters: %s", err)
	}
}

// persistEntry writes the entry through to the checkpoint. Assumes the
// block lock is held.
func (n *Namespace) persistEntry(entry *blockEntry) {
	if n.store == nil {
		return
	}
	rec := n.recordFromEntry(entry)
	if err := n.store.Update(func(txn *checkpoint.Txn) error { return txn.PutBlock(rec) }); err != nil {
		log.Fatalf("failed to persist block %v: %s", rec.Block.ID, err)
	}
}

// deleteEntry removes the block's record from the checkpoint.
func (n *Namespace) deleteEntry(id core.BlockID) {
	if n.store == nil {
		return
	}
	if err := n.store.Update(func(txn *checkpoint.Txn) error { return txn.DeleteBlock(id) }); err != nil {
		log.Fatalf("failed to delete block %v from checkpoint: %s", id, err)
	}
}

func (n *Namespace) recordFromEntry(entry *blockEntry) checkpoint.BlockRecord {
	rec := checkpoint.BlockRecord{
		Block:      entry.b,
		State:      core.BlockComplete,
		PrimaryIdx: -1,
	}
	if h, ok := n.leases.holderOf(entry.b.ID); ok {
		rec.Holder = h
	}
	if len(entry.finalized) > 0 {
		for id := range entry.finalized {
			rec.Finalized = append(rec.Finalized, id)
		}
		sort.Slice(rec.Finalized, func(i, j int) bool { return rec.Finalized[i] < rec.Finalized[j] })
	}
	if entry.uc != nil {
		rec.Block = entry.uc.Block
		rec.State = entry.uc.State()
		rec.RecoveryID = entry.uc.RecoveryID()
		rec.PrimaryIdx = entry.uc.PrimaryIndex()
		infos := entry.uc.Replicas()
		rec.Replicas = make([]checkpoint.ReplicaRecord, len(infos))
		for i, r := range infos {
			rec.Replicas[i] = checkpoint.ReplicaRecord{
				Node:           r.Node,
				Reported:       r.Reported,
				State:          r.State,
				TriedAsPrimary: r.TriedAsPrimary,
			}
		}
	}
	return rec
}

// Snapshot streams a consistent backup of the checkpoint.
func (n *Namespace) Snapshot(w io.Writer) error {
	if n.store == nil {
		return core.ErrInvalidState.Error()
	}
	return n.store.Save(w)
}

// restore loads the block table and counters from the checkpoint, bumps the
// counters past anything the lost tail of the old process may have issued,
// and gives known nodes a fresh grace period to find us.
func (n *Namespace) restore() error {
	var meta checkpoint.Meta
	var haveMeta bool
	var recs []checkpoint.BlockRecord
	err := n.store.View(func(txn *checkpoint.Txn) error {
		var err error
		if meta, haveMeta, err = txn.Meta(); err != nil {
			return err
		}
		return txn.ForEachBlock(func(rec checkpoint.BlockRecord) error {
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return err
	}

	if haveMeta {
		n.nextID = meta.NextBlockID + core.BlockID(n.cfg.BlockIDRestoreGap)
		n.nextStamp = meta.NextGenStamp + core.GenStamp(n.cfg.GenStampRestoreGap)
	}

	seen := make(map[core.NodeID]struct{})
	for _, rec := range recs {
		for _, r := range rec.Replicas {
			seen[r.Node] = struct{}{}
		}
		for _, id := range rec.Finalized {
			seen[id] = struct{}{}
		}
	}
	expected := make([]core.NodeID, 0, len(seen))
	for id := range seen {
		expected = append(expected, id)
	}
	n.nodes.ensureExpected(expected)

	for _, rec := range recs {
		entry := &blockEntry{b: rec.Block, finalized: make(map[core.NodeID]struct{})}
		for _, id := range rec.Finalized {
			entry.finalized[id] = struct{}{}
		}
		if rec.State != core.BlockComplete {
			infos := make([]ReplicaInfo, len(rec.Replicas))
			nodes := make([]StorageNode, len(rec.Replicas))
			for i, r := range rec.Replicas {
				d, _ := n.nodes.get(r.Node)
				d.addToInventory(rec.Block.ID)
				nodes[i] = d
				infos[i] = ReplicaInfo{
					Node:           r.Node,
					Reported:       r.Reported,
					State:          r.State,
					TriedAsPrimary: r.TriedAsPrimary,
				}
			}
			entry.uc = restoreBlockUnderConstruction(rec.Block, rec.State, rec.RecoveryID,
				rec.PrimaryIdx, infos, nodes, n.sink)
			if rec.Holder != "" {
				// Grant rather than blindly install, so a corrupt double
				// assignment in the checkpoint can't survive the restore.
				if merr := n.leases.grant(rec.Holder, rec.Block.ID); merr != core.NoError {
					n.sink.Warningf("can't restore lease of %q on %v: %s", rec.Holder, rec.Block.ID, merr)
				}
			}
		}
		n.blocks.Put(uint64(rec.Block.ID), entry)
	}

	n.nodes.restartGracePeriod()
	n.persistMeta()
	log.Infof("restored %d blocks from checkpoint; next block id %v, next stamp %v, %d nodes expected",
		len(recs), n.nextID, n.nextStamp, len(expected))
	return nil
}
