// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/masonfs/mason/internal/core"
)

// recoveryHolder is the internal holder name that expired leases are
// reassigned to while recovery runs. The reassigned lease expires like any
// other, so a recovery round that stalls gets retried on a later scan.
const recoveryHolder = "MASON_MASTER"

// lease is one writer's claim on the blocks it has open for write. A writer
// holds at most one lease; renewing it covers every block under it.
type lease struct {
	holder  string
	renewed time.Time
	blocks  map[core.BlockID]struct{}
}

// expiredLease is a snapshot of one lease that outlived its expiry, handed
// to the recovery scan.
type expiredLease struct {
	holder string
	blocks []core.BlockID
}

// leaseManager hands out, renews and expires write leases. It only tracks
// claims; acting on an expired lease (kicking off recovery) is the
// namespace's business.
type leaseManager struct {
	lock sync.Mutex

	// Holder name to its lease.
	leases map[string]*lease

	// Which holder has each block open.
	byBlock map[core.BlockID]string

	// How long a lease lives past its last renewal.
	expiry time.Duration

	// A time-providing function, shim layer inserted for testing.
	getTime func() time.Time
}

func newLeaseManager(expiry time.Duration, getTime func() time.Time) *leaseManager {
	return &leaseManager{
		leases:  make(map[string]*lease),
		byBlock: make(map[core.BlockID]string),
		expiry:  expiry,
		getTime: getTime,
	}
}

// grant adds the block to the holder's lease, creating the lease if the
// holder doesn't have one yet. Granting counts as a renewal. Fails with
// ErrNotLeaseHolder if another writer has the block open.
func (lm *leaseManager) grant(holder string, id core.BlockID) core.Error {
	if holder == "" {
		return core.ErrInvalidArgument
	}

	lm.lock.Lock()
	defer lm.lock.Unlock()

	if cur, ok := lm.byBlock[id]; ok && cur != holder {
		return core.ErrNotLeaseHolder
	}

	l, ok := lm.leases[holder]
	if !ok {
		l = &lease{holder: holder, blocks: make(map[core.BlockID]struct{})}
		lm.leases[holder] = l
		log.V(2).Infof("new lease for holder %q", holder)
	}
	l.blocks[id] = struct{}{}
	l.renewed = lm.getTime()
	lm.byBlock[id] = holder
	return core.NoError
}

// renew refreshes the holder's lease over all of its blocks.
func (lm *leaseManager) renew(holder string) core.Error {
	lm.lock.Lock()
	defer lm.lock.Unlock()

	l, ok := lm.leases[holder]
	if !ok {
		return core.ErrNoSuchLease
	}
	l.renewed = lm.getTime()
	return core.NoError
}

// release drops the block from the holder's lease. An emptied lease goes
// away entirely.
func (lm *leaseManager) release(holder string, id core.BlockID) core.Error {
	lm.lock.Lock()
	defer lm.lock.Unlock()

	cur, ok := lm.byBlock[id]
	if !ok {
		return core.ErrNoSuchLease
	}
	if cur != holder {
		return core.ErrNotLeaseHolder
	}
	lm.removeLocked(cur, id)
	return core.NoError
}

// releaseBlock drops the block from whatever lease covers it, if any.
func (lm *leaseManager) releaseBlock(id core.BlockID) {
	lm.lock.Lock()
	defer lm.lock.Unlock()

	if cur, ok := lm.byBlock[id]; ok {
		lm.removeLocked(cur, id)
	}
}

// assumes lock held.
func (lm *leaseManager) removeLocked(holder string, id core.BlockID) {
	delete(lm.byBlock, id)
	if l, ok := lm.leases[holder]; ok {
		delete(l.blocks, id)
		if len(l.blocks) == 0 {
			delete(lm.leases, holder)
			log.V(2).Infof("lease for holder %q emptied, removed", holder)
		}
	}
}

// holderOf returns who has the block open.
func (lm *leaseManager) holderOf(id core.BlockID) (string, bool) {
	lm.lock.Lock()
	defer lm.lock.Unlock()
	h, ok := lm.byBlock[id]
	return h, ok
}

// checkHolder verifies that the block is open and that it is this holder
// who has it open.
func (lm *leaseManager) checkHolder(holder string, id core.BlockID) core.Error {
	lm.lock.Lock()
	defer lm.lock.Unlock()

	cur, ok := lm.byBlock[id]
	if !ok {
		return core.ErrNoSuchLease
	}
	if cur != holder {
		return core.ErrNotLeaseHolder
	}
	return core.NoError
}

// reassign moves the block under a different holder, renewing that holder's
// lease. Used when an expiry scan hands a block over to recovery.
func (lm *leaseManager) reassign(id core.BlockID, to string) {
	lm.lock.Lock()
	defer lm.lock.Unlock()

	if cur, ok := lm.byBlock[id]; ok {
		if cur == to {
			return
		}
		lm.removeLocked(cur, id)
		log.Infof("lease on %v reassigned from %q to %q", id, cur, to)
	}

	l, ok := lm.leases[to]
	if !ok {
		l = &lease{holder: to, blocks: make(map[core.BlockID]struct{})}
		lm.leases[to] = l
	}
	l.blocks[id] = struct{}{}
	l.renewed = lm.getTime()
	lm.byBlock[id] = to
}

// expired returns a snapshot of every lease that has outlived its expiry.
func (lm *leaseManager) expired() []expiredLease {
	lm.lock.Lock()
	defer lm.lock.Unlock()

	now := lm.getTime()
	var out []expiredLease
	for holder, l := range lm.leases {
		if now.Sub(l.renewed) < lm.expiry {
			continue
		}
		e := expiredLease{holder: holder}
		for id := range l.blocks {
			e.blocks = append(e.blocks, id)
		}
		out = append(out, e)
	}
	return out
}

// numLeases returns how many holders currently have leases.
func (lm *leaseManager) numLeases() int {
	lm.lock.Lock()
	defer lm.lock.Unlock()
	return len(lm.leases)
}
