// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"

	"github.com/masonfs/mason/internal/core"
)

// LockManager provides exclusive access to a given block. The namespace
// serializes all metadata operations on one block through it, so the block
// record itself never needs a lock of its own, while operations on different
// blocks still run concurrently.
type LockManager interface {
	// LockBlock acquires a lock of exclusive access to a given block.
	LockBlock(core.BlockID)

	// UnlockBlock releases the lock on a given block.
	UnlockBlock(core.BlockID)
}

// FineGrainedLock implements LockManager.
type FineGrainedLock struct {
	// Protects cond and things.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// Holds lock state for blocks. If present, the object is locked.
	things map[interface{}]bool
}

// NewFineGrainedLock creates a new FineGrainedLock.
func NewFineGrainedLock() LockManager {
	f := new(FineGrainedLock)
	f.cond.L = &f.lock
	f.things = make(map[interface{}]bool)
	return f
}

func (f *FineGrainedLock) lockThing(thing interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.things[thing] {
		f.cond.Wait()
	}
	f.things[thing] = true
}

func (f *FineGrainedLock) unlockThing(thing interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.things[thing] {
		panic("wasn't locked!")
	}
	delete(f.things, thing)
	f.cond.Broadcast()
}

// LockBlock locks a block.
func (f *FineGrainedLock) LockBlock(id core.BlockID) {
	f.lockThing(id)
}

// UnlockBlock unlocks a block.
func (f *FineGrainedLock) UnlockBlock(id core.BlockID) {
	f.unlockThing(id)
}
