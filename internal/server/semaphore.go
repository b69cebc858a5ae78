// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package server

// Semaphore is a counting semaphore built on a buffered channel.
type Semaphore chan struct{}

// NewSemaphore creates a new semaphore with 'max' number of permits.
func NewSemaphore(max int) Semaphore {
	return make(Semaphore, max)
}

// Acquire takes a permit, blocking until one is available.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// Release returns a permit to the semaphore.
func (s Semaphore) Release() {
	<-s
}

// TryAcquire takes a permit if one is available right now and reports
// whether it got one.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}
