// Copyright (c) 2024 The Mason Authors.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type for namespace and node operations.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Errors from the block level ------//

	// ErrBlockIDMismatch is returned when a writer tries to commit a block
	// whose reported id differs from the id of the record it addressed.
	// Nothing about the record changes when this is returned.
	ErrBlockIDMismatch

	// ErrNoSuchBlock is returned if the block doesn't exist, cannot succeed
	// without it.
	ErrNoSuchBlock

	// ErrBlockComplete is returned for mutating operations on a block whose
	// metadata has already been sealed.
	ErrBlockComplete

	// ErrBlockIncomplete is returned when completion is requested but the
	// block is not committed yet or too few finalized replicas have been
	// reported. The caller can retry once more replicas report in.
	ErrBlockIncomplete

	// ErrStaleRecovery is returned when a recovery outcome arrives with a
	// recovery id older than the current round. The reporting primary lost
	// its round to a newer one.
	ErrStaleRecovery

	// ErrInvalidState is returned if we find data in our state that doesn't
	// make sense or is inconsistent with the requested operation.
	ErrInvalidState

	//------ Errors from the node level ------//

	// ErrNoSuchNode is returned when an operation names a storage node the
	// monitor has never heard of.
	ErrNoSuchNode

	// ErrNoHealthyNodes is returned when a new block cannot be placed
	// because no storage node is currently healthy.
	ErrNoHealthyNodes

	//------ Errors from the lease level ------//

	// ErrNoSuchLease is returned when renewing or releasing a lease that
	// isn't held.
	ErrNoSuchLease

	// ErrNotLeaseHolder is returned when a writer operates on a block whose
	// lease is held by someone else.
	ErrNotLeaseHolder

	//------ Errors from any level ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing
	// (eg an empty holder name).
	ErrInvalidArgument

	// ErrTooBusy means the master is too busy to do whatever it was asked
	// to do.
	ErrTooBusy

	// ErrNoFreeMemory is returned when free system memory is too low to
	// take on new block metadata.
	ErrNoFreeMemory

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	// Errors from the block level.
	ErrBlockIDMismatch: "reported block id does not match the record",
	ErrNoSuchBlock:     "block does not exist, cannot succeed without it",
	ErrBlockComplete:   "block is already complete",
	ErrBlockIncomplete: "block is not committed or lacks finalized replicas",
	ErrStaleRecovery:   "recovery id is stale, a newer recovery round exists",
	ErrInvalidState:    "invalid state",

	// Errors from the node level.
	ErrNoSuchNode:     "storage node does not exist in view",
	ErrNoHealthyNodes: "no healthy storage nodes to place new blocks on",

	// Errors from the lease level.
	ErrNoSuchLease:    "no lease held",
	ErrNotLeaseHolder: "lease is held by another writer",

	// Errors from any level, really.
	ErrInvalidArgument: "invalid argument",
	ErrTooBusy:         "too busy",
	ErrNoFreeMemory:    "free system memory too low to accept new blocks",

	// Meta-error.
	ErrUnknown: "unknown error!!!! contact a programming professional to diagnose",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	m, ok := g.(goError)
	return ok && (Error)(m) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError gets the underlying core.Error from an error.
func FromError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
func IsRetriableError(err Error) bool {
	switch err {
	// More finalized replicas may report in shortly.
	case ErrBlockIncomplete,
		// Memory pressure comes and goes.
		ErrNoFreeMemory,
		// Nodes may register or come back shortly.
		ErrNoHealthyNodes,
		// Make sense to back off a little bit and retry.
		ErrTooBusy:
		return true
	}
	return false
}
