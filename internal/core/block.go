// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "fmt"

// Block is the identity of one replicated unit of file data: the id names
// the block, the length says how many bytes have been written to it so far,
// and the generation stamp versions its contents. Two Blocks refer to the
// same block exactly when their IDs are equal; length and stamp are the
// coordinates of that block as seen by whoever produced the value.
//
// Block never carries data. The namespace, the storage nodes and the writer
// all exchange Block values to talk about a block.
type Block struct {
	// ID names the block.
	ID BlockID

	// Length is the number of bytes written, as known to the producer of
	// this value. It only grows while the block is being written.
	Length uint64

	// GenStamp versions the contents. Replicas written under an older
	// stamp are stale.
	GenStamp GenStamp
}

// String returns a log-friendly representation carrying all three coordinates.
func (b Block) String() string {
	return fmt.Sprintf("%v@%v:%d", b.ID, b.GenStamp, b.Length)
}
