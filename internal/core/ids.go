// Copyright (c) 2024 The Mason Authors.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*

The definitions of block and node ID's follow the layout below:

 - BlockID is the 64 bits (or 8 bytes) ID that identifies a block in the
   universe. IDs are issued sequentially by the namespace.

     +---------------------+
     |  BlockID (8 bytes)  |
     +---------------------+

 - NodeID is the 32 bits (or 4 bytes) ID that identifies a storage node.
   IDs are assigned at registration time and survive restarts of the node.

     +--------------------+
     |  NodeID (4 bytes)  |
     +--------------------+

 - GenStamp is a 64 bit generation stamp. Every block carries one; it is
   bumped whenever the block is reopened for append and whenever a recovery
   round is initiated, so replicas written under an older stamp can be told
   apart from current ones.

Rationale: a flat 8-byte block ID keeps the namespace metadata working set
small while leaving the ID space effectively inexhaustible, and sequential
issue keeps checkpoint keys dense.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// NodeID is an ID assigned to a storage node at registration. Valid NodeIDs
// start from 1.
type NodeID uint32

// BlockID refers to a block of file data tracked by the namespace. Writers
// and storage nodes both name blocks by their BlockID.
type BlockID uint64

// GenStamp is the generation stamp of a block: a monotonic version number
// for the block's contents. Recovery rounds are identified by the stamp
// they will install, so recovery IDs are GenStamps too.
type GenStamp uint64

//----------------
// NodeID Methods
//----------------

// IsValid returns if 'n' is a valid NodeID.
func (n NodeID) IsValid() bool {
	return n != NodeID(0)
}

func (n NodeID) String() string {
	return fmt.Sprintf("%d", uint32(n))
}

//-----------------
// BlockID Methods
//-----------------

// ZeroBlockID is an invalid block id used as a guard value.
const ZeroBlockID BlockID = 0

// IsValid returns if 'b' is a valid BlockID.
func (b BlockID) IsValid() bool {
	return b >= FirstBlockID
}

// String returns a human-readable string representation of the BlockID that can also be parsed by ParseBlockID.
func (b BlockID) String() string {
	return fmt.Sprintf("%016x", uint64(b))
}

// ParseBlockID parses a BlockID from the provided string. The string must be
// in the format produced by BlockID.String(). If it is not, ErrInvalidID will
// be returned.
func ParseBlockID(s string) (BlockID, error) {
	var b BlockID
	n, e := fmt.Sscanf(s, "%016x", &b)
	if n != 1 || nil != e {
		return b, ErrInvalidID
	}
	return b, nil
}

// Next returns the next highest block id in a sequential ordering.
func (b BlockID) Next() BlockID {
	return b + 1
}

// For fixed-width encoding in the checkpoint store:

// Size returns the marshaled size of a block id.
func (b BlockID) Size() int {
	return 8
}

// MarshalTo writes this block id to the given slice.
func (b BlockID) MarshalTo(out []byte) (n int, err error) {
	binary.BigEndian.PutUint64(out[0:8], uint64(b))
	return 8, nil
}

// Unmarshal sets this block id from the given slice.
func (b *BlockID) Unmarshal(in []byte) error {
	if len(in) != 8 {
		return ErrInvalidID
	}
	*b = BlockID(binary.BigEndian.Uint64(in[0:8]))
	return nil
}

//------------------
// GenStamp Methods
//------------------

// Next returns the stamp after 'g'.
func (g GenStamp) Next() GenStamp {
	return g + 1
}

func (g GenStamp) String() string {
	return fmt.Sprintf("g%d", uint64(g))
}
