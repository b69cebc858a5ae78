// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package checkpoint

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/masonfs/mason/internal/core"
)

// Records are encoded by hand in fixed-width big-endian form, newest version
// first in the byte so old records stay readable after a format change.
const (
	blockRecordV1 byte = 1
	metaRecordV1  byte = 1
)

// Fixed sizes of the v1 encodings.
const (
	blockRecFixed = 1 + 8 + 8 + 8 + 1 + 8 + 4 + 2 + 2 // up to the variable tail
	replicaRecLen = 4 + 8 + 8 + 8 + 1 + 1
	metaRecLen    = 1 + 8 + 8 + 8 + 8
)

// Converts a block ID to a unique key in DB.
func blockID2Key(id core.BlockID) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(id))
	return key[:]
}

// Converts a key in DB to a block ID. This is the reverse of blockID2Key.
func key2BlockID(key []byte) (core.BlockID, error) {
	if len(key) != 8 {
		return 0, errors.Errorf("wrong format of key for block ID: %d bytes", len(key))
	}
	return core.BlockID(binary.BigEndian.Uint64(key)), nil
}

func putBlock(buf []byte, b core.Block) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(b.ID))
	binary.BigEndian.PutUint64(buf[8:16], b.Length)
	binary.BigEndian.PutUint64(buf[16:24], uint64(b.GenStamp))
}

func getBlock(buf []byte) core.Block {
	return core.Block{
		ID:       core.BlockID(binary.BigEndian.Uint64(buf[0:8])),
		Length:   binary.BigEndian.Uint64(buf[8:16]),
		GenStamp: core.GenStamp(binary.BigEndian.Uint64(buf[16:24])),
	}
}

// encodeBlockRecord renders a block record in the v1 layout:
//
//	1 byte   record version
//	24 bytes block (id, length, genstamp)
//	1 byte   state
//	8 bytes  recovery id
//	4 bytes  primary index (two's complement, -1 for none)
//	2 bytes  finalized count F
//	2 bytes  replica count R
//	4F bytes finalized node ids
//	30R bytes replica entries (node, reported block, state, tried)
//	2 bytes  holder length H
//	H bytes  lease holder
func encodeBlockRecord(rec BlockRecord) []byte {
	buf := make([]byte, blockRecFixed+4*len(rec.Finalized)+replicaRecLen*len(rec.Replicas)+2+len(rec.Holder))

	buf[0] = blockRecordV1
	putBlock(buf[1:25], rec.Block)
	buf[25] = byte(rec.State)
	binary.BigEndian.PutUint64(buf[26:34], uint64(rec.RecoveryID))
	binary.BigEndian.PutUint32(buf[34:38], uint32(int32(rec.PrimaryIdx)))
	binary.BigEndian.PutUint16(buf[38:40], uint16(len(rec.Finalized)))
	binary.BigEndian.PutUint16(buf[40:42], uint16(len(rec.Replicas)))

	off := blockRecFixed
	for _, id := range rec.Finalized {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(id))
		off += 4
	}
	for _, r := range rec.Replicas {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(r.Node))
		putBlock(buf[off+4:off+28], r.Reported)
		buf[off+28] = byte(r.State)
		if r.TriedAsPrimary {
			buf[off+29] = 1
		}
		off += replicaRecLen
	}
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(rec.Holder)))
	copy(buf[off+2:], rec.Holder)
	return buf
}

// decodeBlockRecord is the reverse of encodeBlockRecord.
func decodeBlockRecord(buf []byte) (BlockRecord, error) {
	var rec BlockRecord
	if len(buf) < blockRecFixed {
		return rec, errors.Errorf("block record too short: %d bytes", len(buf))
	}
	if buf[0] != blockRecordV1 {
		return rec, errors.Errorf("unknown block record version %d", buf[0])
	}

	rec.Block = getBlock(buf[1:25])
	rec.State = core.BlockState(buf[25])
	rec.RecoveryID = core.GenStamp(binary.BigEndian.Uint64(buf[26:34]))
	rec.PrimaryIdx = int(int32(binary.BigEndian.Uint32(buf[34:38])))
	numFinalized := int(binary.BigEndian.Uint16(buf[38:40]))
	numReplicas := int(binary.BigEndian.Uint16(buf[40:42]))

	want := blockRecFixed + 4*numFinalized + replicaRecLen*numReplicas + 2
	if len(buf) < want {
		return rec, errors.Errorf("block record length %d, expected at least %d", len(buf), want)
	}

	off := blockRecFixed
	if numFinalized > 0 {
		rec.Finalized = make([]core.NodeID, numFinalized)
		for i := range rec.Finalized {
			rec.Finalized[i] = core.NodeID(binary.BigEndian.Uint32(buf[off : off+4]))
			off += 4
		}
	}
	if numReplicas > 0 {
		rec.Replicas = make([]ReplicaRecord, numReplicas)
		for i := range rec.Replicas {
			rec.Replicas[i] = ReplicaRecord{
				Node:           core.NodeID(binary.BigEndian.Uint32(buf[off : off+4])),
				Reported:       getBlock(buf[off+4 : off+28]),
				State:          core.ReplicaState(buf[off+28]),
				TriedAsPrimary: buf[off+29] == 1,
			}
			off += replicaRecLen
		}
	}
	holderLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) != off+holderLen {
		return rec, errors.Errorf("block record length %d, expected %d", len(buf), off+holderLen)
	}
	if holderLen > 0 {
		rec.Holder = string(buf[off : off+holderLen])
	}
	return rec, nil
}

// encodeMeta renders the counters record in the v1 layout.
func encodeMeta(m Meta) []byte {
	buf := make([]byte, metaRecLen)
	buf[0] = metaRecordV1
	binary.BigEndian.PutUint64(buf[1:9], uint64(m.NextBlockID))
	binary.BigEndian.PutUint64(buf[9:17], uint64(m.NextGenStamp))
	binary.BigEndian.PutUint64(buf[17:25], m.SaveCount)
	binary.BigEndian.PutUint64(buf[25:33], uint64(m.SavedAt))
	return buf
}

// decodeMeta is the reverse of encodeMeta.
func decodeMeta(buf []byte) (Meta, error) {
	var m Meta
	if len(buf) != metaRecLen {
		return m, errors.Errorf("meta record length %d, expected %d", len(buf), metaRecLen)
	}
	if buf[0] != metaRecordV1 {
		return m, errors.Errorf("unknown meta record version %d", buf[0])
	}
	m.NextBlockID = core.BlockID(binary.BigEndian.Uint64(buf[1:9]))
	m.NextGenStamp = core.GenStamp(binary.BigEndian.Uint64(buf[9:17]))
	m.SaveCount = binary.BigEndian.Uint64(buf[17:25])
	m.SavedAt = int64(binary.BigEndian.Uint64(buf[25:33]))
	return m, nil
}
