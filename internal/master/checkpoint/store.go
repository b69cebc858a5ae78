// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package checkpoint is the durable image of the block namespace. Every
// mutation the master applies is written through to a bolt database so
// that a restart (or an operator with masonctl) sees the same block table
// the master last acted on. Records carry an xxhash trailer so that
// corruption is caught at read time instead of being acted on.
package checkpoint

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/masonfs/mason/internal/core"
)

var (
	// Bucket that stores all block records, keyed by block ID.
	blockBucket = []byte("block")

	// Bucket that stores the counters record.
	metaBucket = []byte("meta")

	// The single key in metaBucket.
	metaKey = []byte("counters")
)

// Permissions for the db file.
const dbPerm os.FileMode = 0600

// How long Open waits for the file lock before giving up. A master that
// is still running holds the lock, so a second opener should fail fast.
const openTimeout = time.Second

var mDBSize = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "master",
	Name:      "checkpoint_size_bytes",
	Help:      "Size of the checkpoint database",
})

// BlockRecord is the durable form of one block table entry.
type BlockRecord struct {
	Block      core.Block
	State      core.BlockState
	RecoveryID core.GenStamp
	PrimaryIdx int
	Finalized  []core.NodeID
	Replicas   []ReplicaRecord

	// Who has the block open for write, if anyone.
	Holder string
}

// ReplicaRecord is the durable form of one expected replica.
type ReplicaRecord struct {
	Node           core.NodeID
	Reported       core.Block
	State          core.ReplicaState
	TriedAsPrimary bool
}

// Meta holds the namespace counters and bookkeeping for the last save.
type Meta struct {
	NextBlockID  core.BlockID
	NextGenStamp core.GenStamp
	SaveCount    uint64
	SavedAt      int64
}

// Store wraps the bolt database that holds the checkpoint.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the checkpoint database at 'path'.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, dbPerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blockBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create checkpoint buckets")
	}
	return &Store{db: db}, nil
}

// OpenReadOnly opens an existing checkpoint database without taking the
// write lock. Used by masonctl against a live master's checkpoint.
func OpenReadOnly(path string) (*Store, error) {
	db, err := bolt.Open(path, dbPerm, &bolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %q read-only", path)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Txn bundles the typed record operations that run inside one bolt
// transaction. A Txn is only valid for the duration of the Update or View
// call that produced it.
type Txn struct {
	txn *bolt.Tx
}

// Update runs 'f' in a read-write transaction. The transaction commits if
// 'f' returns nil and rolls back otherwise.
func (s *Store) Update(f func(*Txn) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := f(&Txn{txn: tx}); err != nil {
			return err
		}
		mDBSize.Set(float64(tx.Size()))
		return nil
	})
	return errors.Wrap(err, "checkpoint update")
}

// View runs 'f' in a read-only transaction.
func (s *Store) View(f func(*Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return f(&Txn{txn: tx})
	})
}

// seal appends the xxhash trailer to an encoded record.
func seal(payload []byte) []byte {
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(payload))
	return append(payload, sum[:]...)
}

// unseal verifies and strips the xxhash trailer.
func unseal(val []byte) ([]byte, error) {
	if len(val) < 8 {
		return nil, errors.Errorf("record too short for checksum: %d bytes", len(val))
	}
	payload, trailer := val[:len(val)-8], val[len(val)-8:]
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(trailer) {
		return nil, errors.New("record checksum mismatch")
	}
	return payload, nil
}

// PutBlock writes one block record.
func (t *Txn) PutBlock(rec BlockRecord) error {
	val := seal(encodeBlockRecord(rec))
	return t.txn.Bucket(blockBucket).Put(blockID2Key(rec.Block.ID), val)
}

// GetBlock reads one block record. The bool reports whether it exists.
func (t *Txn) GetBlock(id core.BlockID) (BlockRecord, bool, error) {
	val := t.txn.Bucket(blockBucket).Get(blockID2Key(id))
	if val == nil {
		return BlockRecord{}, false, nil
	}
	payload, err := unseal(val)
	if err != nil {
		return BlockRecord{}, false, errors.Wrapf(err, "block %v", id)
	}
	rec, err := decodeBlockRecord(payload)
	if err != nil {
		return BlockRecord{}, false, errors.Wrapf(err, "block %v", id)
	}
	return rec, true, nil
}

// DeleteBlock removes one block record. Missing records are not an error.
func (t *Txn) DeleteBlock(id core.BlockID) error {
	return t.txn.Bucket(blockBucket).Delete(blockID2Key(id))
}

// ForEachBlock calls 'f' for every block record in id order. A non-nil
// return from 'f' stops the walk and is returned.
func (t *Txn) ForEachBlock(f func(BlockRecord) error) error {
	return t.txn.Bucket(blockBucket).ForEach(func(key, val []byte) error {
		id, err := key2BlockID(key)
		if err != nil {
			return err
		}
		payload, err := unseal(val)
		if err != nil {
			return errors.Wrapf(err, "block %v", id)
		}
		rec, err := decodeBlockRecord(payload)
		if err != nil {
			return errors.Wrapf(err, "block %v", id)
		}
		return f(rec)
	})
}

// NumBlocks returns the number of block records.
func (t *Txn) NumBlocks() int {
	return t.txn.Bucket(blockBucket).Stats().KeyN
}

// PutMeta writes the counters record.
func (t *Txn) PutMeta(m Meta) error {
	return t.txn.Bucket(metaBucket).Put(metaKey, seal(encodeMeta(m)))
}

// Meta reads the counters record. The bool reports whether it has ever
// been written.
func (t *Txn) Meta() (Meta, bool, error) {
	val := t.txn.Bucket(metaBucket).Get(metaKey)
	if val == nil {
		return Meta{}, false, nil
	}
	payload, err := unseal(val)
	if err != nil {
		return Meta{}, false, errors.Wrap(err, "meta record")
	}
	m, err := decodeMeta(payload)
	if err != nil {
		return Meta{}, false, errors.Wrap(err, "meta record")
	}
	return m, true, nil
}

// Verify walks every record checking its checksum and encoding. It returns
// the number of good block records, stopping at the first bad one.
func (s *Store) Verify() (int, error) {
	verified := 0
	err := s.View(func(t *Txn) error {
		if _, _, err := t.Meta(); err != nil {
			return err
		}
		return t.ForEachBlock(func(BlockRecord) error {
			verified++
			return nil
		})
	})
	return verified, err
}
