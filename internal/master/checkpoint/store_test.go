// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/boltdb/bolt"

	"github.com/masonfs/mason/internal/core"
	test "github.com/masonfs/mason/pkg/testutil"
)

func newTestStore(t *testing.T) *Store {
	dir, err := os.MkdirTemp(test.TempDir(), "checkpoint_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %s", err)
	}
	s, err := Open(filepath.Join(dir, "checkpoint.db"))
	if err != nil {
		t.Fatalf("failed to open store: %s", err)
	}
	return s
}

func testRecord(id core.BlockID) BlockRecord {
	return BlockRecord{
		Block:      core.Block{ID: id, Length: 4096, GenStamp: 1007},
		State:      core.BlockUnderRecovery,
		RecoveryID: 1008,
		PrimaryIdx: 1,
		Finalized:  []core.NodeID{3},
		Replicas: []ReplicaRecord{
			{Node: 1, Reported: core.Block{ID: id, GenStamp: 1007}, State: core.ReplicaBeingWritten},
			{Node: 2, Reported: core.Block{ID: id, Length: 512, GenStamp: 1006}, State: core.ReplicaWaitingRecovery, TriedAsPrimary: true},
		},
		Holder: "writer-7",
	}
}

// Test that block and meta records survive a write and a reopen unchanged.
func TestRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	path := s.db.Path()
	defer s.Close()

	rec := testRecord(core.FirstBlockID)
	meta := Meta{NextBlockID: core.FirstBlockID + 10, NextGenStamp: 1020, SaveCount: 7, SavedAt: 1234567890}
	err := s.Update(func(txn *Txn) error {
		if err := txn.PutBlock(rec); err != nil {
			return err
		}
		return txn.PutMeta(meta)
	})
	if err != nil {
		t.Fatalf("failed to write records: %s", err)
	}

	s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %s", err)
	}

	err = s.View(func(txn *Txn) error {
		got, ok, err := txn.GetBlock(rec.Block.ID)
		if err != nil || !ok {
			t.Fatalf("failed to read block back: ok=%v err=%s", ok, err)
		}
		if !reflect.DeepEqual(got, rec) {
			t.Errorf("block record changed: got %+v, want %+v", got, rec)
		}
		m, ok, err := txn.Meta()
		if err != nil || !ok {
			t.Fatalf("failed to read meta back: ok=%v err=%s", ok, err)
		}
		if m != meta {
			t.Errorf("meta record changed: got %+v, want %+v", m, meta)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %s", err)
	}
}

// Test that a record with no replicas and no primary keeps its -1 index.
func TestEmptyRecord(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rec := BlockRecord{
		Block:      core.Block{ID: core.FirstBlockID + 1, GenStamp: core.FirstGenStamp},
		State:      core.BlockUnderConstruction,
		PrimaryIdx: -1,
	}
	if err := s.Update(func(txn *Txn) error { return txn.PutBlock(rec) }); err != nil {
		t.Fatalf("failed to write record: %s", err)
	}
	err := s.View(func(txn *Txn) error {
		got, ok, err := txn.GetBlock(rec.Block.ID)
		if err != nil || !ok {
			t.Fatalf("failed to read block back: ok=%v err=%s", ok, err)
		}
		if got.PrimaryIdx != -1 || got.Replicas != nil || got.Finalized != nil || got.Holder != "" {
			t.Errorf("empty record changed: got %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %s", err)
	}
}

// Test that a flipped byte in the db is caught by the checksum trailer.
func TestCorruptRecordDetected(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rec := testRecord(core.FirstBlockID + 2)
	if err := s.Update(func(txn *Txn) error { return txn.PutBlock(rec) }); err != nil {
		t.Fatalf("failed to write record: %s", err)
	}

	// Reach under the typed layer and corrupt the stored value.
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blockBucket)
		key := blockID2Key(rec.Block.ID)
		val := append([]byte{}, b.Get(key)...)
		val[5] ^= 0xff
		return b.Put(key, val)
	})
	if err != nil {
		t.Fatalf("failed to corrupt record: %s", err)
	}

	err = s.View(func(txn *Txn) error {
		_, _, err := txn.GetBlock(rec.Block.ID)
		return err
	})
	if err == nil {
		t.Fatalf("expected checksum error reading corrupt record")
	}
	if n, err := s.Verify(); err == nil {
		t.Errorf("expected Verify to fail, verified %d", n)
	}
}

// Test that ForEachBlock walks records in block id order regardless of
// insertion order.
func TestForEachBlockOrder(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	ids := []core.BlockID{core.FirstBlockID + 5, core.FirstBlockID, core.FirstBlockID + 2}
	err := s.Update(func(txn *Txn) error {
		for _, id := range ids {
			if err := txn.PutBlock(testRecord(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to write records: %s", err)
	}

	var got []core.BlockID
	err = s.View(func(txn *Txn) error {
		if n := txn.NumBlocks(); n != 3 {
			t.Errorf("expected 3 blocks, got %d", n)
		}
		return txn.ForEachBlock(func(rec BlockRecord) error {
			got = append(got, rec.Block.ID)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("walk failed: %s", err)
	}
	want := []core.BlockID{core.FirstBlockID, core.FirstBlockID + 2, core.FirstBlockID + 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("wrong walk order: got %v, want %v", got, want)
	}
}

// Test that a snapshot can be restored into an identical store, and that
// restore refuses to clobber an existing file.
func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	rec := testRecord(core.FirstBlockID + 9)
	meta := Meta{NextBlockID: core.FirstBlockID + 10, NextGenStamp: 1010, SaveCount: 3}
	err := s.Update(func(txn *Txn) error {
		if err := txn.PutBlock(rec); err != nil {
			return err
		}
		return txn.PutMeta(meta)
	})
	if err != nil {
		t.Fatalf("failed to write records: %s", err)
	}

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatalf("failed to save snapshot: %s", err)
	}

	target := filepath.Join(filepath.Dir(s.db.Path()), "restored.db")
	m, err := Restore(bytes.NewReader(buf.Bytes()), target)
	if err != nil {
		t.Fatalf("failed to restore snapshot: %s", err)
	}
	if m != meta {
		t.Errorf("restored meta changed: got %+v, want %+v", m, meta)
	}

	r, err := Open(target)
	if err != nil {
		t.Fatalf("failed to open restored store: %s", err)
	}
	defer r.Close()
	err = r.View(func(txn *Txn) error {
		got, ok, err := txn.GetBlock(rec.Block.ID)
		if err != nil || !ok {
			t.Fatalf("failed to read restored block: ok=%v err=%s", ok, err)
		}
		if !reflect.DeepEqual(got, rec) {
			t.Errorf("restored record changed: got %+v, want %+v", got, rec)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %s", err)
	}

	if _, err := Restore(bytes.NewReader(buf.Bytes()), target); err == nil {
		t.Errorf("expected restore over existing file to fail")
	}
}

// Test that a snapshot with a mangled header is rejected.
func TestSnapshotBadHeader(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatalf("failed to save snapshot: %s", err)
	}
	raw := buf.Bytes()
	raw[0] ^= 0xff
	target := filepath.Join(filepath.Dir(s.db.Path()), "bad.db")
	if _, err := Restore(bytes.NewReader(raw), target); err == nil {
		t.Fatalf("expected bad magic to be rejected")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("restore should not have created %q", target)
	}
}
