// Copyright (c) 2024 The Mason Authors.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"math"
	"testing"
)

// testBlockID serializes a BlockID to a string, deserializes it, and checks
// that everything went OK, including the fixed-width binary form.
func testBlockID(id BlockID, t *testing.T) {
	bstr := id.String()
	newB, e := ParseBlockID(bstr)
	if nil != e {
		t.Fatal("error parsing from encoded string: " + e.Error())
	}
	if id != newB {
		t.Fatalf("parsed id does not match: %s and %s", id, newB)
	}

	buf := make([]byte, id.Size())
	if n, err := id.MarshalTo(buf); n != 8 || err != nil {
		t.Fatal("marshal failed")
	}
	var back BlockID
	if err := back.Unmarshal(buf); err != nil {
		t.Fatal("unmarshal failed: " + err.Error())
	}
	if back != id {
		t.Fatalf("binary round trip does not match: %s and %s", id, back)
	}
}

// Test various near-the-limit BlockID values.
func TestBlockIDLimits(t *testing.T) {
	limits := []BlockID{FirstBlockID, FirstBlockID + 1, FirstBlockID + 100,
		math.MaxUint64 - 1, math.MaxUint64}
	for _, id := range limits {
		testBlockID(id, t)
		if !id.IsValid() {
			t.Fatalf("id %s should be valid", id)
		}
	}
}

// Test that ids below the reserved boundary are invalid.
func TestInvalidBlockIDs(t *testing.T) {
	for _, id := range []BlockID{ZeroBlockID, 1, 2, 100, FirstBlockID - 1} {
		if id.IsValid() {
			t.Fatalf("invalid block id %s", id)
		}
	}
}

// Unmarshal must reject slices that aren't exactly id-sized.
func TestBlockIDUnmarshalLength(t *testing.T) {
	var b BlockID
	if err := b.Unmarshal(make([]byte, 7)); err != ErrInvalidID {
		t.Errorf("short slice should not unmarshal")
	}
	if err := b.Unmarshal(make([]byte, 9)); err != ErrInvalidID {
		t.Errorf("long slice should not unmarshal")
	}
}

func TestNodeIDValidity(t *testing.T) {
	if NodeID(0).IsValid() {
		t.Errorf("zero node id should not be valid")
	}
	if !NodeID(1).IsValid() {
		t.Errorf("node id 1 should be valid")
	}
}
