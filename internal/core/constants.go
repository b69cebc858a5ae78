// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for a single component, probably it should not
// be placed here.
const (
	// MaxReplicationFactor is the maximum allowed replication of a block.
	MaxReplicationFactor int = 10

	// FirstBlockID is the first id the namespace's block counter issues.
	// The space below it is reserved for bootstrap images and
	// special-purpose blocks.
	FirstBlockID BlockID = 1 << 20

	// FirstGenStamp is the first generation stamp the namespace issues.
	// Stamps below it are reserved so that blocks imported from older
	// images can never collide with a freshly issued stamp.
	FirstGenStamp GenStamp = 1000
)
