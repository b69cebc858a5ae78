// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/masonfs/mason/internal/core"
)

// Config encapsulates parameters for the block metadata master.
type Config struct {
	MaxReplFactor  int // At most how many replicas can a block be opened with?
	MinReplication int // How many finalized replicas before a block can complete?

	// --- Node Monitor ---
	// Stale is anything that hasn't beaten recently. Stale nodes shouldn't
	// join new write pipelines as we expect writes to them to fail, but
	// their replicas still count.
	NodeStale time.Duration
	// Dead is anything that hasn't beaten in so long that it is probably
	// offline and the replicas on it should be considered gone.
	NodeDead time.Duration
	// When a master starts (or restores), nodes might take some time to
	// find it. Nothing is claimed stale or dead during the grace period.
	HeartbeatGracePeriod time.Duration

	// --- Leases ---
	// How long a writer's lease lives past its last renewal.
	LeaseExpiry time.Duration
	// At what interval do we scan for expired leases and start recovery?
	LeaseCheckInterval time.Duration

	// --- Block Reports ---
	// How many node block reports may be processed at once. Reports over
	// the limit are rejected and the node retries later.
	MaxPendingReports int
	// How long to hold a report for a block we don't know (yet). Covers
	// reports racing the allocation that creates the block.
	PendingReportTTL time.Duration

	// --- Admission ---
	// No new blocks if free system memory drops below this. Zero disables
	// the check.
	FreeMemLimit datasize.ByteSize

	// --- Restore ---
	// Counters are bumped by these gaps when restoring from a checkpoint,
	// so ids issued after the checkpoint was taken can never be reissued.
	BlockIDRestoreGap  uint64
	GenStampRestoreGap uint64
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c *Config) Validate() error {
	if c.MaxReplFactor <= 0 || c.MaxReplFactor > core.MaxReplicationFactor {
		return fmt.Errorf("MaxReplFactor must be in (0, %d]", core.MaxReplicationFactor)
	}
	if c.MinReplication < 1 || c.MinReplication > c.MaxReplFactor {
		return fmt.Errorf("MinReplication must be in [1, MaxReplFactor]")
	}
	if c.NodeStale <= 0 || c.NodeDead <= c.NodeStale {
		return fmt.Errorf("need 0 < NodeStale < NodeDead")
	}
	if c.LeaseExpiry <= 0 || c.LeaseCheckInterval <= 0 {
		return fmt.Errorf("lease durations must be positive")
	}
	if c.MaxPendingReports <= 0 {
		return fmt.Errorf("MaxPendingReports must be positive")
	}
	if c.PendingReportTTL <= 0 {
		return fmt.Errorf("PendingReportTTL must be positive")
	}
	if c.BlockIDRestoreGap == 0 || c.GenStampRestoreGap == 0 {
		return fmt.Errorf("restore gaps must be positive")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production environment.
var DefaultProdConfig = Config{
	// At most how many replicas can a block be opened with?
	MaxReplFactor: core.MaxReplicationFactor,

	// One finalized replica is enough to close a block; durability comes
	// from re-replication later, which is not this layer's job.
	MinReplication: 1,

	// --- Node Monitor ---
	NodeStale:            1 * time.Minute,
	NodeDead:             15 * time.Minute,
	HeartbeatGracePeriod: 3 * time.Minute,

	// --- Leases ---
	// A writer that can't renew for a minute has probably died. Scans run
	// often enough that recovery starts promptly after expiry.
	LeaseExpiry:        1 * time.Minute,
	LeaseCheckInterval: 5 * time.Second,

	// --- Block Reports ---
	MaxPendingReports: 16,
	PendingReportTTL:  5 * time.Minute,

	// --- Admission ---
	// We won't take on new block metadata if the amount of free system
	// memory is below this limit. Block records are small; this guards the
	// whole process, not one allocation.
	FreeMemLimit: 2 * datasize.GB,

	// --- Restore ---
	// Generous gaps: skipped ids are free, reissued ids are a disaster.
	BlockIDRestoreGap:  1 << 20,
	GenStampRestoreGap: 1 << 14,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing environment.
var DefaultTestConfig = Config{
	// At most how many replicas can a block be opened with?
	MaxReplFactor: core.MaxReplicationFactor,

	// Tests mostly run three-node pipelines.
	MinReplication: 1,

	// --- Node Monitor ---
	NodeStale:            20 * time.Second,
	NodeDead:             30 * time.Second,
	HeartbeatGracePeriod: 0,

	// --- Leases ---
	LeaseExpiry:        10 * time.Second,
	LeaseCheckInterval: 1 * time.Second,

	// --- Block Reports ---
	MaxPendingReports: 4,
	PendingReportTTL:  30 * time.Second,

	// --- Admission ---
	// Disabled so tests don't depend on the machine they run on.
	FreeMemLimit: 0,

	// --- Restore ---
	BlockIDRestoreGap:  1 << 10,
	GenStampRestoreGap: 1 << 8,
}
