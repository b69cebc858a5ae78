// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package master

import (
	log "github.com/golang/glog"
)

// EventSink receives diagnostics about block state changes: recovery rounds
// starting, stale replicas being dropped, abandoned blocks. Block records
// write to the sink they were constructed with instead of a package global,
// so tests can capture the stream and embedders can reroute it.
//
// The process installs one sink when it builds the namespace and never
// replaces it, so implementations must be safe for concurrent use but don't
// need to handle swapping.
type EventSink interface {
	// Infof reports a routine state change.
	Infof(format string, args ...interface{})

	// Warningf reports an abnormal state change that needs an operator's
	// eye sooner or later.
	Warningf(format string, args ...interface{})
}

// GlogSink is the production EventSink: block state changes go to the
// process log like everything else.
type GlogSink struct{}

// Infof logs at the default level.
func (GlogSink) Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warningf logs as a warning.
func (GlogSink) Warningf(format string, args ...interface{}) {
	log.Warningf(format, args...)
}
