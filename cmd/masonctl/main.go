// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"os"
)

func main() {
	// We should send our own log output to stderr.
	flag.Set("logtostderr", "true")
	flag.Parse()

	ctl := newMasonCtl()
	ctl.run(os.Args)
	ctl.stop()
}
