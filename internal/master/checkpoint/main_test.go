// Copyright (c) 2024 The Mason Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package checkpoint

import (
	"testing"

	test "github.com/masonfs/mason/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}
