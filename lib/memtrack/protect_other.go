// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !(darwin || linux)

package memtrack

import "errors"

// ProtectSupported reports whether the Protect mechanism can run on
// this host.
func ProtectSupported() bool { return false }

func newProtectedRegion(uint64, Source) (region, error) {
	return nil, errors.New("page protection tracking is not available on this platform")
}
