// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package main

import (
	"fmt"
	"runtime"
)

func confineAndExec(*options) error {
	return fmt.Errorf("bureau-canister-launcher is not supported on %s", runtime.GOOS)
}
