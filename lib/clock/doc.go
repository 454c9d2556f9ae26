// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source of the canister controller. It
// drives execution deadlines, worker spawn deadlines and the
// maintenance tick.
//
// Production code uses [Real]. Tests use [Fake], which only moves when
// told to: [FakeClock.Advance] fires every deadline it passes, in
// deadline order, on the calling goroutine. [FakeClock.WaitForTimers]
// closes the gap between a goroutine arming a deadline and the test
// advancing past it, so timeout tests need no sleeps.
package clock
