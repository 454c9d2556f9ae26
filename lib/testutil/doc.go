// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the canister test suites.
//
// [RequireReceive] and [RequireClosed] are the only places tests wait
// on wall-clock time, as a guard against hangs; timeouts under test
// run on lib/clock's fake clock. [SocketDir] gives Unix sockets a path
// short enough for sun_path, and [UniqueID] names things that must not
// collide across subtests.
//
// Helpers fail the test with t.Fatalf rather than returning errors.
package testutil
