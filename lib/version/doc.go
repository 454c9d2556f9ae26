// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of the canister binaries is
// running. Release builds set the variables in this package with
// -ldflags -X; other builds fall back to the VCS stamp the go command
// embeds, and then to "unknown".
//
// The controller and the sandbox worker log the version and commit at
// startup so that a worker binary that differs from the controller's
// shows up in the logs.
package version
