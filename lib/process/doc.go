// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the canister
// binaries: the JSON logger every binary writes to stderr, and the
// plain-text fatal error path for failures before that logger exists.
// The controller inherits the worker's stderr, so worker and controller
// records interleave in one JSON stream distinguished by component.
package process
