// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package determinism checks that independent executions of one input
// agree. An [Observation] holds what replicas must agree on: the result
// kind, the output, every dirty heap page with its content, and the
// instruction count. [Digest] reduces it to a keyed BLAKE3 hash and
// [Compare] names the components that differ.
//
// [Check] drives one [Input] through several executors, typically two
// controllers with separate workers or a controller and a
// [LocalExecutor]. A divergence is reported as a [*MismatchError],
// which callers must surface rather than retry.
package determinism
