// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package systemapi implements the canister system API on both sides of
// the sandbox boundary.
//
// [Session] is the engine-facing half. It lives in the worker, owns
// everything that is local to one execution (argument, reply, debug
// output, certified data), charges the instruction meter for every
// call, and forwards the rest to a [Backend].
//
// [State] is the authoritative half. It lives in the controller and
// owns what outlives the execution: stable memory (as a delta over the
// canister's stable page map), the cycle balance and the outgoing
// calls. In a sandboxed execution the worker reaches State through
// nested IPC exchanges; in a local reference execution a Session talks
// to a State directly. Both paths charge identically, which is what
// makes their instruction counts comparable.
package systemapi
