// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-canister-sandbox is the sandbox worker process. The canister
// controller starts it, usually through bureau-canister-launcher, with
// the message socket on fd 3 and the descriptor socket on fd 4. It
// executes one canister request at a time against the heap memory the
// controller passes in, tracks which pages the execution writes, and
// reports them back. It has no other inputs and writes nothing but
// logs.
//
// Usage:
//
//	bureau-canister-sandbox [--tracker=protect|instrumented]
package main
