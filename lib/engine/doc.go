// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine is the boundary between the sandbox worker and the
// code executors it hosts.
//
// An [Engine] runs one entry point of a module against an [Execution]:
// the canister heap as a [Memory], the system API as a [SystemAPI], and
// an instruction [Meter]. The worker supplies all three; engines never
// see processes, sockets or page maps.
//
// Engines report outcomes through their error return. nil means the
// execution completed. A [*Trap] is a contract-level failure.
// [ErrInstructionLimitExceeded] and [ErrOutOfMemory] are resource
// exhaustion. Any other error is passed through unchanged so the worker
// can classify it (a memory protection failure, for example, is not the
// contract's fault).
//
// Engines are selected by name through a [Registry]. The worker binary
// registers every engine it links; requests name the one they need.
package engine
