// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pagemap implements the layered, copy-on-write page store that
// backs canister heap and stable memory.
//
// A [PageMap] is a logically unbounded array of fixed-size pages,
// composed of an immutable base layer and an ordered chain of delta
// layers. Reading a page walks the deltas newest-first and falls back
// to the base; pages never written anywhere read as zeros. Every
// mutation goes through [PageMap.Apply], which returns a new version
// sharing all existing layers with its parent. Old versions therefore
// stay valid and readable for as long as anyone holds them, which is
// what lets a certification job read round N while round N+1 executes
// against its successor.
//
// Lookup cost grows linearly with the delta chain, so chains are
// periodically collapsed with [PageMap.Flatten]. A [FlattenPolicy]
// decides when; the controller runs the flatten off the execution path
// and splices the result back in with [PageMap.Rebase].
//
// [Store] persists versions as one base file plus delta files named by
// version number. Each file ends in a BLAKE3 checksum and is replaced
// atomically, so after a crash [Store.Load] recovers the highest version
// whose files were all completely written.
//
// Single-writer discipline is the caller's job: two deltas computed
// against the same version must never both be applied to it. PageMap
// values are immutable and safe for concurrent use.
package pagemap
