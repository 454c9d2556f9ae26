// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memtrack exposes a page-backed memory region to an execution
// engine and records exactly which pages the execution wrote.
//
// A [Tracker] is begun once per execution with the region's length and
// a [Source] for its initial content (a [pagemap.PageMap] or a
// shared-memory [FileSource]). The returned [Memory] is what the engine
// reads and writes. After the engine returns, for any reason, the
// worker collects [Tracker.DirtyPages] and their contents, then calls
// [Tracker.Reset], which tears the region down.
//
// Two mechanisms implement the same contract:
//
//   - [Protect] maps the region read-only and lets the hardware find
//     first writes. A write runs with runtime/debug.SetPanicOnFault
//     enabled; the resulting fault is resolved to a page, the page is
//     made writable and recorded, and the write is retried. Each page
//     faults at most once per execution, so steady-state writes run at
//     memory speed. A fault anywhere else is reported as a [FaultError]
//     rather than recovered.
//   - [Instrumented] keeps the region in an ordinary Go buffer and marks
//     every page a write spans. It works on any platform and any host
//     page size.
//
// Dirty tracking is a correctness property, not an optimisation: a
// missed dirty page silently diverges replicas. If changing a page's
// protection fails, the region returns a [ProtectionError] and refuses
// all further writes, and the execution must be failed.
package memtrack
