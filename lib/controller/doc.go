// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller runs canister executions in sandboxed worker
// processes and owns the canisters' memory.
//
// Each canister's state is an immutable [CanisterState]: a heap and a
// stable-memory [pagemap.PageMap] plus its cycle balance. Executions
// read a snapshot of it; only the completion path of a successful
// execution, and the maintenance flatten, replace it.
//
// Requests go through two pools of workers, regular and privileged,
// each with a strict FIFO queue. A request is dispatched to any Ready
// worker, but only when no other execution for the same canister is in
// flight; until then it blocks the requests behind it. Workers are
// spawned on demand up to the pool limit and follow the state machine
//
//	Starting -> Ready <-> Busy -> Crashed -> Terminated
//	Starting -> Terminated, Ready -> Terminated
//
// For each execution the controller materialises the heap into a
// shared-memory object, passes its descriptor to the worker, and serves
// the worker's stable-memory and call requests against a private
// [systemapi.State]. A Completed reply's dirty pages become a
// [pagemap.PageDelta] that is applied together with the stable delta.
// Trapped and resource-exhausted results report their dirty pages but
// change nothing.
//
// A worker that disconnects, exits, or exceeds the execution timeout is
// killed and its request fails with a [SandboxFailure]. Such failures
// are never retried unless the request asks for it.
package controller
