// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandboxworker is the sandboxed side of canister execution.
//
// A [Worker] serves one controller connection. For each execute
// request it takes the heap over from the descriptor channel, begins a
// dirty-page tracker on it, runs the requested engine with an
// instruction meter, and replies with the status, the output and every
// heap page the execution wrote. Stable memory and the other stateful
// system API calls are not served locally: they are forwarded to the
// controller as nested system-call frames and the worker blocks until
// the matching reply arrives.
//
// The worker handles one request at a time. The tracker is reset on
// every path out of an execution, so a request never observes another
// request's dirty pages.
//
// [ExecuteLocal] runs the same pipeline in-process against a
// [systemapi.State], without a sandbox or a connection. The determinism
// verifier uses it as the reference execution.
package sandboxworker
