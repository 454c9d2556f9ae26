// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wasm runs WebAssembly canister modules on wazero.
//
// A module's own linear memory is scratch space. The canister heap,
// which is what the memory tracker watches and what persists between
// executions, is reached through host functions in the "ic0" import
// module, as are the system API calls:
//
//	heap_size() -> i64
//	heap_load8(offset i64) -> i32
//	heap_store8(offset i64, value i32)
//	heap_read(dst i32, offset i64, size i32)
//	heap_write(offset i64, src i32, size i32)
//	msg_arg_data_size() -> i32
//	msg_arg_data_copy(dst i32, offset i32, size i32)
//	msg_reply_data_append(src i32, size i32)
//	msg_reply()
//	trap(src i32, size i32)
//	debug_print(src i32, size i32)
//	stable64_size() -> i64
//	stable64_grow(pages i64) -> i64
//	stable64_read(dst i64, offset i64, size i64)
//	stable64_write(offset i64, src i64, size i64)
//	canister_cycle_balance() -> i64
//	certified_data_set(src i32, size i32)
//	call_perform(callee i32, callee_size i32, method i32, method_size i32,
//	             payload i32, payload_size i32, cycles i64)
//
// Entry points are exported functions without parameters or results.
//
// Instructions are counted at function boundaries: entering a guest
// function costs [FunctionCallCost], heap access costs one instruction
// plus one per byte, and system API calls are charged by the system
// API. Straight-line code and loops inside one function are not
// metered; a loop that neither calls nor recurses is bounded only by
// the controller's wall-clock timeout. Modules run on wazero's
// interpreter, which reports every guest function entry.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/bureau-foundation/canister/lib/engine"
)

// Name is the engine name requests use.
const Name = "wasm"

// ImportModule is the import module name of the host functions.
const ImportModule = "ic0"

// scratchMemoryLimitPages caps a module's own linear memory (64 MiB).
const scratchMemoryLimitPages = 1024

// Engine runs WebAssembly modules. One Engine shares a wazero runtime
// across executions; each execution instantiates its module afresh.
type Engine struct {
	once    sync.Once
	runtime wazero.Runtime
	initErr error
}

// New returns a WebAssembly engine. The runtime is created on first
// use.
func New() *Engine { return &Engine{} }

// Name implements engine.Engine.
func (*Engine) Name() string { return Name }

// Close releases the wazero runtime.
func (e *Engine) Close(ctx context.Context) error {
	if e.runtime == nil {
		return nil
	}
	return e.runtime.Close(ctx)
}

func (e *Engine) init() error {
	e.once.Do(func() {
		ctx := context.Background()
		runtime := wazero.NewRuntimeWithConfig(ctx,
			wazero.NewRuntimeConfigInterpreter().
				WithCloseOnContextDone(true).
				WithMemoryLimitPages(scratchMemoryLimitPages),
		)
		if _, err := hostModule(runtime).Instantiate(ctx); err != nil {
			_ = runtime.Close(ctx)
			e.initErr = fmt.Errorf("instantiating %s host module: %w", ImportModule, err)
			return
		}
		e.runtime = runtime
	})
	return e.initErr
}

// Execute implements engine.Engine.
func (e *Engine) Execute(ctx context.Context, execution engine.Execution) error {
	if err := e.init(); err != nil {
		return err
	}

	compiled, err := e.runtime.CompileModule(experimental.WithFunctionListenerFactory(ctx, callMeter{}), execution.Module)
	if err != nil {
		return engine.Trapf("invalid module: %v", err)
	}
	defer compiled.Close(ctx)

	state := &callState{execution: execution}
	ctx = context.WithValue(ctx, stateKey{}, state)

	// Anonymous instances never collide in the runtime's namespace.
	module, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return state.outcome(ctx, fmt.Errorf("instantiating module: %w", err))
	}
	defer module.Close(ctx)

	entry := module.ExportedFunction(execution.Entry)
	if entry == nil {
		return engine.Trapf("module does not export %q", execution.Entry)
	}
	definition := entry.Definition()
	if len(definition.ParamTypes()) != 0 || len(definition.ResultTypes()) != 0 {
		return engine.Trapf("entry point %q must take no parameters and return nothing", execution.Entry)
	}

	if _, err := entry.Call(ctx); err != nil {
		return state.outcome(ctx, err)
	}
	return nil
}

type stateKey struct{}

// callState carries one execution into the host functions. It also
// remembers the error that made a host function abort the guest, which
// wazero reports to Call only as a recovered panic.
type callState struct {
	execution engine.Execution
	failure   error
}

// errAbort is the panic value used to unwind the guest after a host
// function recorded its failure.
var errAbort = errors.New("execution aborted by host function")

// fail records err and unwinds the guest.
func (s *callState) fail(err error) {
	s.failure = err
	panic(errAbort)
}

// outcome classifies an error returned from the guest.
func (s *callState) outcome(ctx context.Context, err error) error {
	if s.failure != nil {
		return s.failure
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Anything left is a guest-level fault: unreachable, out-of-bounds
	// linear memory access, stack exhaustion, and the like.
	return &engine.Trap{Message: err.Error()}
}

func stateFrom(ctx context.Context) *callState {
	return ctx.Value(stateKey{}).(*callState)
}
