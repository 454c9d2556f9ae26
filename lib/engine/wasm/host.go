// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wasm

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/bureau-foundation/canister/lib/engine"
)

// hostModule declares the ic0 import module.
func hostModule(runtime wazero.Runtime) wazero.HostModuleBuilder {
	builder := runtime.NewHostModuleBuilder(ImportModule)
	export := func(name string, function any) {
		builder = builder.NewFunctionBuilder().WithFunc(function).Export(name)
	}

	export("heap_size", func(ctx context.Context) uint64 {
		return stateFrom(ctx).execution.Heap.Size()
	})
	export("heap_load8", func(ctx context.Context, offset uint64) uint32 {
		state := stateFrom(ctx)
		state.charge(1)
		var value [1]byte
		state.check(state.execution.Heap.Read(offset, value[:]))
		return uint32(value[0])
	})
	export("heap_store8", func(ctx context.Context, offset uint64, value uint32) {
		state := stateFrom(ctx)
		state.charge(1)
		state.check(state.execution.Heap.Write(offset, []byte{byte(value)}))
	})
	export("heap_read", func(ctx context.Context, m api.Module, dst uint32, offset uint64, size uint32) {
		state := stateFrom(ctx)
		state.charge(uint64(size))
		state.checkGuest(m, dst, uint64(size))
		buffer := make([]byte, size)
		state.check(state.execution.Heap.Read(offset, buffer))
		state.writeGuest(m, dst, buffer)
	})
	export("heap_write", func(ctx context.Context, m api.Module, offset uint64, src, size uint32) {
		state := stateFrom(ctx)
		state.charge(uint64(size))
		state.check(state.execution.Heap.Write(offset, state.readGuest(m, src, size)))
	})

	export("msg_arg_data_size", func(ctx context.Context) uint32 {
		return uint32(len(stateFrom(ctx).execution.System.ArgData()))
	})
	export("msg_arg_data_copy", func(ctx context.Context, m api.Module, dst, offset, size uint32) {
		state := stateFrom(ctx)
		state.charge(uint64(size))
		argument := state.execution.System.ArgData()
		end := uint64(offset) + uint64(size)
		if end > uint64(len(argument)) {
			state.fail(engine.Trapf("msg_arg_data_copy [%d, %d) out of bounds of %d argument bytes", offset, end, len(argument)))
		}
		state.writeGuest(m, dst, argument[offset:end])
	})
	export("msg_reply_data_append", func(ctx context.Context, m api.Module, src, size uint32) {
		state := stateFrom(ctx)
		state.check(state.execution.System.Reply(state.readGuest(m, src, size)))
	})
	export("msg_reply", func(context.Context) {})
	export("trap", func(ctx context.Context, m api.Module, src, size uint32) {
		state := stateFrom(ctx)
		if size > engine.MaxTrapMessageBytes {
			size = engine.MaxTrapMessageBytes
		}
		state.fail(&engine.Trap{Message: string(state.readGuest(m, src, size))})
	})
	export("debug_print", func(ctx context.Context, m api.Module, src, size uint32) {
		state := stateFrom(ctx)
		state.check(state.execution.System.DebugPrint(state.readGuest(m, src, size)))
	})

	export("stable64_size", func(ctx context.Context) uint64 {
		state := stateFrom(ctx)
		size, err := state.execution.System.StableSize()
		state.check(err)
		return size
	})
	export("stable64_grow", func(ctx context.Context, pages uint64) int64 {
		state := stateFrom(ctx)
		previous, err := state.execution.System.StableGrow(pages)
		state.check(err)
		return previous
	})
	export("stable64_read", func(ctx context.Context, m api.Module, dst, offset, size uint64) {
		state := stateFrom(ctx)
		guestDst, guestSize := state.guestRange(dst, size)
		state.checkGuest(m, guestDst, uint64(guestSize))
		buffer := make([]byte, guestSize)
		state.check(state.execution.System.StableRead(offset, buffer))
		state.writeGuest(m, guestDst, buffer)
	})
	export("stable64_write", func(ctx context.Context, m api.Module, offset, src, size uint64) {
		state := stateFrom(ctx)
		guestSrc, guestSize := state.guestRange(src, size)
		state.check(state.execution.System.StableWrite(offset, state.readGuest(m, guestSrc, guestSize)))
	})

	export("canister_cycle_balance", func(ctx context.Context) uint64 {
		state := stateFrom(ctx)
		balance, err := state.execution.System.CycleBalance()
		state.check(err)
		return balance
	})
	export("certified_data_set", func(ctx context.Context, m api.Module, src, size uint32) {
		state := stateFrom(ctx)
		state.check(state.execution.System.CertifiedDataSet(state.readGuest(m, src, size)))
	})
	export("call_perform", func(ctx context.Context, m api.Module,
		callee, calleeSize, method, methodSize, payload, payloadSize uint32, cycles uint64) {
		state := stateFrom(ctx)
		call := engine.Call{
			Callee:  string(state.readGuest(m, callee, calleeSize)),
			Method:  string(state.readGuest(m, method, methodSize)),
			Payload: append([]byte(nil), state.readGuest(m, payload, payloadSize)...),
			Cycles:  cycles,
		}
		state.check(state.execution.System.CallPerform(call))
	})

	return builder
}

// charge bills one heap access of size bytes.
func (s *callState) charge(size uint64) {
	s.check(s.execution.Meter.Charge(1 + size))
}

// check aborts the guest if err is non-nil.
func (s *callState) check(err error) {
	if err != nil {
		s.fail(err)
	}
}

// readGuest returns a view of the module's linear memory. The view is
// only valid until the guest runs again.
func (s *callState) readGuest(m api.Module, offset, size uint32) []byte {
	if size == 0 {
		return nil
	}
	memory := m.Memory()
	if memory == nil {
		s.fail(engine.Trapf("module has no linear memory"))
	}
	data, ok := memory.Read(offset, size)
	if !ok {
		s.fail(engine.Trapf("guest memory read [%d, %d) out of bounds", offset, uint64(offset)+uint64(size)))
	}
	return data
}

func (s *callState) writeGuest(m api.Module, offset uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	memory := m.Memory()
	if memory == nil {
		s.fail(engine.Trapf("module has no linear memory"))
	}
	if !memory.Write(offset, data) {
		s.fail(engine.Trapf("guest memory write [%d, %d) out of bounds", offset, uint64(offset)+uint64(len(data))))
	}
}

// checkGuest traps unless [offset, offset+size) lies inside the
// module's linear memory. Host functions call it before allocating a
// buffer of size bytes.
func (s *callState) checkGuest(m api.Module, offset uint32, size uint64) {
	memory := m.Memory()
	if memory == nil {
		if size == 0 {
			return
		}
		s.fail(engine.Trapf("module has no linear memory"))
	}
	if uint64(offset)+size > uint64(memory.Size()) {
		s.fail(engine.Trapf("guest memory range [%d, %d) out of bounds of %d bytes", offset, uint64(offset)+size, memory.Size()))
	}
}

// guestRange narrows 64-bit guest memory arguments to the 32-bit
// address space of the module's linear memory.
func (s *callState) guestRange(offset, size uint64) (uint32, uint32) {
	if offset > math.MaxUint32 || size > math.MaxUint32 || offset+size > math.MaxUint32 {
		s.fail(engine.Trapf("guest memory range [%d, %d) exceeds 32-bit address space", offset, offset+size))
	}
	return uint32(offset), uint32(size)
}
