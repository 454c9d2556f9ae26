// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package script is a deterministic engine whose modules are CBOR lists
// of memory and system API operations. It exists so that the sandbox
// pipeline can be driven with exact, reproducible memory access
// patterns and instruction counts without compiling WebAssembly, and it
// is what the operator CLI uses for smoke tests.
//
// Every operation costs one instruction plus one per heap byte it
// touches, charged before the operation runs: an operation that would
// exceed the limit has no effect. System API operations are charged by
// the SystemAPI implementation.
package script

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/canister/lib/codec"
	"github.com/bureau-foundation/canister/lib/engine"
)

// Name is the engine name requests use.
const Name = "script"

// Operation names.
const (
	OpWrite       = "write"        // heap[Offset:] = Data
	OpFill        = "fill"         // heap[Offset:Offset+Length] = byte(Value)
	OpArgToHeap   = "arg_to_heap"  // heap[Offset:] = argument
	OpReply       = "reply"        // reply += Data
	OpReplyHeap   = "reply_heap"   // reply += heap[Offset:Offset+Length]
	OpStableGrow  = "stable_grow"  // grow stable by Value pages; trap on -1
	OpStableWrite = "stable_write" // stable[Offset:] = Data
	OpReplyStable = "reply_stable" // reply += stable[Offset:Offset+Length]
	OpReplyCycles = "reply_cycles" // reply += big-endian uint64 cycle balance
	OpCall        = "call"         // call Callee.Method(Data) with Value cycles
	OpDebug       = "debug"        // debug print Data
	OpCertify     = "certify"      // certified data = Data
	OpTrap        = "trap"         // trap with message Data
	OpBurn        = "burn"         // consume Value instructions
	OpWait        = "wait"         // block until the worker shuts down
	OpPanic       = "panic"        // simulate an engine defect
)

// Op is one operation. Fields not used by an operation are ignored.
type Op struct {
	Op     string `cbor:"op"`
	Offset uint64 `cbor:"offset,omitempty"`
	Length uint64 `cbor:"length,omitempty"`
	Value  uint64 `cbor:"value,omitempty"`
	Data   []byte `cbor:"data,omitempty"`
	Callee string `cbor:"callee,omitempty"`
	Method string `cbor:"method,omitempty"`
}

// Module maps entry point names to operation lists.
type Module struct {
	Entries map[string][]Op `cbor:"entries"`
}

// Encode serializes a module.
func Encode(module Module) ([]byte, error) {
	return codec.Marshal(module)
}

// Decode parses a module.
func Decode(data []byte) (Module, error) {
	var module Module
	if err := codec.Unmarshal(data, &module); err != nil {
		return Module{}, fmt.Errorf("decoding script module: %w", err)
	}
	return module, nil
}

// MustEncode is Encode for modules built in code. It panics on error.
func MustEncode(module Module) []byte {
	data, err := Encode(module)
	if err != nil {
		panic("script: encoding module: " + err.Error())
	}
	return data
}

// Engine runs script modules.
type Engine struct{}

// New returns a script engine.
func New() *Engine { return &Engine{} }

// Name implements engine.Engine.
func (*Engine) Name() string { return Name }

// Execute implements engine.Engine.
func (*Engine) Execute(ctx context.Context, execution engine.Execution) error {
	module, err := Decode(execution.Module)
	if err != nil {
		return engine.Trapf("%v", err)
	}
	ops, ok := module.Entries[execution.Entry]
	if !ok {
		return engine.Trapf("module has no entry point %q", execution.Entry)
	}
	run := runner{ctx: ctx, execution: execution}
	for position, op := range ops {
		if err := run.step(op); err != nil {
			return fmt.Errorf("op %d (%s): %w", position, op.Op, err)
		}
	}
	return nil
}

type runner struct {
	ctx       context.Context
	execution engine.Execution
}

// charge bills one operation touching bytes bytes. The two parts are
// charged separately so that no length can wrap the sum.
func (r *runner) charge(bytes uint64) error {
	if err := r.execution.Meter.Charge(1); err != nil {
		return err
	}
	return r.execution.Meter.Charge(bytes)
}

// checkHeap traps unless [offset, offset+length) lies inside the heap.
// Operations call it before allocating length bytes.
func (r *runner) checkHeap(offset, length uint64) error {
	size := r.execution.Heap.Size()
	if length > size || offset > size-length {
		return engine.Trapf("heap range of %d bytes at offset %d is out of bounds of %d heap bytes", length, offset, size)
	}
	return nil
}

func (r *runner) step(op Op) error {
	heap := r.execution.Heap
	system := r.execution.System

	switch op.Op {
	case OpWrite:
		if err := r.charge(uint64(len(op.Data))); err != nil {
			return err
		}
		return heap.Write(op.Offset, op.Data)

	case OpFill:
		if err := r.charge(op.Length); err != nil {
			return err
		}
		if err := r.checkHeap(op.Offset, op.Length); err != nil {
			return err
		}
		buffer := make([]byte, op.Length)
		for i := range buffer {
			buffer[i] = byte(op.Value)
		}
		return heap.Write(op.Offset, buffer)

	case OpArgToHeap:
		argument := system.ArgData()
		if err := r.charge(uint64(len(argument))); err != nil {
			return err
		}
		return heap.Write(op.Offset, argument)

	case OpReply:
		if err := r.charge(0); err != nil {
			return err
		}
		return system.Reply(op.Data)

	case OpReplyHeap:
		if err := r.charge(op.Length); err != nil {
			return err
		}
		if err := r.checkHeap(op.Offset, op.Length); err != nil {
			return err
		}
		buffer := make([]byte, op.Length)
		if err := heap.Read(op.Offset, buffer); err != nil {
			return err
		}
		return system.Reply(buffer)

	case OpStableGrow:
		if err := r.charge(0); err != nil {
			return err
		}
		previous, err := system.StableGrow(op.Value)
		if err != nil {
			return err
		}
		if previous < 0 {
			return engine.Trapf("stable memory cannot grow by %d pages", op.Value)
		}
		return nil

	case OpStableWrite:
		if err := r.charge(0); err != nil {
			return err
		}
		return system.StableWrite(op.Offset, op.Data)

	case OpReplyStable:
		if err := r.charge(0); err != nil {
			return err
		}
		if op.Length > engine.MaxReplyBytes {
			return engine.Trapf("stable read of %d bytes exceeds the %d byte reply limit", op.Length, engine.MaxReplyBytes)
		}
		buffer := make([]byte, op.Length)
		if err := system.StableRead(op.Offset, buffer); err != nil {
			return err
		}
		return system.Reply(buffer)

	case OpReplyCycles:
		if err := r.charge(0); err != nil {
			return err
		}
		balance, err := system.CycleBalance()
		if err != nil {
			return err
		}
		return system.Reply(binary.BigEndian.AppendUint64(nil, balance))

	case OpCall:
		if err := r.charge(0); err != nil {
			return err
		}
		return system.CallPerform(engine.Call{
			Callee:  op.Callee,
			Method:  op.Method,
			Payload: op.Data,
			Cycles:  op.Value,
		})

	case OpDebug:
		if err := r.charge(0); err != nil {
			return err
		}
		return system.DebugPrint(op.Data)

	case OpCertify:
		if err := r.charge(0); err != nil {
			return err
		}
		return system.CertifiedDataSet(op.Data)

	case OpTrap:
		if err := r.charge(0); err != nil {
			return err
		}
		if len(op.Data) > engine.MaxTrapMessageBytes {
			return engine.Trapf("trap message of %d bytes exceeds %d", len(op.Data), engine.MaxTrapMessageBytes)
		}
		return &engine.Trap{Message: string(op.Data)}

	case OpBurn:
		return r.execution.Meter.Charge(op.Value)

	case OpWait:
		<-r.ctx.Done()
		return r.ctx.Err()

	case OpPanic:
		panic("script: panic operation executed")

	default:
		return engine.Trapf("unknown operation %q", op.Op)
	}
}
