// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandboxipc

import (
	"fmt"

	"github.com/bureau-foundation/canister/lib/codec"
	"github.com/bureau-foundation/canister/lib/engine"
)

// Kind identifies the payload of a frame.
type Kind string

const (
	KindExecute         Kind = "execute"
	KindReply           Kind = "reply"
	KindSystemCall      Kind = "system-call"
	KindSystemCallReply Kind = "system-call-reply"
	KindShutdown        Kind = "shutdown"
)

// Frame is the unit of the message channel. Body is the CBOR encoding
// of the message matching Kind.
type Frame struct {
	Kind Kind             `cbor:"kind"`
	ID   uint64           `cbor:"id"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// NewFrame encodes body into a frame.
func NewFrame(kind Kind, id uint64, body any) (Frame, error) {
	frame := Frame{Kind: kind, ID: id}
	if body != nil {
		encoded, err := codec.Marshal(body)
		if err != nil {
			return Frame{}, fmt.Errorf("encoding %s body: %w", kind, err)
		}
		frame.Body = encoded
	}
	return frame, nil
}

// Decode decodes the frame body into v after checking the kind.
func (f Frame) Decode(want Kind, v any) error {
	if f.Kind != want {
		return fmt.Errorf("expected %s frame, got %s", want, f.Kind)
	}
	if err := codec.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("decoding %s body: %w", f.Kind, err)
	}
	return nil
}

// ExecuteRequest asks the worker to run one entry point.
type ExecuteRequest struct {
	ExecutionID      string `cbor:"execution_id"`
	CanisterID       string `cbor:"canister_id"`
	Engine           string `cbor:"engine"`
	Module           []byte `cbor:"module"`
	Entry            string `cbor:"entry"`
	Argument         []byte `cbor:"argument,omitempty"`
	InstructionLimit uint64 `cbor:"instruction_limit"`

	// HeapRegion is the ID of the descriptor carrying the heap on
	// the descriptor channel. The descriptor is sent before the
	// execute frame. Zero means an all-zero heap with no descriptor.
	HeapRegion uint64 `cbor:"heap_region,omitempty"`
	HeapPages  uint64 `cbor:"heap_pages"`
}

// Status is the outcome of an execution as reported by the worker.
type Status string

const (
	StatusCompleted                Status = "completed"
	StatusTrapped                  Status = "trapped"
	StatusInstructionLimitExceeded Status = "instruction-limit-exceeded"
	StatusOutOfMemory              Status = "out-of-memory"
	StatusProtectionFailure        Status = "protection-failure"

	// StatusFailed reports an execution aborted by an infrastructure
	// error: an unknown engine, an unreadable heap descriptor, or a
	// failed system call on the controller side.
	StatusFailed Status = "failed"
)

// DirtyPage is one written heap page and its final content.
type DirtyPage struct {
	Index uint64 `cbor:"index"`
	Data  []byte `cbor:"data"`
}

// ExecuteReply is the worker's answer to an ExecuteRequest. DirtyPages
// is filled for every status: whatever was written before the
// execution stopped.
//
// On the wire the dirty pages travel in a shared memory region passed
// on the descriptor channel just before the reply frame; DirtyRegion
// and DirtyCount name it. [Endpoint.SendReply] and
// [Endpoint.ReceiveDirtyPages] move pages in and out of the region.
type ExecuteReply struct {
	Status        Status      `cbor:"status"`
	Message       string      `cbor:"message,omitempty"`
	Output        []byte      `cbor:"output,omitempty"`
	DirtyPages    []DirtyPage `cbor:"dirty_pages,omitempty"`
	DirtyRegion   uint64      `cbor:"dirty_region,omitempty"`
	DirtyCount    uint64      `cbor:"dirty_count,omitempty"`
	Instructions  uint64      `cbor:"instructions"`
	DebugLog      [][]byte    `cbor:"debug_log,omitempty"`
	CertifiedData []byte      `cbor:"certified_data,omitempty"`
}

// SystemOp names a system API operation served by the controller.
type SystemOp string

const (
	OpStableSize   SystemOp = "stable_size"
	OpStableGrow   SystemOp = "stable_grow"
	OpStableRead   SystemOp = "stable_read"
	OpStableWrite  SystemOp = "stable_write"
	OpCycleBalance SystemOp = "cycle_balance"
	OpCallPerform  SystemOp = "call_perform"
)

// SystemCall is a nested request from the worker during an execution.
type SystemCall struct {
	Op     SystemOp     `cbor:"op"`
	Offset uint64       `cbor:"offset,omitempty"`
	Length uint64       `cbor:"length,omitempty"`
	Pages  uint64       `cbor:"pages,omitempty"`
	Data   []byte       `cbor:"data,omitempty"`
	Call   *engine.Call `cbor:"call,omitempty"`
}

// SystemCallReply answers a SystemCall. Trapped reports a contract
// error with Message; Failed reports a controller-side error that must
// abort the execution.
type SystemCallReply struct {
	Value   uint64 `cbor:"value,omitempty"`
	Signed  int64  `cbor:"signed,omitempty"`
	Data    []byte `cbor:"data,omitempty"`
	Trapped bool   `cbor:"trapped,omitempty"`
	Failed  bool   `cbor:"failed,omitempty"`
	Message string `cbor:"message,omitempty"`
}
