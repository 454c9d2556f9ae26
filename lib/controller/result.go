// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/pagemap"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
)

var (
	// ErrTransportDisconnected is the cause of a SandboxFailure when the
	// worker died or its connection broke before it replied.
	ErrTransportDisconnected = errors.New("sandbox transport disconnected")

	// ErrExecutionTimeout is the cause of a SandboxFailure when the
	// worker did not reply within the execution timeout and was
	// killed.
	ErrExecutionTimeout = errors.New("sandbox execution timed out")

	// ErrExecutionFailed is the cause of a SandboxFailure when the
	// worker reported an infrastructure error for the request.
	ErrExecutionFailed = errors.New("sandbox execution failed")

	// ErrShutdown is returned for requests submitted to, or still
	// queued in, a closed controller.
	ErrShutdown = errors.New("controller is shut down")

	// ErrUnknownCanister is returned for requests naming a canister
	// that is not installed.
	ErrUnknownCanister = errors.New("unknown canister")
)

// SandboxFailure is an infrastructure failure: the request could not be
// executed to a contract-level outcome.
type SandboxFailure struct {
	Cause error
}

func (e *SandboxFailure) Error() string {
	return "sandbox failure: " + e.Cause.Error()
}

func (e *SandboxFailure) Unwrap() error { return e.Cause }

// Kind classifies a Result.
type Kind int

const (
	KindCompleted Kind = iota + 1
	KindTrapped
	KindResourceExhausted
	KindSandboxFailure

	// KindCancelled is reported for requests whose context ended
	// before they were dispatched.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindTrapped:
		return "trapped"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindSandboxFailure:
		return "sandbox_failure"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// StatusKind returns the Kind a worker reply status maps to. ok is
// false for a status the controller does not know.
func StatusKind(status sandboxipc.Status) (kind Kind, ok bool) {
	switch status {
	case sandboxipc.StatusCompleted:
		return KindCompleted, true
	case sandboxipc.StatusTrapped:
		return KindTrapped, true
	case sandboxipc.StatusInstructionLimitExceeded, sandboxipc.StatusOutOfMemory, sandboxipc.StatusProtectionFailure:
		return KindResourceExhausted, true
	case sandboxipc.StatusFailed:
		return KindSandboxFailure, true
	}
	return 0, false
}

// Result is the outcome of one request.
type Result struct {
	Kind        Kind
	ExecutionID string
	WorkerID    string

	// Output is the reply built by a completed execution.
	Output []byte

	// DirtyPages lists the heap pages the execution wrote, for every
	// kind that reached the worker. Delta holds their contents.
	// Only completed executions are merged into the canister.
	DirtyPages []pagemap.PageIndex
	Delta      *pagemap.PageDelta

	// StableDelta holds the stable memory writes of the execution.
	StableDelta *pagemap.PageDelta

	Instructions  uint64
	Calls         []engine.Call
	DebugLog      [][]byte
	CertifiedData []byte

	// HeapVersion and StableVersion are the canister's versions after
	// the result was merged, or the versions executed against when
	// it was not.
	HeapVersion   uint64
	StableVersion uint64

	Duration time.Duration

	// Err is nil for completed executions. Trapped results carry an
	// *engine.Trap, resource exhaustion carries
	// engine.ErrInstructionLimitExceeded, engine.ErrOutOfMemory, or
	// memtrack.ErrProtectionFailure, and sandbox failures carry a
	// *SandboxFailure.
	Err error
}

// ContractFailure reports whether the canister itself failed: a trap or
// an exhausted resource. Such results are final.
func (r Result) ContractFailure() bool {
	return r.Kind == KindTrapped || r.Kind == KindResourceExhausted
}

// InfrastructureFailure reports whether the sandbox failed the request.
// The canister state is unchanged and the request may be resubmitted.
func (r Result) InfrastructureFailure() bool {
	return r.Kind == KindSandboxFailure
}
