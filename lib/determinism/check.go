// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package determinism

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bureau-foundation/canister/lib/controller"
	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/pagemap"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
	"github.com/bureau-foundation/canister/lib/sandboxworker"
	"github.com/bureau-foundation/canister/lib/systemapi"
)

// Input is one request together with the canister state it runs
// against. Every executor in a check starts from this same state.
type Input struct {
	Canister controller.Canister
	Entry    string
	Argument []byte

	// InstructionLimit zero means controller.DefaultInstructionLimit.
	InstructionLimit uint64
}

func (in Input) instructionLimit() uint64 {
	if in.InstructionLimit == 0 {
		return controller.DefaultInstructionLimit
	}
	return in.InstructionLimit
}

// Executor runs an Input and reports what it observed.
type Executor interface {
	Name() string
	Execute(ctx context.Context, input Input) (Observation, error)
}

// ControllerExecutor runs inputs through a controller's sandboxed
// workers. Each execution installs a temporary canister holding the
// input's state and uninstalls it afterwards, so the controller's
// other canisters are unaffected.
type ControllerExecutor struct {
	Label      string
	Controller *controller.Controller
}

// Name implements Executor.
func (e *ControllerExecutor) Name() string { return e.Label }

// Execute implements Executor.
func (e *ControllerExecutor) Execute(ctx context.Context, input Input) (Observation, error) {
	id := "determinism-" + uuid.NewString()
	if err := e.Controller.Install(id, input.Canister); err != nil {
		return Observation{}, err
	}
	defer e.Controller.Uninstall(id)

	result, err := e.Controller.Execute(ctx, controller.Request{
		CanisterID:       id,
		Entry:            input.Entry,
		Argument:         input.Argument,
		InstructionLimit: input.instructionLimit(),
	})
	if err != nil {
		return Observation{}, err
	}
	return FromResult(result)
}

// LocalExecutor runs inputs in the calling process without a sandbox,
// using instrumented memory tracking. It is the reference a sandboxed
// execution is checked against.
type LocalExecutor struct {
	Label    string
	Registry *engine.Registry
	Logger   *slog.Logger
}

// Name implements Executor.
func (e *LocalExecutor) Name() string { return e.Label }

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, input Input) (Observation, error) {
	heap := input.Canister.Heap
	if heap == nil {
		heap = pagemap.New(0)
	}
	stable := input.Canister.Stable
	if stable == nil {
		stable = pagemap.New(0)
	}
	state := systemapi.NewState(stable, input.Canister.Balance, 0)
	reply, err := sandboxworker.ExecuteLocal(ctx, e.Registry, heap, state, sandboxipc.ExecuteRequest{
		ExecutionID:      uuid.NewString(),
		CanisterID:       "local",
		Engine:           input.Canister.Engine,
		Module:           input.Canister.Module,
		Entry:            input.Entry,
		Argument:         input.Argument,
		InstructionLimit: input.instructionLimit(),
		HeapPages:        heap.NumPages(),
	}, e.Logger)
	if err != nil {
		return Observation{}, err
	}
	return FromReply(reply)
}

// Run is one executor's part of a check.
type Run struct {
	Executor    string
	Observation Observation
	Digest      Hash
}

// Check runs input through each executor in turn and compares every
// observation with the first. It stops at the first divergence and
// returns a *MismatchError naming both executors, along with the runs
// made so far. Any other error is an execution failure that says
// nothing about determinism.
func Check(ctx context.Context, input Input, executors ...Executor) ([]Run, error) {
	if len(executors) < 2 {
		return nil, errors.New("determinism check needs at least two executors")
	}
	runs := make([]Run, 0, len(executors))
	for _, executor := range executors {
		observation, err := executor.Execute(ctx, input)
		if err != nil {
			return runs, fmt.Errorf("executor %s: %w", executor.Name(), err)
		}
		run := Run{Executor: executor.Name(), Observation: observation, Digest: Digest(observation)}
		if len(runs) > 0 {
			if err := Compare(runs[0].Observation, observation); err != nil {
				var mismatch *MismatchError
				if errors.As(err, &mismatch) {
					mismatch.A, mismatch.B = runs[0].Executor, run.Executor
				}
				return append(runs, run), err
			}
		}
		runs = append(runs, run)
	}
	return runs, nil
}
