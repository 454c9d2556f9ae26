// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"fmt"
	"slices"
	"sync"
)

// WorkerState is the lifecycle state of a worker.
type WorkerState int

const (
	WorkerStarting WorkerState = iota + 1
	WorkerReady
	WorkerBusy
	WorkerCrashed
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerReady:
		return "ready"
	case WorkerBusy:
		return "busy"
	case WorkerCrashed:
		return "crashed"
	case WorkerTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// workerTransitions lists the permitted successors of each state.
// Terminated has none.
var workerTransitions = map[WorkerState][]WorkerState{
	WorkerStarting: {WorkerReady, WorkerTerminated},
	WorkerReady:    {WorkerBusy, WorkerTerminated},
	WorkerBusy:     {WorkerReady, WorkerCrashed},
	WorkerCrashed:  {WorkerTerminated},
}

// InvalidTransitionError reports an attempted transition the state
// machine does not allow. It indicates a controller bug.
type InvalidTransitionError struct {
	Worker   string
	From, To WorkerState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("worker %s: invalid transition %s -> %s", e.Worker, e.From, e.To)
}

// WorkerHandle is the controller's record of one worker.
type WorkerHandle struct {
	id         string
	privileged bool
	process    Process

	mu         sync.Mutex
	state      WorkerState
	executions uint64
}

func newWorkerHandle(id string, privileged bool) *WorkerHandle {
	return &WorkerHandle{id: id, privileged: privileged, state: WorkerStarting}
}

// ID returns the worker's identifier.
func (w *WorkerHandle) ID() string { return w.id }

// PID returns the worker's process ID, or zero before it has started
// or for in-process workers.
func (w *WorkerHandle) PID() int {
	if w.process == nil {
		return 0
	}
	return w.process.PID()
}

// State returns the current state.
func (w *WorkerHandle) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Executions returns how many requests the worker has been given.
func (w *WorkerHandle) Executions() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.executions
}

// transition moves the worker to state to.
func (w *WorkerHandle) transition(to WorkerState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !slices.Contains(workerTransitions[w.state], to) {
		return &InvalidTransitionError{Worker: w.id, From: w.state, To: to}
	}
	w.state = to
	if to == WorkerBusy {
		w.executions++
	}
	return nil
}
