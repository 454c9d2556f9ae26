// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/memtrack"
	"github.com/bureau-foundation/canister/lib/pagemap"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
	"github.com/bureau-foundation/canister/lib/sandboxworker"
	"github.com/bureau-foundation/canister/lib/systemapi"
)

// disposition is what happens to a worker after an execution.
type disposition int

const (
	// keepWorker returns the worker to the pool.
	keepWorker disposition = iota
	// retireWorker terminates a worker that replied but can no longer
	// be trusted.
	retireWorker
	// crashedWorker marks a worker whose connection broke.
	crashedWorker
)

// outcome is the result of talking to the worker, before merging.
type outcome struct {
	result      Result
	disposition disposition
	system      *systemapi.State
}

// execute runs one dispatched request and releases its worker and
// canister.
func (c *Controller) execute(target *pool, worker *WorkerHandle, entry *canister, job *pending) {
	defer c.wg.Done()
	started := c.clock.Now()
	state := entry.current.Load()
	logger := c.logger.With(
		"execution_id", job.future.executionID,
		"canister_id", state.ID,
		"worker_id", worker.id,
	)

	out := c.run(worker, state, job, logger)
	result := out.result
	result.WorkerID = worker.id
	if result.Kind == KindCompleted {
		result = c.merge(entry, out, logger)
	}
	result.Duration = c.clock.Now().Sub(started)
	for _, message := range result.DebugLog {
		logger.Debug("canister debug print", "message", string(message))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry.busy = false
	c.releaseLocked(target, worker, out.disposition, logger)

	if result.Kind == KindSandboxFailure && job.request.RetryOnSandboxFailure && !job.retried &&
		!c.closed && errors.Is(result.Err, ErrTransportDisconnected) {
		logger.Warn("retrying execution after sandbox failure", "error", result.Err)
		job.retried = true
		target.queue = append([]*pending{job}, target.queue...)
	} else {
		c.metrics.executions.WithLabelValues(result.Kind.String()).Inc()
		c.metrics.latency.Observe(result.Duration.Seconds())
		logger.Info("execution finished",
			"kind", result.Kind.String(),
			"instructions", result.Instructions,
			"dirty_pages", len(result.DirtyPages),
			"duration", result.Duration,
			"error", result.Err,
		)
		job.future.complete(result)
	}
	for _, each := range c.pools {
		c.dispatchLocked(each)
	}
}

// releaseLocked applies an execution's disposition to its worker.
func (c *Controller) releaseLocked(target *pool, worker *WorkerHandle, how disposition, logger *slog.Logger) {
	switch how {
	case crashedWorker:
		if err := worker.transition(WorkerCrashed); err != nil {
			logger.Error("marking worker crashed", "error", err)
		}
		worker.process.Kill()
		c.metrics.crashes.WithLabelValues(target.label()).Inc()
		if c.exited[worker] {
			c.terminateLocked(target, worker)
		}
		return
	}

	if err := worker.transition(WorkerReady); err != nil {
		logger.Error("releasing worker", "error", err)
		return
	}
	switch {
	case c.exited[worker]:
		c.terminateLocked(target, worker)
	case how == retireWorker:
		c.shutdownWorker(worker)
		c.terminateLocked(target, worker)
		worker.process.Kill()
	case c.closed:
		c.shutdownWorker(worker)
		c.terminateLocked(target, worker)
	default:
		target.idle = append(target.idle, worker)
	}
}

// run sends one request to the worker and serves it until the reply.
func (c *Controller) run(worker *WorkerHandle, state *CanisterState, job *pending, logger *slog.Logger) outcome {
	endpoint := worker.process.Endpoint()
	heap := state.Heap
	system := systemapi.NewState(state.Stable, state.Balance, c.config.MaxStablePages)
	base := Result{
		HeapVersion:   heap.Version(),
		StableVersion: state.Stable.Version(),
	}

	limit := job.request.InstructionLimit
	if limit == 0 {
		limit = c.config.InstructionLimit
	}
	request := sandboxipc.ExecuteRequest{
		ExecutionID:      job.future.executionID,
		CanisterID:       state.ID,
		Engine:           state.Engine,
		Module:           state.Module,
		Entry:            job.request.Entry,
		Argument:         job.request.Argument,
		InstructionLimit: limit,
		HeapPages:        heap.NumPages(),
	}
	frameID := c.frameIDs.Add(1)

	var timedOut atomic.Bool
	timeout := job.request.Timeout
	if timeout == 0 {
		timeout = c.config.ExecutionTimeout
	}
	timer := c.clock.AfterFunc(timeout, func() {
		timedOut.Store(true)
		logger.Warn("execution timed out, killing worker", "timeout", timeout)
		worker.process.Kill()
	})
	defer timer.Stop()

	crashed := func(err error) outcome {
		cause := ErrTransportDisconnected
		switch {
		case timedOut.Load():
			cause = ErrExecutionTimeout
		case c.closing.Load():
			cause = ErrShutdown
		}
		result := base
		result.Kind = KindSandboxFailure
		result.Err = &SandboxFailure{Cause: fmt.Errorf("%w: %w", cause, err)}
		return outcome{result: result, disposition: crashedWorker, system: system}
	}
	failed := func(err error) outcome {
		result := base
		result.Kind = KindSandboxFailure
		result.Err = &SandboxFailure{Cause: err}
		return outcome{result: result, disposition: keepWorker, system: system}
	}

	if heap.NumPages() > 0 {
		region, err := sandboxipc.CreateSharedMemory("canister-heap", int64(heap.Size()))
		if err != nil {
			return failed(fmt.Errorf("creating heap region: %w", err))
		}
		defer region.Close()
		if err := heap.Materialize(region); err != nil {
			return failed(fmt.Errorf("materializing heap: %w", err))
		}
		request.HeapRegion = c.regionIDs.Add(1)
		if err := endpoint.Descriptors.Send(request.HeapRegion, region); err != nil {
			return crashed(err)
		}
	}
	if err := endpoint.Messages.SendMessage(sandboxipc.KindExecute, frameID, request); err != nil {
		return crashed(err)
	}

	for {
		frame, err := endpoint.Messages.Receive()
		if err != nil {
			return crashed(err)
		}
		if frame.ID != frameID {
			return crashed(fmt.Errorf("worker sent frame %d during execution frame %d", frame.ID, frameID))
		}
		switch frame.Kind {
		case sandboxipc.KindSystemCall:
			var call sandboxipc.SystemCall
			if err := frame.Decode(sandboxipc.KindSystemCall, &call); err != nil {
				return crashed(err)
			}
			answer := sandboxworker.ServeSystemCall(system, call)
			if answer.Failed {
				logger.Warn("system call failed", "op", call.Op, "message", answer.Message)
			}
			if err := endpoint.Messages.SendMessage(sandboxipc.KindSystemCallReply, frameID, answer); err != nil {
				return crashed(err)
			}
		case sandboxipc.KindReply:
			var reply sandboxipc.ExecuteReply
			if err := frame.Decode(sandboxipc.KindReply, &reply); err != nil {
				return crashed(err)
			}
			if err := endpoint.ReceiveDirtyPages(&reply); err != nil {
				return crashed(err)
			}
			result, how, err := interpret(base, reply, heap, system)
			if err != nil {
				return crashed(err)
			}
			return outcome{result: result, disposition: how, system: system}
		default:
			return crashed(fmt.Errorf("unexpected %s frame from worker", frame.Kind))
		}
	}
}

// interpret converts a worker reply into a result. An error means the
// reply was malformed and the worker must be treated as crashed.
func interpret(base Result, reply sandboxipc.ExecuteReply, heap *pagemap.PageMap, system *systemapi.State) (Result, disposition, error) {
	delta := pagemap.NewDelta()
	indices := make([]pagemap.PageIndex, 0, len(reply.DirtyPages))
	for _, page := range reply.DirtyPages {
		if page.Index >= heap.NumPages() {
			return Result{}, crashedWorker, fmt.Errorf("worker reported dirty page %d of a %d-page heap", page.Index, heap.NumPages())
		}
		if err := delta.Set(pagemap.PageIndex(page.Index), page.Data); err != nil {
			return Result{}, crashedWorker, fmt.Errorf("worker reported malformed dirty page: %w", err)
		}
		indices = append(indices, pagemap.PageIndex(page.Index))
	}

	result := base
	result.DirtyPages = indices
	result.Delta = delta
	result.StableDelta = system.StableDelta()
	result.Instructions = reply.Instructions
	result.Calls = system.Calls()
	result.DebugLog = reply.DebugLog

	kind, ok := StatusKind(reply.Status)
	if !ok {
		return Result{}, crashedWorker, fmt.Errorf("worker replied with unknown status %q", reply.Status)
	}
	result.Kind = kind
	switch reply.Status {
	case sandboxipc.StatusCompleted:
		result.Output = reply.Output
		result.CertifiedData = reply.CertifiedData
	case sandboxipc.StatusTrapped:
		result.Err = &engine.Trap{Message: reply.Message}
	case sandboxipc.StatusInstructionLimitExceeded:
		result.Err = fmt.Errorf("%w: %s", engine.ErrInstructionLimitExceeded, reply.Message)
	case sandboxipc.StatusOutOfMemory:
		result.Err = fmt.Errorf("%w: %s", engine.ErrOutOfMemory, reply.Message)
	case sandboxipc.StatusProtectionFailure:
		result.Err = fmt.Errorf("%w: %s", memtrack.ErrProtectionFailure, reply.Message)
		return result, retireWorker, nil
	case sandboxipc.StatusFailed:
		result.Err = &SandboxFailure{Cause: fmt.Errorf("%w: %s", ErrExecutionFailed, reply.Message)}
	}
	return result, keepWorker, nil
}

// merge applies a completed execution to the canister's current
// version. Only completed executions reach it.
func (c *Controller) merge(entry *canister, out outcome, logger *slog.Logger) Result {
	result := out.result
	next, err := entry.update(func(current *CanisterState) (*CanisterState, error) {
		heap, err := current.Heap.Apply(result.Delta)
		if err != nil {
			return nil, fmt.Errorf("applying heap delta: %w", err)
		}
		stable, err := current.Stable.Apply(result.StableDelta)
		if err != nil {
			return nil, fmt.Errorf("applying stable delta: %w", err)
		}
		next := *current
		next.Heap = heap
		next.Stable = stable
		next.Balance = out.system.Balance()
		if result.CertifiedData != nil {
			next.CertifiedData = result.CertifiedData
		}
		next.Executions++
		return &next, nil
	})
	if err != nil {
		logger.Error("merging execution result", "error", err)
		result.Kind = KindSandboxFailure
		result.Err = &SandboxFailure{Cause: err}
		return result
	}
	result.HeapVersion = next.Heap.Version()
	result.StableVersion = next.Stable.Version()
	c.metrics.dirtyPagesMerged.Add(float64(len(result.DirtyPages)))
	return result
}
