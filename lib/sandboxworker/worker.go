// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandboxworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"syscall"

	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/memtrack"
	"github.com/bureau-foundation/canister/lib/pagemap"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
	"github.com/bureau-foundation/canister/lib/systemapi"
)

// ErrWorkerCorrupted is returned by Serve when the worker can no longer
// be trusted to run another request: an engine panicked, the tracker
// could not be reset, or the controller broke the protocol. The
// process must exit.
var ErrWorkerCorrupted = errors.New("sandbox worker corrupted")

// Options configures a Worker.
type Options struct {
	// Registry holds the engines requests may name. Required.
	Registry *engine.Registry

	// Mechanism selects dirty-page tracking. Zero means
	// memtrack.DefaultMechanism().
	Mechanism memtrack.Mechanism

	// Logger for worker events. Nil means slog.Default().
	Logger *slog.Logger
}

// Worker executes requests received over one endpoint.
type Worker struct {
	endpoint *sandboxipc.Endpoint
	registry *engine.Registry
	tracker  *memtrack.Tracker
	logger   *slog.Logger
}

// New returns a worker serving endpoint. The worker owns endpoint and
// closes it when Serve returns.
func New(endpoint *sandboxipc.Endpoint, options Options) (*Worker, error) {
	if options.Registry == nil {
		return nil, errors.New("sandboxworker: Registry is required")
	}
	mechanism := options.Mechanism
	if mechanism == 0 {
		mechanism = memtrack.DefaultMechanism()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		endpoint: endpoint,
		registry: options.Registry,
		tracker:  memtrack.NewTracker(mechanism, logger),
		logger:   logger,
	}, nil
}

// Serve handles requests until the controller sends shutdown or
// disconnects (both return nil), ctx is cancelled (returns ctx.Err()),
// or the worker becomes unusable (returns an error wrapping
// ErrWorkerCorrupted).
func (w *Worker) Serve(ctx context.Context) error {
	defer w.endpoint.Close()
	stop := context.AfterFunc(ctx, func() { w.endpoint.Close() })
	defer stop()

	w.logger.Info("sandbox worker ready",
		"mechanism", w.tracker.Mechanism().String(),
		"engines", w.registry.Names(),
	)
	for {
		frame, err := w.endpoint.Messages.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, sandboxipc.ErrDisconnected) {
				w.logger.Info("controller disconnected")
				return nil
			}
			return fmt.Errorf("%w: %w", ErrWorkerCorrupted, err)
		}

		switch frame.Kind {
		case sandboxipc.KindShutdown:
			w.logger.Info("shutdown requested")
			return nil
		case sandboxipc.KindExecute:
			var request sandboxipc.ExecuteRequest
			if err := frame.Decode(sandboxipc.KindExecute, &request); err != nil {
				return fmt.Errorf("%w: %w", ErrWorkerCorrupted, err)
			}
			if err := w.handle(ctx, frame.ID, request); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, sandboxipc.ErrDisconnected) {
					w.logger.Info("controller disconnected during execution",
						"execution_id", request.ExecutionID)
					return nil
				}
				return err
			}
		default:
			return fmt.Errorf("%w: unexpected %s frame while idle", ErrWorkerCorrupted, frame.Kind)
		}
	}
}

// handle runs one request and sends its reply.
func (w *Worker) handle(ctx context.Context, id uint64, request sandboxipc.ExecuteRequest) error {
	logger := w.logger.With("execution_id", request.ExecutionID, "canister_id", request.CanisterID)

	heap, err := w.receiveHeap(request)
	if err != nil {
		return err
	}
	if heap != nil {
		defer heap.Close()
	}

	proxy := &proxy{channel: w.endpoint.Messages, id: id}
	var reply sandboxipc.ExecuteReply
	var source memtrack.Source
	if heap != nil {
		fileSource, err := memtrack.NewFileSource(heap, request.HeapPages)
		if err != nil {
			reply = failedReply(sandboxipc.StatusFailed, err)
		} else {
			source = fileSource
		}
	}
	if reply.Status == "" {
		reply, err = execute(ctx, w.registry, w.tracker, request, source, proxy, logger)
		if err != nil {
			return err
		}
		if proxy.broken != nil {
			return proxy.broken
		}
	}

	logger.Debug("execution finished",
		"status", reply.Status,
		"instructions", reply.Instructions,
		"dirty_pages", len(reply.DirtyPages),
	)
	err = w.endpoint.SendReply(id, reply)
	if !errors.Is(err, sandboxipc.ErrFrameTooLarge) {
		return err
	}
	// Nothing went out yet: the frame is encoded before the dirty
	// region is sent. Drop the variable-size fields and report the
	// execution as out of memory.
	logger.Warn("reply exceeds frame limit", "error", err)
	return w.endpoint.SendReply(id, sandboxipc.ExecuteReply{
		Status:       sandboxipc.StatusOutOfMemory,
		Message:      err.Error(),
		Instructions: reply.Instructions,
	})
}

// receiveHeap takes the request's heap descriptor off the descriptor
// channel. The controller sends it before the execute frame.
func (w *Worker) receiveHeap(request sandboxipc.ExecuteRequest) (*os.File, error) {
	if request.HeapRegion == 0 {
		return nil, nil
	}
	region, file, err := w.endpoint.Descriptors.Receive()
	if err != nil {
		return nil, fmt.Errorf("receiving heap for %s: %w", request.ExecutionID, err)
	}
	if region != request.HeapRegion {
		file.Close()
		return nil, fmt.Errorf("%w: received heap region %d, request names %d",
			ErrWorkerCorrupted, region, request.HeapRegion)
	}
	return file, nil
}

// execute is the pipeline shared by the sandboxed and local paths. The
// returned error is non-nil only when the worker must not continue;
// every execution outcome, including traps and limits, is a reply.
func execute(
	ctx context.Context,
	registry *engine.Registry,
	tracker *memtrack.Tracker,
	request sandboxipc.ExecuteRequest,
	source memtrack.Source,
	backend systemapi.Backend,
	logger *slog.Logger,
) (reply sandboxipc.ExecuteReply, err error) {
	selected, err := registry.Lookup(request.Engine)
	if err != nil {
		return failedReply(sandboxipc.StatusFailed, err), nil
	}
	memory, err := tracker.Begin(request.HeapPages, source)
	if err != nil {
		if errors.Is(err, memtrack.ErrActive) {
			return reply, fmt.Errorf("%w: %w", ErrWorkerCorrupted, err)
		}
		return failedReply(beginStatus(err), err), nil
	}
	defer func() {
		if resetErr := tracker.Reset(); resetErr != nil && err == nil {
			err = fmt.Errorf("%w: resetting tracker: %w", ErrWorkerCorrupted, resetErr)
		}
	}()

	meter := engine.NewMeter(request.InstructionLimit)
	session := systemapi.NewSession(request.Argument, meter, backend)
	runErr := run(ctx, selected, engine.Execution{
		Module: request.Module,
		Entry:  request.Entry,
		Heap:   memory,
		System: session,
		Meter:  meter,
	})
	if panicked, ok := runErr.(*panicError); ok {
		logger.Error("engine panicked", "engine", request.Engine, "panic", panicked.value, "stack", string(panicked.stack))
		return reply, fmt.Errorf("%w: %v", ErrWorkerCorrupted, panicked)
	}

	reply.Status, reply.Message = classify(runErr)
	reply.Instructions = meter.Used()
	reply.DebugLog = session.DebugLog()
	if reply.Status == sandboxipc.StatusCompleted {
		reply.Output = session.ReplyData()
		reply.CertifiedData = session.CertifiedData()
	}
	// The dirty set is not trustworthy after a protection failure.
	if reply.Status != sandboxipc.StatusProtectionFailure {
		reply.DirtyPages, err = collectDirtyPages(tracker, memory)
		if err != nil {
			return sandboxipc.ExecuteReply{}, fmt.Errorf("%w: %w", ErrWorkerCorrupted, err)
		}
	}
	return reply, nil
}

// panicError carries a recovered engine panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("engine panic: %v", e.value) }

// run calls the engine, converting a panic into a *panicError.
func run(ctx context.Context, selected engine.Engine, execution engine.Execution) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &panicError{value: recovered, stack: debug.Stack()}
		}
	}()
	return selected.Execute(ctx, execution)
}

// classify maps an engine error to a reply status.
func classify(err error) (sandboxipc.Status, string) {
	if err == nil {
		return sandboxipc.StatusCompleted, ""
	}
	var fault *memtrack.FaultError
	switch {
	case errors.Is(err, memtrack.ErrProtectionFailure):
		return sandboxipc.StatusProtectionFailure, err.Error()
	case errors.Is(err, engine.ErrInstructionLimitExceeded):
		return sandboxipc.StatusInstructionLimitExceeded, err.Error()
	case errors.Is(err, engine.ErrOutOfMemory):
		return sandboxipc.StatusOutOfMemory, err.Error()
	case errors.Is(err, memtrack.ErrOutOfBounds), errors.As(err, &fault):
		return sandboxipc.StatusTrapped, err.Error()
	}
	if trap, ok := engine.AsTrap(err); ok {
		return sandboxipc.StatusTrapped, trap.Message
	}
	return sandboxipc.StatusFailed, err.Error()
}

func beginStatus(err error) sandboxipc.Status {
	switch {
	case errors.Is(err, memtrack.ErrProtectionFailure):
		return sandboxipc.StatusProtectionFailure
	case errors.Is(err, syscall.ENOMEM):
		return sandboxipc.StatusOutOfMemory
	}
	return sandboxipc.StatusFailed
}

func failedReply(status sandboxipc.Status, err error) sandboxipc.ExecuteReply {
	return sandboxipc.ExecuteReply{Status: status, Message: err.Error()}
}

// collectDirtyPages copies the content of every written page. It must
// run before the tracker is reset.
func collectDirtyPages(tracker *memtrack.Tracker, memory memtrack.Memory) ([]sandboxipc.DirtyPage, error) {
	indices := tracker.DirtyPages()
	if len(indices) == 0 {
		return nil, nil
	}
	pages := make([]sandboxipc.DirtyPage, 0, len(indices))
	for _, index := range indices {
		data, err := memory.Page(index)
		if err != nil {
			return nil, fmt.Errorf("reading dirty page %d: %w", index, err)
		}
		pages = append(pages, sandboxipc.DirtyPage{Index: uint64(index), Data: data})
	}
	return pages, nil
}

// ExecuteLocal runs request in-process against heap and state, with the
// instrumented tracker and no sandbox. Stable memory writes, calls and
// cycle debits land in state. The returned error is non-nil only for a
// failure of the local pipeline itself.
func ExecuteLocal(
	ctx context.Context,
	registry *engine.Registry,
	heap *pagemap.PageMap,
	state *systemapi.State,
	request sandboxipc.ExecuteRequest,
	logger *slog.Logger,
) (sandboxipc.ExecuteReply, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tracker := memtrack.NewTracker(memtrack.Instrumented, logger)
	var source memtrack.Source
	if heap != nil {
		source = heap
	}
	return execute(ctx, registry, tracker, request, source, state, logger)
}
