// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/canister/lib/clock"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
)

// Size limits on what a request carries to a worker. Together they
// keep the execute frame under sandboxipc.MaxFrameSize.
const (
	MaxModuleBytes   = 32 * 1024 * 1024
	MaxArgumentBytes = 2 * 1024 * 1024
)

// Request asks for one execution of an installed canister.
type Request struct {
	CanisterID string
	Entry      string
	Argument   []byte

	// InstructionLimit zero means Config.InstructionLimit.
	InstructionLimit uint64

	// Privileged requests use the privileged pool.
	Privileged bool

	// Timeout zero means Config.ExecutionTimeout.
	Timeout time.Duration

	// RetryOnSandboxFailure resubmits the request once, ahead of the
	// rest of the queue, when its worker crashes. Without it a crash
	// is reported to the caller.
	RetryOnSandboxFailure bool
}

// Future is the pending result of a submitted request.
type Future struct {
	executionID string
	done        chan struct{}
	result      Result

	// stopCancel releases the context watch registered by Submit.
	stopCancel func() bool
}

// ExecutionID returns the ID assigned to the request.
func (f *Future) ExecutionID() string { return f.executionID }

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait returns the result, or ctx.Err() if ctx ends first. The
// execution is not affected by ctx.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) complete(result Result) {
	result.ExecutionID = f.executionID
	f.result = result
	close(f.done)
	if f.stopCancel != nil {
		f.stopCancel()
	}
}

// pending is a request waiting in a pool queue.
type pending struct {
	ctx     context.Context
	request Request
	future  *Future
	retried bool
}

// pool is a set of interchangeable workers and the queue they serve.
type pool struct {
	privileged bool
	limit      int

	queue    []*pending
	workers  map[string]*WorkerHandle // every worker not yet terminated
	idle     []*WorkerHandle          // Ready workers
	starting int
}

func (p *pool) label() string { return poolLabel(p.privileged) }

func (p *pool) remove(worker *WorkerHandle) {
	delete(p.workers, worker.id)
	p.idle = slices.DeleteFunc(p.idle, func(idle *WorkerHandle) bool { return idle == worker })
}

// Controller runs canister executions in sandboxed workers and owns the
// canisters' state.
type Controller struct {
	config  Config
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics

	mu        sync.Mutex
	closed    bool
	canisters map[string]*canister
	regular   *pool
	elevated  *pool
	pools     []*pool

	// exited records workers whose process has been reaped. Guarded
	// by mu.
	exited map[*WorkerHandle]bool

	closing   atomic.Bool
	frameIDs  atomic.Uint64
	regionIDs atomic.Uint64

	wg                 sync.WaitGroup
	stopMaintenance    context.CancelFunc
	maintenanceStopped chan struct{}
}

// New returns a running controller. Workers are spawned on demand.
func New(config Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	config.applyDefaults()
	metrics, err := newMetrics(config.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering controller metrics: %w", err)
	}
	c := &Controller{
		config:             config,
		logger:             config.Logger,
		clock:              config.Clock,
		metrics:            metrics,
		canisters:          make(map[string]*canister),
		regular:            &pool{limit: config.RegularWorkers, workers: make(map[string]*WorkerHandle)},
		elevated:           &pool{privileged: true, limit: config.PrivilegedWorkers, workers: make(map[string]*WorkerHandle)},
		exited:             make(map[*WorkerHandle]bool),
		maintenanceStopped: make(chan struct{}),
	}
	c.pools = []*pool{c.regular, c.elevated}

	maintenanceContext, cancel := context.WithCancel(context.Background())
	c.stopMaintenance = cancel
	if config.MaintenanceInterval > 0 {
		go c.maintain(maintenanceContext)
	} else {
		close(c.maintenanceStopped)
	}
	return c, nil
}

// Submit queues request and returns its future.
func (c *Controller) Submit(ctx context.Context, request Request) (*Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShutdown
	}
	if _, ok := c.canisters[request.CanisterID]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownCanister, request.CanisterID)
	}
	if len(request.Argument) > MaxArgumentBytes {
		return nil, fmt.Errorf("argument of %d bytes exceeds maximum %d", len(request.Argument), MaxArgumentBytes)
	}
	target := c.regular
	if request.Privileged {
		if c.elevated.limit == 0 {
			return nil, errors.New("privileged pool is disabled")
		}
		target = c.elevated
	}
	future := &Future{executionID: uuid.NewString(), done: make(chan struct{})}
	job := &pending{ctx: ctx, request: request, future: future}
	target.queue = append(target.queue, job)
	c.dispatchLocked(target)
	if !isDone(future) {
		future.stopCancel = context.AfterFunc(ctx, func() { c.cancelQueued(target, job) })
	}
	return future, nil
}

// cancelQueued completes job as cancelled if it is still waiting in
// target's queue. A job already handed to a worker runs to completion.
func (c *Controller) cancelQueued(target *pool, job *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	position := slices.Index(target.queue, job)
	if position < 0 {
		return
	}
	target.queue = slices.Delete(target.queue, position, position+1)
	job.future.complete(Result{Kind: KindCancelled, Err: job.ctx.Err()})
	if c.closed {
		c.metrics.queueDepth.WithLabelValues(target.label()).Set(float64(len(target.queue)))
		return
	}
	c.dispatchLocked(target)
}

func isDone(future *Future) bool {
	select {
	case <-future.done:
		return true
	default:
		return false
	}
}

// Execute submits request and waits for its result.
func (c *Controller) Execute(ctx context.Context, request Request) (Result, error) {
	future, err := c.Submit(ctx, request)
	if err != nil {
		return Result{}, err
	}
	return future.Wait(ctx)
}

// dispatchLocked hands queued requests to Ready workers in FIFO order.
// A request whose canister already has an execution in flight blocks
// the queue behind it, so requests for one canister run in submission
// order against successive versions. Workers are spawned while the
// pool is below its limit and requests are waiting.
func (c *Controller) dispatchLocked(target *pool) {
	defer c.metrics.queueDepth.WithLabelValues(target.label()).Set(float64(len(target.queue)))
	for len(target.queue) > 0 {
		head := target.queue[0]
		if err := head.ctx.Err(); err != nil {
			target.queue = target.queue[1:]
			head.future.complete(Result{Kind: KindCancelled, Err: err})
			continue
		}
		entry, ok := c.canisters[head.request.CanisterID]
		if !ok {
			target.queue = target.queue[1:]
			head.future.complete(Result{
				Kind: KindCancelled,
				Err:  fmt.Errorf("%w %q", ErrUnknownCanister, head.request.CanisterID),
			})
			continue
		}
		if entry.busy {
			return
		}
		if len(target.idle) == 0 {
			for len(target.workers)+target.starting < target.limit && target.starting < len(target.queue) {
				c.spawnLocked(target)
			}
			return
		}

		worker := target.idle[len(target.idle)-1]
		target.idle = target.idle[:len(target.idle)-1]
		if err := worker.transition(WorkerBusy); err != nil {
			c.logger.Error("dispatching to worker", "error", err)
			target.remove(worker)
			continue
		}
		target.queue = target.queue[1:]
		entry.busy = true
		c.wg.Add(1)
		go c.execute(target, worker, entry, head)
	}
}

// spawnLocked starts one worker for target in the background.
func (c *Controller) spawnLocked(target *pool) {
	worker := newWorkerHandle(uuid.NewString(), target.privileged)
	target.starting++
	c.wg.Add(1)
	go c.spawn(target, worker)
}

func (c *Controller) spawn(target *pool, worker *WorkerHandle) {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	timer := c.clock.AfterFunc(c.config.SpawnTimeout, cancel)
	process, err := c.config.Spawner.Spawn(ctx, WorkerSpec{ID: worker.id, Privileged: worker.privileged})
	timer.Stop()
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	target.starting--
	if err != nil {
		worker.transition(WorkerTerminated)
		c.logger.Error("spawning worker failed", "worker_id", worker.id, "pool", target.label(), "error", err)
		if len(target.workers) == 0 && target.starting == 0 {
			c.failQueueLocked(target, Result{
				Kind: KindSandboxFailure,
				Err:  &SandboxFailure{Cause: fmt.Errorf("spawning worker: %w", err)},
			})
		}
		return
	}
	worker.process = process
	c.metrics.spawns.WithLabelValues(target.label()).Inc()
	c.wg.Add(1)
	go c.reap(target, worker)

	if c.closed {
		worker.transition(WorkerTerminated)
		c.shutdownWorker(worker)
		return
	}
	if err := worker.transition(WorkerReady); err != nil {
		c.logger.Error("starting worker", "error", err)
		return
	}
	target.workers[worker.id] = worker
	target.idle = append(target.idle, worker)
	c.dispatchLocked(target)
}

// reap waits for a worker process to exit and retires its handle.
func (c *Controller) reap(target *pool, worker *WorkerHandle) {
	defer c.wg.Done()
	<-worker.process.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.exited[worker] = true
	switch worker.State() {
	case WorkerReady:
		c.logger.Warn("idle worker exited", "worker_id", worker.id, "error", worker.process.Err())
		c.metrics.crashes.WithLabelValues(target.label()).Inc()
		c.terminateLocked(target, worker)
	case WorkerCrashed:
		c.terminateLocked(target, worker)
	case WorkerBusy:
		// The execution observes the disconnect and finishes the
		// handle.
		return
	case WorkerTerminated:
		delete(c.exited, worker)
	}
	if !c.closed {
		c.dispatchLocked(target)
	}
}

// terminateLocked moves a Ready or Crashed worker to Terminated and
// forgets it.
func (c *Controller) terminateLocked(target *pool, worker *WorkerHandle) {
	if err := worker.transition(WorkerTerminated); err != nil {
		c.logger.Error("terminating worker", "error", err)
	}
	target.remove(worker)
	delete(c.exited, worker)
	worker.process.Endpoint().Close()
}

// shutdownWorker asks an idle worker to exit and closes its endpoint.
func (c *Controller) shutdownWorker(worker *WorkerHandle) {
	endpoint := worker.process.Endpoint()
	if err := endpoint.Messages.SendMessage(sandboxipc.KindShutdown, 0, nil); err != nil {
		c.logger.Debug("sending shutdown to worker", "worker_id", worker.id, "error", err)
	}
	endpoint.Close()
}

func (c *Controller) failQueueLocked(target *pool, result Result) {
	for _, queued := range target.queue {
		queued.future.complete(result)
	}
	target.queue = nil
	c.metrics.queueDepth.WithLabelValues(target.label()).Set(0)
}

// Workers returns the handles of every live worker.
func (c *Controller) Workers() []*WorkerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var workers []*WorkerHandle
	for _, target := range c.pools {
		for _, worker := range target.workers {
			workers = append(workers, worker)
		}
	}
	return workers
}

// Close fails queued requests with ErrShutdown, kills workers with an
// execution in flight, shuts down idle workers, and waits for all of
// them to exit.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closing.Store(true)
	for _, target := range c.pools {
		c.failQueueLocked(target, Result{Kind: KindCancelled, Err: ErrShutdown})
		for _, worker := range target.workers {
			switch worker.State() {
			case WorkerReady:
				if err := worker.transition(WorkerTerminated); err != nil {
					c.logger.Error("closing worker", "error", err)
				}
				target.remove(worker)
				c.shutdownWorker(worker)
			case WorkerBusy:
				worker.process.Kill()
			}
		}
	}
	c.mu.Unlock()

	c.stopMaintenance()
	<-c.maintenanceStopped
	c.wg.Wait()
	c.logger.Info("controller closed")
	return nil
}
