// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/memtrack"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
	"github.com/bureau-foundation/canister/lib/sandboxworker"
)

// WorkerSpec describes the worker a Spawner should start.
type WorkerSpec struct {
	ID         string
	Privileged bool
}

// Process is a started worker.
type Process interface {
	// Endpoint is the controller's end of the worker connection.
	Endpoint() *sandboxipc.Endpoint

	// Done is closed once the worker has exited.
	Done() <-chan struct{}

	// Err is the exit status. Valid after Done is closed.
	Err() error

	// Kill stops the worker immediately. Safe to call repeatedly and
	// after exit.
	Kill() error

	// PID is the worker's process ID, or zero for in-process workers.
	PID() int
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ProcessSpawner runs each worker as its own OS process. With a
// LauncherPath the command is
//
//	launcher [LauncherArgs] -- sandbox [SandboxArgs]
//
// so the launcher can confine itself before executing the sandbox
// binary; without one the sandbox binary runs directly. The worker's
// IPC sockets are inherited as fds 3 and 4.
type ProcessSpawner struct {
	LauncherPath string
	LauncherArgs []string
	SandboxPath  string
	SandboxArgs  []string

	// Env is the worker environment. Nil inherits the controller's.
	Env []string

	// Logger nil means slog.Default().
	Logger *slog.Logger
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	if s.SandboxPath == "" {
		return nil, errors.New("sandbox binary path not configured")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	endpoint, child, err := sandboxipc.NewPair()
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if s.LauncherPath != "" {
		args := append([]string{}, s.LauncherArgs...)
		args = append(args, "--", s.SandboxPath)
		args = append(args, s.SandboxArgs...)
		cmd = exec.Command(s.LauncherPath, args...)
	} else {
		cmd = exec.Command(s.SandboxPath, s.SandboxArgs...)
	}
	cmd.Env = s.Env
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = child.ExtraFiles()
	cmd.SysProcAttr = workerProcAttr()

	if err := cmd.Start(); err != nil {
		child.Close()
		endpoint.Close()
		return nil, fmt.Errorf("starting worker %s: %w", spec.ID, err)
	}
	// The child holds its own copies now.
	child.Close()

	process := &osProcess{
		cmd:      cmd,
		endpoint: endpoint,
		done:     make(chan struct{}),
	}
	go func() {
		waitErr := cmd.Wait()
		process.err = waitErr
		exitCode := 0
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		close(process.done)
		logger.Info("worker process exited",
			"worker_id", spec.ID,
			"pid", cmd.Process.Pid,
			"exit_code", exitCode,
			"error", waitErr,
		)
	}()
	logger.Info("worker process started",
		"worker_id", spec.ID,
		"pid", cmd.Process.Pid,
		"privileged", spec.Privileged,
	)
	return process, nil
}

type osProcess struct {
	cmd      *exec.Cmd
	endpoint *sandboxipc.Endpoint
	done     chan struct{}
	err      error
}

func (p *osProcess) Endpoint() *sandboxipc.Endpoint { return p.endpoint }
func (p *osProcess) Done() <-chan struct{}           { return p.done }
func (p *osProcess) Err() error                      { return p.err }
func (p *osProcess) PID() int                        { return p.cmd.Process.Pid }

// Kill signals the worker's whole process group, which also reaches a
// launcher that has not yet executed the sandbox binary.
func (p *osProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// InProcessSpawner runs each worker on a goroutine of the controller's
// process. It gives no isolation; it serves tests and the operator
// CLI's unsandboxed mode.
type InProcessSpawner struct {
	Registry  *engine.Registry
	Mechanism memtrack.Mechanism
	Logger    *slog.Logger
}

// Spawn implements Spawner.
func (s *InProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	controllerEnd, workerEnd, err := sandboxipc.NewLocalPair()
	if err != nil {
		return nil, err
	}
	worker, err := sandboxworker.New(workerEnd, sandboxworker.Options{
		Registry:  s.Registry,
		Mechanism: s.Mechanism,
		Logger:    logger.With("worker_id", spec.ID),
	})
	if err != nil {
		controllerEnd.Close()
		workerEnd.Close()
		return nil, err
	}
	workerContext, cancel := context.WithCancel(context.Background())
	process := &goroutineProcess{
		endpoint: controllerEnd,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		process.err = worker.Serve(workerContext)
		close(process.done)
	}()
	return process, nil
}

type goroutineProcess struct {
	endpoint *sandboxipc.Endpoint
	cancel   context.CancelFunc
	done     chan struct{}
	err      error

	killOnce sync.Once
}

func (p *goroutineProcess) Endpoint() *sandboxipc.Endpoint { return p.endpoint }
func (p *goroutineProcess) Done() <-chan struct{}           { return p.done }
func (p *goroutineProcess) Err() error                      { return p.err }
func (p *goroutineProcess) PID() int                        { return 0 }

// Kill cancels the worker's context, which closes its endpoint. An
// engine blocked in a computation that ignores the context keeps its
// goroutine until it returns, but the controller sees the disconnect
// immediately.
func (p *goroutineProcess) Kill() error {
	p.killOnce.Do(p.cancel)
	return nil
}
