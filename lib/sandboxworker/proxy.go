// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandboxworker

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
	"github.com/bureau-foundation/canister/lib/systemapi"
)

// errControllerFailed aborts an execution whose system call failed on
// the controller side.
var errControllerFailed = errors.New("controller failed system call")

// proxy forwards system API calls to the controller over the message
// channel. Each call is one system-call frame answered by one
// system-call-reply frame carrying the execution's frame ID.
type proxy struct {
	channel *sandboxipc.Channel
	id      uint64

	// broken is set when the connection can no longer be used. The
	// execution is abandoned without a reply.
	broken error
}

var _ systemapi.Backend = (*proxy)(nil)

func (p *proxy) call(request sandboxipc.SystemCall) (sandboxipc.SystemCallReply, error) {
	if p.broken != nil {
		return sandboxipc.SystemCallReply{}, p.broken
	}
	if err := p.channel.SendMessage(sandboxipc.KindSystemCall, p.id, request); err != nil {
		p.broken = err
		return sandboxipc.SystemCallReply{}, err
	}
	frame, err := p.channel.Receive()
	if err != nil {
		p.broken = err
		return sandboxipc.SystemCallReply{}, err
	}
	if frame.ID != p.id {
		p.broken = fmt.Errorf("%w: system call reply for execution frame %d, want %d", ErrWorkerCorrupted, frame.ID, p.id)
		return sandboxipc.SystemCallReply{}, p.broken
	}
	var reply sandboxipc.SystemCallReply
	if err := frame.Decode(sandboxipc.KindSystemCallReply, &reply); err != nil {
		p.broken = fmt.Errorf("%w: %w", ErrWorkerCorrupted, err)
		return sandboxipc.SystemCallReply{}, p.broken
	}
	switch {
	case reply.Trapped:
		return reply, &engine.Trap{Message: reply.Message}
	case reply.Failed:
		return reply, fmt.Errorf("%w: %s: %s", errControllerFailed, request.Op, reply.Message)
	}
	return reply, nil
}

func (p *proxy) StableSize() (uint64, error) {
	reply, err := p.call(sandboxipc.SystemCall{Op: sandboxipc.OpStableSize})
	return reply.Value, err
}

func (p *proxy) StableGrow(pages uint64) (int64, error) {
	reply, err := p.call(sandboxipc.SystemCall{Op: sandboxipc.OpStableGrow, Pages: pages})
	return reply.Signed, err
}

// StableRead reads in pieces of at most MaxSystemCallData bytes. A
// trap on a later piece discards the earlier ones with the execution.
func (p *proxy) StableRead(offset, length uint64) ([]byte, error) {
	data := make([]byte, 0, min(length, sandboxipc.MaxSystemCallData))
	for done := uint64(0); done < length || length == 0; {
		piece := min(length-done, sandboxipc.MaxSystemCallData)
		reply, err := p.call(sandboxipc.SystemCall{Op: sandboxipc.OpStableRead, Offset: offset + done, Length: piece})
		if err != nil {
			return nil, err
		}
		if uint64(len(reply.Data)) != piece {
			p.broken = fmt.Errorf("%w: stable read returned %d bytes, want %d", ErrWorkerCorrupted, len(reply.Data), piece)
			return nil, p.broken
		}
		data = append(data, reply.Data...)
		done += piece
		if length == 0 {
			break
		}
	}
	return data, nil
}

// StableWrite writes in pieces of at most MaxSystemCallData bytes.
// Stable writes only reach the canister when the execution completes,
// so a trap on a later piece leaves nothing half-written.
func (p *proxy) StableWrite(offset uint64, data []byte) error {
	for {
		piece := data[:min(len(data), sandboxipc.MaxSystemCallData)]
		if _, err := p.call(sandboxipc.SystemCall{Op: sandboxipc.OpStableWrite, Offset: offset, Data: piece}); err != nil {
			return err
		}
		data = data[len(piece):]
		offset += uint64(len(piece))
		if len(data) == 0 {
			return nil
		}
	}
}

func (p *proxy) CycleBalance() (uint64, error) {
	reply, err := p.call(sandboxipc.SystemCall{Op: sandboxipc.OpCycleBalance})
	return reply.Value, err
}

func (p *proxy) CallPerform(call engine.Call) error {
	_, err := p.call(sandboxipc.SystemCall{Op: sandboxipc.OpCallPerform, Call: &call})
	return err
}

// ServeSystemCall answers one system call against backend. The controller uses
// it to serve the worker's proxy; the reply encodes traps and failures
// so that the worker can tell them apart.
func ServeSystemCall(backend systemapi.Backend, request sandboxipc.SystemCall) sandboxipc.SystemCallReply {
	var (
		reply sandboxipc.SystemCallReply
		err   error
	)
	switch request.Op {
	case sandboxipc.OpStableSize:
		reply.Value, err = backend.StableSize()
	case sandboxipc.OpStableGrow:
		reply.Signed, err = backend.StableGrow(request.Pages)
	case sandboxipc.OpStableRead:
		if request.Length > sandboxipc.MaxSystemCallData {
			err = fmt.Errorf("stable read of %d bytes exceeds %d", request.Length, sandboxipc.MaxSystemCallData)
			break
		}
		reply.Data, err = backend.StableRead(request.Offset, request.Length)
	case sandboxipc.OpStableWrite:
		if len(request.Data) > sandboxipc.MaxSystemCallData {
			err = fmt.Errorf("stable write of %d bytes exceeds %d", len(request.Data), sandboxipc.MaxSystemCallData)
			break
		}
		err = backend.StableWrite(request.Offset, request.Data)
	case sandboxipc.OpCycleBalance:
		reply.Value, err = backend.CycleBalance()
	case sandboxipc.OpCallPerform:
		if request.Call == nil {
			err = errors.New("call_perform without a call")
			break
		}
		err = backend.CallPerform(*request.Call)
	default:
		err = fmt.Errorf("unknown system call %q", request.Op)
	}
	if err == nil {
		return reply
	}
	if trap, ok := engine.AsTrap(err); ok {
		return sandboxipc.SystemCallReply{Trapped: true, Message: trap.Message}
	}
	return sandboxipc.SystemCallReply{Failed: true, Message: err.Error()}
}
