// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package systemapi

import (
	"github.com/bureau-foundation/canister/lib/engine"
)

// MaxReplyBytes bounds the reply an execution may build.
const MaxReplyBytes = engine.MaxReplyBytes

// Backend is the part of the system API that needs state held outside
// the worker. Methods return *engine.Trap for contract errors.
type Backend interface {
	StableSize() (uint64, error)
	StableGrow(pages uint64) (int64, error)
	StableRead(offset, length uint64) ([]byte, error)
	StableWrite(offset uint64, data []byte) error
	CycleBalance() (uint64, error)
	CallPerform(call engine.Call) error
}

// Session implements engine.SystemAPI for one execution.
type Session struct {
	argument []byte
	meter    *engine.Meter
	backend  Backend

	reply         []byte
	debugLog      [][]byte
	debugBytes    int
	certifiedData []byte
}

// NewSession returns a session for an execution with the given
// argument, charging meter and delegating to backend.
func NewSession(argument []byte, meter *engine.Meter, backend Backend) *Session {
	return &Session{argument: argument, meter: meter, backend: backend}
}

var _ engine.SystemAPI = (*Session)(nil)

// ArgData implements engine.SystemAPI.
func (s *Session) ArgData() []byte { return s.argument }

// Reply implements engine.SystemAPI.
func (s *Session) Reply(data []byte) error {
	if err := s.meter.ChargeBytes(len(data)); err != nil {
		return err
	}
	if len(s.reply)+len(data) > MaxReplyBytes {
		return engine.Trapf("reply of %d bytes exceeds %d", len(s.reply)+len(data), MaxReplyBytes)
	}
	s.reply = append(s.reply, data...)
	return nil
}

// StableSize implements engine.SystemAPI.
func (s *Session) StableSize() (uint64, error) {
	if err := s.meter.ChargeBytes(0); err != nil {
		return 0, err
	}
	return s.backend.StableSize()
}

// StableGrow implements engine.SystemAPI.
func (s *Session) StableGrow(pages uint64) (int64, error) {
	if err := s.meter.ChargeBytes(0); err != nil {
		return 0, err
	}
	return s.backend.StableGrow(pages)
}

// StableRead implements engine.SystemAPI.
func (s *Session) StableRead(offset uint64, dst []byte) error {
	if err := s.meter.ChargeBytes(len(dst)); err != nil {
		return err
	}
	data, err := s.backend.StableRead(offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return engine.Trapf("stable read returned %d bytes, want %d", len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// StableWrite implements engine.SystemAPI.
func (s *Session) StableWrite(offset uint64, src []byte) error {
	if err := s.meter.ChargeBytes(len(src)); err != nil {
		return err
	}
	return s.backend.StableWrite(offset, src)
}

// CycleBalance implements engine.SystemAPI.
func (s *Session) CycleBalance() (uint64, error) {
	if err := s.meter.ChargeBytes(0); err != nil {
		return 0, err
	}
	return s.backend.CycleBalance()
}

// CallPerform implements engine.SystemAPI.
func (s *Session) CallPerform(call engine.Call) error {
	if err := s.meter.ChargeBytes(len(call.Callee) + len(call.Method) + len(call.Payload)); err != nil {
		return err
	}
	if len(call.Payload) > MaxReplyBytes {
		return engine.Trapf("call payload of %d bytes exceeds %d", len(call.Payload), MaxReplyBytes)
	}
	return s.backend.CallPerform(call)
}

// DebugPrint implements engine.SystemAPI. Messages are collected and
// returned with the result; nothing is printed inside the sandbox.
// Once engine.MaxDebugLogBytes have been kept, further messages are
// dropped.
func (s *Session) DebugPrint(message []byte) error {
	if err := s.meter.ChargeBytes(len(message)); err != nil {
		return err
	}
	if len(message) > engine.MaxDebugPrintBytes {
		message = message[:engine.MaxDebugPrintBytes]
	}
	if s.debugBytes+len(message) > engine.MaxDebugLogBytes {
		return nil
	}
	s.debugBytes += len(message)
	s.debugLog = append(s.debugLog, append([]byte(nil), message...))
	return nil
}

// CertifiedDataSet implements engine.SystemAPI.
func (s *Session) CertifiedDataSet(data []byte) error {
	if err := s.meter.ChargeBytes(len(data)); err != nil {
		return err
	}
	if len(data) > engine.MaxCertifiedDataBytes {
		return engine.Trapf("certified data of %d bytes exceeds %d", len(data), engine.MaxCertifiedDataBytes)
	}
	s.certifiedData = append([]byte{}, data...)
	return nil
}

// ReplyData returns the reply built so far.
func (s *Session) ReplyData() []byte { return s.reply }

// DebugLog returns the debug messages printed so far.
func (s *Session) DebugLog() [][]byte { return s.debugLog }

// CertifiedData returns the certified data set during the execution, or
// nil if it was never set.
func (s *Session) CertifiedData() []byte { return s.certifiedData }
