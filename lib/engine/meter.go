// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

// ErrInstructionLimitExceeded is returned once an execution has used
// its whole instruction budget.
var ErrInstructionLimitExceeded = errors.New("instruction limit exceeded")

// ErrOutOfMemory is returned when an execution needs more memory than
// it is allowed.
var ErrOutOfMemory = errors.New("out of memory")

// Per-operation costs shared by engines and the system API so that the
// same work costs the same number of instructions everywhere.
const (
	// SystemCallCost is charged for every system API call on top of
	// the bytes it copies.
	SystemCallCost = 20

	// BytesPerInstruction is how many copied bytes cost one
	// instruction.
	BytesPerInstruction = 1
)

// Meter counts instructions against a limit. A Meter is used by one
// execution on one goroutine.
type Meter struct {
	limit uint64
	used  uint64
}

// NewMeter returns a meter allowing limit instructions.
func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

// Charge consumes n instructions. If that would pass the limit, the
// meter is drained to the limit and ErrInstructionLimitExceeded is
// returned; the caller must not perform the charged work.
func (m *Meter) Charge(n uint64) error {
	if n > m.limit-m.used {
		m.used = m.limit
		return ErrInstructionLimitExceeded
	}
	m.used += n
	return nil
}

// ChargeBytes charges a system call that copies size bytes.
func (m *Meter) ChargeBytes(size int) error {
	return m.Charge(SystemCallCost + uint64(size)/BytesPerInstruction)
}

// Used returns the instructions consumed so far.
func (m *Meter) Used() uint64 { return m.used }

// Limit returns the instruction limit.
func (m *Meter) Limit() uint64 { return m.limit }

// Remaining returns the instructions left.
func (m *Meter) Remaining() uint64 { return m.limit - m.used }
