// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package script

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/memtrack"
	"github.com/bureau-foundation/canister/lib/pagemap"
	"github.com/bureau-foundation/canister/lib/systemapi"
)

type harness struct {
	tracker *memtrack.Tracker
	state   *systemapi.State
	session *systemapi.Session
	meter   *engine.Meter
}

func run(t *testing.T, limit uint64, argument []byte, ops ...Op) (*harness, error) {
	t.Helper()
	tracker := memtrack.NewTracker(memtrack.Instrumented, nil)
	heap, err := tracker.Begin(4, pagemap.New(4))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tracker.Reset() })

	h := &harness{
		tracker: tracker,
		state:   systemapi.NewState(pagemap.New(0), 1000, 0),
		meter:   engine.NewMeter(limit),
	}
	h.session = systemapi.NewSession(argument, h.meter, h.state)

	module := MustEncode(Module{Entries: map[string][]Op{"main": ops}})
	err = New().Execute(context.Background(), engine.Execution{
		Module: module,
		Entry:  "main",
		Heap:   heap,
		System: h.session,
		Meter:  h.meter,
	})
	return h, err
}

func TestHeapAndReply(t *testing.T) {
	h, err := run(t, 1_000_000, []byte("arg"),
		Op{Op: OpWrite, Offset: pagemap.PageSize, Data: []byte("hello")},
		Op{Op: OpArgToHeap, Offset: 3 * pagemap.PageSize},
		Op{Op: OpReplyHeap, Offset: pagemap.PageSize, Length: 5},
		Op{Op: OpReplyHeap, Offset: 3 * pagemap.PageSize, Length: 3},
	)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(h.session.ReplyData()) != "helloarg" {
		t.Errorf("reply = %q, want helloarg", h.session.ReplyData())
	}
	if got := h.tracker.DirtyPages(); !slices.Equal(got, []pagemap.PageIndex{1, 3}) {
		t.Errorf("DirtyPages() = %v, want [1 3]", got)
	}
}

func TestInstructionAccounting(t *testing.T) {
	h, err := run(t, 1_000_000, nil,
		Op{Op: OpWrite, Data: make([]byte, 10)},
		Op{Op: OpFill, Offset: 100, Length: 50, Value: 7},
		Op{Op: OpBurn, Value: 1000},
	)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64((1 + 10) + (1 + 50) + 1000)
	if h.meter.Used() != want {
		t.Errorf("Used() = %d, want %d", h.meter.Used(), want)
	}
}

func TestLimitStopsBeforeLaterWrites(t *testing.T) {
	h, err := run(t, 5000, nil,
		Op{Op: OpFill, Offset: 0, Length: 8, Value: 1},
		Op{Op: OpFill, Offset: pagemap.PageSize, Length: 8, Value: 1},
		Op{Op: OpBurn, Value: 10_000},
		Op{Op: OpFill, Offset: 2 * pagemap.PageSize, Length: 8, Value: 1},
	)
	if !errors.Is(err, engine.ErrInstructionLimitExceeded) {
		t.Fatalf("err = %v, want ErrInstructionLimitExceeded", err)
	}
	if got := h.tracker.DirtyPages(); !slices.Equal(got, []pagemap.PageIndex{0, 1}) {
		t.Errorf("DirtyPages() = %v, want [0 1]", got)
	}
	if h.meter.Used() != 5000 {
		t.Errorf("Used() = %d, want the full limit", h.meter.Used())
	}
}

func TestTrap(t *testing.T) {
	_, err := run(t, 1_000_000, nil,
		Op{Op: OpWrite, Data: []byte{1}},
		Op{Op: OpTrap, Data: []byte("assertion failed")},
		Op{Op: OpWrite, Offset: pagemap.PageSize, Data: []byte{1}},
	)
	trap, ok := engine.AsTrap(err)
	if !ok || trap.Message != "assertion failed" {
		t.Errorf("err = %v, want trap with message", err)
	}

	if _, err := run(t, 1_000_000, nil, Op{Op: "jump"}); err == nil {
		t.Error("unknown op did not trap")
	} else if _, ok := engine.AsTrap(err); !ok {
		t.Errorf("unknown op: err = %v, want trap", err)
	}
}

func TestOutOfBoundsHeapWriteFails(t *testing.T) {
	_, err := run(t, 1_000_000, nil, Op{Op: OpWrite, Offset: 4*pagemap.PageSize - 1, Data: []byte{1, 2}})
	if !errors.Is(err, memtrack.ErrOutOfBounds) {
		t.Errorf("err = %v, want ErrOutOfBounds", err)
	}
}

func TestOversizedLengthsTrapBeforeAllocating(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{"fill", Op{Op: OpFill, Length: 1 << 62, Value: 1}},
		{"fill past end", Op{Op: OpFill, Offset: 4*pagemap.PageSize - 1, Length: 2}},
		{"fill huge offset", Op{Op: OpFill, Offset: math.MaxUint64, Length: 1}},
		{"reply heap", Op{Op: OpReplyHeap, Length: 1 << 62}},
		{"reply heap huge offset", Op{Op: OpReplyHeap, Offset: math.MaxUint64 - 1, Length: 8}},
		{"reply stable", Op{Op: OpReplyStable, Length: 1 << 62}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h, err := run(t, math.MaxUint64, nil, test.op)
			if _, ok := engine.AsTrap(err); !ok {
				t.Fatalf("err = %v, want trap", err)
			}
			if len(h.tracker.DirtyPages()) != 0 {
				t.Errorf("rejected operation dirtied %v", h.tracker.DirtyPages())
			}
		})
	}
}

func TestMaximalLengthExhaustsMeter(t *testing.T) {
	for _, op := range []string{OpFill, OpReplyHeap} {
		t.Run(op, func(t *testing.T) {
			h, err := run(t, 1_000_000, nil, Op{Op: op, Length: math.MaxUint64})
			if !errors.Is(err, engine.ErrInstructionLimitExceeded) {
				t.Fatalf("err = %v, want ErrInstructionLimitExceeded", err)
			}
			if h.meter.Used() != 1_000_000 {
				t.Errorf("Used() = %d, want the full limit", h.meter.Used())
			}
		})
	}
}

func TestSystemOperations(t *testing.T) {
	h, err := run(t, 1_000_000, nil,
		Op{Op: OpStableGrow, Value: 1},
		Op{Op: OpStableWrite, Offset: 10, Data: []byte("stable")},
		Op{Op: OpReplyStable, Offset: 10, Length: 6},
		Op{Op: OpCall, Callee: "ledger", Method: "notify", Data: []byte("payload"), Value: 250},
		Op{Op: OpReplyCycles},
		Op{Op: OpDebug, Data: []byte("checkpoint")},
		Op{Op: OpCertify, Data: []byte("root")},
	)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	reply := h.session.ReplyData()
	if len(reply) != 6+8 || string(reply[:6]) != "stable" {
		t.Fatalf("reply = %q", reply)
	}
	if balance := binary.BigEndian.Uint64(reply[6:]); balance != 750 {
		t.Errorf("reported balance = %d, want 750", balance)
	}
	if len(h.state.Calls()) != 1 || h.state.Calls()[0].Callee != "ledger" {
		t.Errorf("Calls() = %+v", h.state.Calls())
	}
	if len(h.session.DebugLog()) != 1 || string(h.session.CertifiedData()) != "root" {
		t.Errorf("debug log %q, certified data %q", h.session.DebugLog(), h.session.CertifiedData())
	}
	if len(h.tracker.DirtyPages()) != 0 {
		t.Errorf("system operations dirtied heap pages: %v", h.tracker.DirtyPages())
	}
}

func TestMissingEntryPoint(t *testing.T) {
	err := New().Execute(context.Background(), engine.Execution{
		Module: MustEncode(Module{}),
		Entry:  "absent",
		Meter:  engine.NewMeter(10),
	})
	if _, ok := engine.AsTrap(err); !ok {
		t.Errorf("err = %v, want trap", err)
	}
}

func TestWaitReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Execute(ctx, engine.Execution{
		Module: MustEncode(Module{Entries: map[string][]Op{"main": {{Op: OpWait}}}}),
		Entry:  "main",
		Meter:  engine.NewMeter(10),
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
