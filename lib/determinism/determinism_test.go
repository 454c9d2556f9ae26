// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package determinism

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/canister/lib/controller"
	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/engine/script"
	"github.com/bureau-foundation/canister/lib/memtrack"
	"github.com/bureau-foundation/canister/lib/pagemap"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
)

// drifting writes a different byte on every execution, standing in for
// an engine that leaks nondeterminism into the heap.
type drifting struct {
	runs atomic.Uint64
}

func (*drifting) Name() string { return "drifting" }

func (d *drifting) Execute(_ context.Context, execution engine.Execution) error {
	if err := execution.Meter.Charge(1); err != nil {
		return err
	}
	return execution.Heap.Write(0, []byte{byte(d.runs.Add(1))})
}

func newController(t *testing.T, registry *engine.Registry) *controller.Controller {
	t.Helper()
	return newControllerWith(t, &controller.InProcessSpawner{
		Registry:  registry,
		Mechanism: memtrack.Instrumented,
	})
}

// newProcessController runs workers in re-executed copies of the test
// binary.
func newProcessController(t *testing.T) *controller.Controller {
	t.Helper()
	executable, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return newControllerWith(t, &controller.ProcessSpawner{
		SandboxPath: executable,
		Env:         append(os.Environ(), workerEnvironment+"=1"),
	})
}

func newControllerWith(t *testing.T, spawner controller.Spawner) *controller.Controller {
	t.Helper()
	c, err := controller.New(controller.Config{
		RegularWorkers:      1,
		MaintenanceInterval: -1,
		Spawner:             spawner,
		Registerer:          prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func scriptInput() Input {
	heap, err := pagemap.New(4).Apply(mustDelta(map[pagemap.PageIndex][]byte{1: []byte("seed")}))
	if err != nil {
		panic(err)
	}
	return Input{
		Canister: controller.Canister{
			Engine: script.Name,
			Module: script.MustEncode(script.Module{Entries: map[string][]script.Op{
				"main": {
					{Op: script.OpArgToHeap, Offset: 2 * pagemap.PageSize},
					{Op: script.OpFill, Offset: 3*pagemap.PageSize - 2, Length: 4, Value: 0xAB},
					{Op: script.OpStableGrow, Value: 1},
					{Op: script.OpStableWrite, Data: []byte("stable")},
					{Op: script.OpReplyHeap, Offset: pagemap.PageSize, Length: 4},
					{Op: script.OpReplyStable, Length: 6},
				},
			}}),
			Heap:    heap,
			Balance: 50,
		},
		Entry:    "main",
		Argument: []byte("argument"),
	}
}

func mustDelta(pages map[pagemap.PageIndex][]byte) *pagemap.PageDelta {
	delta, err := pagemap.NewDeltaFromPages(pages)
	if err != nil {
		panic(err)
	}
	return delta
}

func TestIndependentExecutionsAgree(t *testing.T) {
	registry := engine.NewRegistry(script.New())
	first := &ControllerExecutor{Label: "sandbox-a", Controller: newController(t, registry)}
	second := &ControllerExecutor{Label: "sandbox-b", Controller: newController(t, registry)}
	local := &LocalExecutor{Label: "local", Registry: registry}

	runs, err := Check(context.Background(), scriptInput(), first, second, local)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	observation := runs[0].Observation
	if observation.Kind != controller.KindCompleted {
		t.Fatalf("kind = %s", observation.Kind)
	}
	if string(observation.Output) != "seedstable" {
		t.Errorf("output = %q, want %q", observation.Output, "seedstable")
	}
	var dirty []pagemap.PageIndex
	for _, page := range observation.DirtyPages {
		dirty = append(dirty, page.Index)
	}
	if !slices.Equal(dirty, []pagemap.PageIndex{2, 3}) {
		t.Errorf("dirty pages = %v, want [2 3]", dirty)
	}
	for _, run := range runs[1:] {
		if run.Digest != runs[0].Digest {
			t.Errorf("%s digest %s differs from %s digest %s", run.Executor, run.Digest, runs[0].Executor, runs[0].Digest)
		}
	}
}

func TestProcessWorkerAgreesWithLocal(t *testing.T) {
	registry := engine.NewRegistry(script.New())
	for _, input := range []struct {
		name  string
		input Input
	}{
		{"completed", scriptInput()},
		{"trapped", func() Input {
			in := scriptInput()
			in.Canister.Module = script.MustEncode(script.Module{Entries: map[string][]script.Op{
				"main": {
					{Op: script.OpFill, Offset: 0, Length: 3 * pagemap.PageSize, Value: 7},
					{Op: script.OpTrap, Data: []byte("halt")},
				},
			}})
			return in
		}()},
	} {
		t.Run(input.name, func(t *testing.T) {
			sandboxed := &ControllerExecutor{Label: "process", Controller: newProcessController(t)}
			local := &LocalExecutor{Label: "local", Registry: registry}
			runs, err := Check(context.Background(), input.input, sandboxed, local)
			if err != nil {
				t.Fatalf("Check with %s tracking: %v", memtrack.DefaultMechanism(), err)
			}
			if runs[0].Digest != runs[1].Digest {
				t.Errorf("process digest %s differs from local digest %s", runs[0].Digest, runs[1].Digest)
			}
		})
	}
}

func TestContractFailuresAreCompared(t *testing.T) {
	registry := engine.NewRegistry(script.New())
	input := scriptInput()
	input.Canister.Module = script.MustEncode(script.Module{Entries: map[string][]script.Op{
		"main": {
			{Op: script.OpWrite, Offset: 0, Data: []byte("before")},
			{Op: script.OpBurn, Value: 1 << 30},
		},
	}})
	input.InstructionLimit = 1000

	runs, err := Check(context.Background(), input,
		&ControllerExecutor{Label: "sandbox", Controller: newController(t, registry)},
		&LocalExecutor{Label: "local", Registry: registry},
	)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if runs[0].Observation.Kind != controller.KindResourceExhausted {
		t.Errorf("kind = %s, want resource_exhausted", runs[0].Observation.Kind)
	}
	if len(runs[0].Observation.DirtyPages) != 1 || runs[0].Observation.DirtyPages[0].Index != 0 {
		t.Errorf("dirty pages = %+v, want page 0", runs[0].Observation.DirtyPages)
	}
}

func TestDivergentEngineIsReported(t *testing.T) {
	registry := engine.NewRegistry(&drifting{})
	input := Input{Canister: controller.Canister{Engine: "drifting", Heap: pagemap.New(1)}, Entry: "main"}

	never := &countingExecutor{}
	runs, err := Check(context.Background(), input,
		&LocalExecutor{Label: "first", Registry: registry},
		&LocalExecutor{Label: "second", Registry: registry},
		never,
	)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("Check = %v, want a mismatch", err)
	}
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error %T is not a *MismatchError", err)
	}
	if mismatch.A != "first" || mismatch.B != "second" {
		t.Errorf("mismatch between %q and %q", mismatch.A, mismatch.B)
	}
	if !slices.Equal(mismatch.Components, []string{ComponentDirtyContents}) {
		t.Errorf("components = %v, want [%s]", mismatch.Components, ComponentDirtyContents)
	}
	if mismatch.DigestA == mismatch.DigestB {
		t.Error("digests of divergent runs are equal")
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
	if never.calls != 0 {
		t.Error("check continued after a mismatch")
	}
}

type countingExecutor struct{ calls int }

func (*countingExecutor) Name() string { return "counting" }

func (e *countingExecutor) Execute(context.Context, Input) (Observation, error) {
	e.calls++
	return Observation{}, nil
}

func TestCompareNamesComponents(t *testing.T) {
	page := func(fill byte) *pagemap.Page {
		var p pagemap.Page
		p[0] = fill
		return &p
	}
	base := Observation{
		Kind:         controller.KindCompleted,
		Output:       []byte("out"),
		DirtyPages:   []pagemap.IndexedPage{{Index: 1, Page: page(1)}},
		Instructions: 10,
	}
	tests := []struct {
		name   string
		change func(*Observation)
		want   []string
	}{
		{"identical", func(*Observation) {}, nil},
		{"kind", func(o *Observation) { o.Kind = controller.KindTrapped }, []string{ComponentKind}},
		{"output", func(o *Observation) { o.Output = []byte("other") }, []string{ComponentOutput}},
		{"dirty set", func(o *Observation) {
			o.DirtyPages = []pagemap.IndexedPage{{Index: 2, Page: page(1)}}
		}, []string{ComponentDirtyPages}},
		{"dirty content", func(o *Observation) {
			o.DirtyPages = []pagemap.IndexedPage{{Index: 1, Page: page(2)}}
		}, []string{ComponentDirtyContents}},
		{"instructions and output", func(o *Observation) {
			o.Instructions = 11
			o.Output = nil
		}, []string{ComponentOutput, ComponentInstructions}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			other := base
			test.change(&other)
			err := Compare(base, other)
			if test.want == nil {
				if err != nil {
					t.Fatalf("Compare = %v, want nil", err)
				}
				if Digest(base) != Digest(other) {
					t.Error("equal observations have different digests")
				}
				return
			}
			var mismatch *MismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("Compare = %v, want *MismatchError", err)
			}
			if !slices.Equal(mismatch.Components, test.want) {
				t.Errorf("components = %v, want %v", mismatch.Components, test.want)
			}
		})
	}
}

func TestObservationRejectsInfrastructureFailures(t *testing.T) {
	if _, err := FromResult(controller.Result{Kind: controller.KindSandboxFailure, Err: controller.ErrTransportDisconnected}); err == nil {
		t.Error("FromResult accepted a sandbox failure")
	}
	if _, err := FromReply(sandboxipc.ExecuteReply{Status: sandboxipc.StatusFailed, Message: "no engine"}); err == nil {
		t.Error("FromReply accepted a failed reply")
	}
	if _, err := FromReply(sandboxipc.ExecuteReply{Status: "bogus"}); err == nil {
		t.Error("FromReply accepted an unknown status")
	}
}

func TestCheckNeedsTwoExecutors(t *testing.T) {
	if _, err := Check(context.Background(), Input{}, &countingExecutor{}); err == nil {
		t.Error("Check ran with one executor")
	}
}
