// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/canister/lib/controller"
	"github.com/bureau-foundation/canister/lib/pagemap"
)

// executionFlags select a canister and the call to make on it.
type executionFlags struct {
	canister         string
	engine           string
	modulePath       string
	balance          uint64
	heapPages        uint64
	entry            string
	argument         string
	argumentFile     string
	instructionLimit uint64
}

func (f *executionFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.canister, "canister", "", "canister ID (required)")
	flagSet.StringVar(&f.engine, "engine", "", "execution engine: script or wasm (required to install)")
	flagSet.StringVar(&f.modulePath, "module", "", "module file (required to install; replaces the stored module)")
	flagSet.Uint64Var(&f.balance, "balance", 0, "initial cycle balance when installing")
	flagSet.Uint64Var(&f.heapPages, "heap-pages", 16, "heap size in 4 KiB pages when installing")
	flagSet.StringVar(&f.entry, "entry", "", "entry point to call (required)")
	flagSet.StringVar(&f.argument, "arg", "", "argument bytes")
	flagSet.StringVar(&f.argumentFile, "arg-file", "", "file holding the argument bytes")
	flagSet.Uint64Var(&f.instructionLimit, "limit", 0, "instruction limit (default: sandbox.instruction_limit from config)")
}

func (f *executionFlags) readArgument() ([]byte, error) {
	if f.argumentFile == "" {
		return []byte(f.argument), nil
	}
	if f.argument != "" {
		return nil, errors.New("--arg and --arg-file are mutually exclusive")
	}
	data, err := os.ReadFile(f.argumentFile)
	if err != nil {
		return nil, fmt.Errorf("reading argument: %w", err)
	}
	return data, nil
}

// prepare applies the install flags to stored. It reports whether the
// record changed.
func (f *executionFlags) prepare(stored *storedCanister) (bool, error) {
	if f.entry == "" {
		return false, errors.New("--entry is required")
	}
	changed := false
	if f.modulePath != "" {
		module, err := os.ReadFile(f.modulePath)
		if err != nil {
			return false, fmt.Errorf("reading module: %w", err)
		}
		stored.record.Module = module
		changed = true
	}
	if f.engine != "" && f.engine != stored.record.Engine {
		stored.record.Engine = f.engine
		changed = true
	}
	if !stored.installed {
		if stored.record.Engine == "" || f.modulePath == "" {
			return false, fmt.Errorf("canister %s is not installed: --engine and --module are required", stored.id)
		}
		stored.record.Balance = f.balance
		if stored.heap.NumPages() == 0 {
			stored.heap = pagemap.New(f.heapPages)
		}
	}
	return changed, nil
}

// resultOutput is the JSON form of a controller.Result.
type resultOutput struct {
	ExecutionID   string     `json:"execution_id"`
	WorkerID      string     `json:"worker_id,omitempty"`
	Kind          string     `json:"kind"`
	Error         string     `json:"error,omitempty"`
	Output        []byte     `json:"output,omitempty"`
	OutputText    string     `json:"output_text,omitempty"`
	DirtyPages    []uint64   `json:"dirty_pages"`
	StablePages   []uint64   `json:"stable_pages,omitempty"`
	Instructions  uint64     `json:"instructions"`
	Calls         []callJSON `json:"calls,omitempty"`
	DebugLog      []string   `json:"debug_log,omitempty"`
	CertifiedData []byte     `json:"certified_data,omitempty"`
	HeapVersion   uint64     `json:"heap_version"`
	StableVersion uint64     `json:"stable_version"`
	Duration      string     `json:"duration"`
	State         *stateJSON `json:"state,omitempty"`
}

type callJSON struct {
	Callee  string `json:"callee"`
	Method  string `json:"method"`
	Payload []byte `json:"payload,omitempty"`
	Cycles  uint64 `json:"cycles,omitempty"`
}

type stateJSON struct {
	Balance     uint64 `json:"balance"`
	HeapPages   uint64 `json:"heap_pages"`
	StablePages uint64 `json:"stable_pages"`
	Executions  uint64 `json:"executions"`
}

func pageNumbers(indices []pagemap.PageIndex) []uint64 {
	numbers := make([]uint64, len(indices))
	for i, index := range indices {
		numbers[i] = uint64(index)
	}
	return numbers
}

func formatResult(result controller.Result) resultOutput {
	output := resultOutput{
		ExecutionID:   result.ExecutionID,
		WorkerID:      result.WorkerID,
		Kind:          result.Kind.String(),
		Output:        result.Output,
		DirtyPages:    pageNumbers(result.DirtyPages),
		Instructions:  result.Instructions,
		CertifiedData: result.CertifiedData,
		HeapVersion:   result.HeapVersion,
		StableVersion: result.StableVersion,
		Duration:      result.Duration.Round(time.Microsecond).String(),
	}
	if result.Err != nil {
		output.Error = result.Err.Error()
	}
	if isPrintable(result.Output) {
		output.OutputText = string(result.Output)
	}
	if result.StableDelta != nil {
		output.StablePages = pageNumbers(result.StableDelta.Indices())
	}
	for _, call := range result.Calls {
		output.Calls = append(output.Calls, callJSON(call))
	}
	for _, message := range result.DebugLog {
		output.DebugLog = append(output.DebugLog, string(message))
	}
	return output
}

func isPrintable(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if (b < 0x20 && b != '\n' && b != '\t') || b >= 0x7f {
			return false
		}
	}
	return true
}

func execCommand(ctx context.Context, args []string, env *environment) error {
	var (
		common     runtimeFlags
		execution  executionFlags
		privileged bool
		timeout    time.Duration
		retry      bool
	)
	flagSet := pflag.NewFlagSet("exec", pflag.ContinueOnError)
	common.register(flagSet)
	execution.register(flagSet)
	flagSet.BoolVar(&privileged, "privileged", false, "use the privileged worker pool")
	flagSet.DurationVar(&timeout, "timeout", 0, "execution timeout (default: sandbox.execution_timeout from config)")
	flagSet.BoolVar(&retry, "retry", false, "retry once if the sandbox worker fails")
	if done, err := parseFlags(flagSet, args, env, "bureau-canister exec --canister <id> --entry <name> [flags]"); done || err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	argument, err := execution.readArgument()
	if err != nil {
		return err
	}
	compression, err := pagemap.ParseCompression(cfg.PageMap.Compression)
	if err != nil {
		return err
	}
	logger := env.logger.With("canister", execution.canister)
	stored, err := loadCanister(cfg.Paths.State, execution.canister, compression, logger)
	if err != nil {
		return err
	}
	if _, err := execution.prepare(stored); err != nil {
		return err
	}

	registry, release := newRegistry()
	defer release()
	spawner, err := newSpawner(cfg, common.unsandboxed, registry, logger)
	if err != nil {
		return err
	}
	privilegedWorkers := 0
	if privileged {
		privilegedWorkers = 1
	}
	ctrl, err := newController(cfg, spawner, 1, privilegedWorkers, logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Install(stored.id, stored.definition()); err != nil {
		return err
	}
	result, err := ctrl.Execute(ctx, controller.Request{
		CanisterID:            stored.id,
		Entry:                 execution.entry,
		Argument:              argument,
		InstructionLimit:      execution.instructionLimit,
		Privileged:            privileged,
		Timeout:               timeout,
		RetryOnSandboxFailure: retry,
	})
	if err != nil {
		return err
	}

	output := formatResult(result)
	if result.Kind != controller.KindSandboxFailure && result.Kind != controller.KindCancelled {
		// Contract failures change no memory, but a first install
		// still needs its record written.
		state, err := ctrl.Snapshot(stored.id)
		if err != nil {
			return err
		}
		if err := stored.save(state, flattenPolicy(cfg)); err != nil {
			return err
		}
		output.State = &stateJSON{
			Balance:     stored.record.Balance,
			HeapPages:   stored.heap.NumPages(),
			StablePages: stored.stable.NumPages(),
			Executions:  stored.record.Executions,
		}
	}

	if err := writeJSON(env, output); err != nil {
		return err
	}
	if result.Kind != controller.KindCompleted {
		return fmt.Errorf("execution %s: %s", result.ExecutionID, result.Kind)
	}
	return nil
}
