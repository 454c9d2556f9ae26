// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/canister/lib/determinism"
	"github.com/bureau-foundation/canister/lib/pagemap"
)

func verifyCommand(ctx context.Context, args []string, env *environment) error {
	var (
		common    runtimeFlags
		execution executionFlags
		runs      int
		local     bool
	)
	flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	common.register(flagSet)
	execution.register(flagSet)
	flagSet.IntVar(&runs, "runs", 2, "number of independent sandboxed executions")
	flagSet.BoolVar(&local, "local", false, "also execute in this process without a sandbox, as a reference")
	if done, err := parseFlags(flagSet, args, env, "bureau-canister verify --canister <id> --entry <name> [flags]"); done || err != nil {
		return err
	}
	if runs < 1 {
		return fmt.Errorf("--runs must be positive, got %d", runs)
	}
	if runs+boolCount(local) < 2 {
		return errors.New("verification needs at least two executions: raise --runs or add --local")
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	argument, err := execution.readArgument()
	if err != nil {
		return err
	}
	logger := env.logger.With("canister", execution.canister)
	// Verification never writes state, so compression is irrelevant.
	stored, err := loadCanister(cfg.Paths.State, execution.canister, pagemap.CompressionNone, logger)
	if err != nil {
		return err
	}
	if _, err := execution.prepare(stored); err != nil {
		return err
	}

	registry, release := newRegistry()
	defer release()

	executors := make([]determinism.Executor, 0, runs+1)
	for run := range runs {
		spawner, err := newSpawner(cfg, common.unsandboxed, registry, logger)
		if err != nil {
			return err
		}
		ctrl, err := newController(cfg, spawner, 1, 0, logger.With("run", run))
		if err != nil {
			return err
		}
		defer ctrl.Close()
		executors = append(executors, &determinism.ControllerExecutor{
			Label:      fmt.Sprintf("worker-%d", run),
			Controller: ctrl,
		})
	}
	if local {
		executors = append(executors, &determinism.LocalExecutor{
			Label:    "local",
			Registry: registry,
			Logger:   logger,
		})
	}

	input := determinism.Input{
		Canister:         stored.definition(),
		Entry:            execution.entry,
		Argument:         argument,
		InstructionLimit: execution.instructionLimit,
	}
	if input.InstructionLimit == 0 {
		input.InstructionLimit = cfg.Sandbox.InstructionLimit
	}
	results, checkErr := determinism.Check(ctx, input, executors...)

	table := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "EXECUTOR\tKIND\tINSTRUCTIONS\tDIRTY PAGES\tDIGEST")
	for _, run := range results {
		fmt.Fprintf(table, "%s\t%s\t%d\t%d\t%s\n",
			run.Executor, run.Observation.Kind, run.Observation.Instructions,
			len(run.Observation.DirtyPages), run.Digest)
	}
	if err := table.Flush(); err != nil {
		return err
	}
	if checkErr != nil {
		return checkErr
	}
	fmt.Fprintf(env.stdout, "%d executions agree\n", len(results))
	return nil
}

func boolCount(value bool) int {
	if value {
		return 1
	}
	return 0
}

