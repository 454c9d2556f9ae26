// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/canister/lib/config"
	"github.com/bureau-foundation/canister/lib/controller"
	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/engine/script"
	"github.com/bureau-foundation/canister/lib/engine/wasm"
	"github.com/bureau-foundation/canister/lib/memtrack"
	"github.com/bureau-foundation/canister/lib/pagemap"
)

// runtimeFlags are the flags shared by commands that execute canisters.
type runtimeFlags struct {
	configPath  string
	stateDir    string
	unsandboxed bool
}

func (f *runtimeFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "configuration file (default: $CANISTER_CONFIG, else built-in defaults)")
	flagSet.StringVar(&f.stateDir, "state-dir", "", "canister state directory (default: paths.state_dir from config)")
	flagSet.BoolVar(&f.unsandboxed, "unsandboxed", false, "run workers in this process instead of sandboxed child processes")
}

// loadConfig returns the validated configuration named by --config or
// CANISTER_CONFIG, or the defaults when neither is set.
func (f *runtimeFlags) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if f.stateDir != "" {
		cfg.Paths.State = f.stateDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newRegistry returns the engines the CLI can run locally. The release
// function closes them.
func newRegistry() (*engine.Registry, func()) {
	wasmEngine := wasm.New()
	return engine.NewRegistry(script.New(), wasmEngine), func() {
		wasmEngine.Close(context.Background())
	}
}

// launcherArgs renders the launcher section of the configuration as
// bureau-canister-launcher flags.
func launcherArgs(launcher config.LauncherConfig) []string {
	var args []string
	if launcher.AddressSpaceBytes > 0 {
		args = append(args, "--address-space-bytes="+strconv.FormatUint(launcher.AddressSpaceBytes, 10))
	}
	if launcher.CPUSeconds > 0 {
		args = append(args, "--cpu-seconds="+strconv.FormatUint(launcher.CPUSeconds, 10))
	}
	if launcher.OpenFiles > 0 {
		args = append(args, "--open-files="+strconv.FormatUint(launcher.OpenFiles, 10))
	}
	args = append(args, "--seccomp="+strconv.FormatBool(launcher.Seccomp.Enabled))
	if launcher.Seccomp.Enabled {
		if len(launcher.Seccomp.Deny) > 0 {
			args = append(args, "--deny="+strings.Join(launcher.Seccomp.Deny, ","))
		}
		if launcher.Seccomp.Errno > 0 {
			args = append(args, "--errno="+strconv.FormatUint(uint64(launcher.Seccomp.Errno), 10))
		}
		if launcher.Seccomp.PolicyFile != "" {
			args = append(args, "--policy-file="+launcher.Seccomp.PolicyFile)
		}
	}
	return args
}

// newSpawner returns the worker spawner for cfg. registry serves
// unsandboxed workers.
func newSpawner(cfg *config.Config, unsandboxed bool, registry *engine.Registry, logger *slog.Logger) (controller.Spawner, error) {
	mechanism, err := memtrack.ParseMechanism(cfg.Sandbox.Tracker)
	if err != nil {
		return nil, err
	}
	if unsandboxed {
		logger.Warn("running canister workers unsandboxed")
		return &controller.InProcessSpawner{Registry: registry, Mechanism: mechanism, Logger: logger}, nil
	}

	sandboxPath, err := cfg.BinaryPath(cfg.Sandbox.SandboxPath)
	if err != nil {
		return nil, fmt.Errorf("locating sandbox binary: %w", err)
	}
	spawner := &controller.ProcessSpawner{
		SandboxPath: sandboxPath,
		SandboxArgs: []string{"--tracker=" + mechanism.String()},
		Logger:      logger,
	}
	if cfg.Sandbox.LauncherPath != "" {
		launcherPath, err := cfg.BinaryPath(cfg.Sandbox.LauncherPath)
		if err != nil {
			return nil, fmt.Errorf("locating launcher binary: %w", err)
		}
		spawner.LauncherPath = launcherPath
		spawner.LauncherArgs = launcherArgs(cfg.Launcher)
	}
	return spawner, nil
}

// flattenPolicy returns the pagemap section of cfg as a policy.
func flattenPolicy(cfg *config.Config) pagemap.FlattenPolicy {
	return pagemap.FlattenPolicy{
		MaxDeltas:     cfg.PageMap.FlattenMaxDeltas,
		MaxDeltaPages: cfg.PageMap.FlattenMaxDeltaPages,
	}
}

// newController returns a controller for a single CLI invocation.
// Maintenance is off; callers flatten when they persist.
func newController(cfg *config.Config, spawner controller.Spawner, regularWorkers, privilegedWorkers int, logger *slog.Logger) (*controller.Controller, error) {
	return controller.New(controller.Config{
		RegularWorkers:      regularWorkers,
		PrivilegedWorkers:   privilegedWorkers,
		ExecutionTimeout:    cfg.ExecutionTimeout(),
		SpawnTimeout:        cfg.SpawnTimeout(),
		InstructionLimit:    cfg.Sandbox.InstructionLimit,
		FlattenPolicy:       flattenPolicy(cfg),
		MaintenanceInterval: -1,
		Spawner:             spawner,
		Logger:              logger,
	})
}
