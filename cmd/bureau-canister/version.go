// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/canister/lib/binhash"
	"github.com/bureau-foundation/canister/lib/version"
)

// versionCommand prints the CLI version and the digests of the worker
// binaries the configuration resolves to, so operators can confirm
// every machine runs the same sandbox.
func versionCommand(args []string, env *environment) error {
	var common runtimeFlags
	flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
	flagSet.StringVar(&common.configPath, "config", "", "configuration file (default: $CANISTER_CONFIG, else built-in defaults)")
	if done, err := parseFlags(flagSet, args, env, "bureau-canister version [--config <file>]"); done || err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "bureau-canister %s\n", version.Info())
	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	for _, name := range []string{cfg.Sandbox.LauncherPath, cfg.Sandbox.SandboxPath} {
		if name == "" {
			continue
		}
		path, err := cfg.BinaryPath(name)
		if err != nil {
			fmt.Fprintf(env.stdout, "%s: not found\n", name)
			continue
		}
		digest, err := binhash.HashFile(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "%s: %s\n", path, digest.String())
	}
	return nil
}
