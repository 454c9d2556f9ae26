// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/canister/lib/process"
	"github.com/bureau-foundation/canister/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

// options is the parsed command line.
type options struct {
	addressSpaceBytes uint64
	cpuSeconds        uint64
	openFiles         uint64

	seccomp    bool
	deny       []string
	errno      uint32
	policyFile string

	command []string
}

func parseOptions(args []string) (*options, error) {
	var (
		parsed      options
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("bureau-canister-launcher", pflag.ContinueOnError)
	flagSet.Uint64Var(&parsed.addressSpaceBytes, "address-space-bytes", 0, "RLIMIT_AS for the worker (0 leaves it unchanged)")
	flagSet.Uint64Var(&parsed.cpuSeconds, "cpu-seconds", 0, "RLIMIT_CPU for the worker (0 leaves it unchanged)")
	flagSet.Uint64Var(&parsed.openFiles, "open-files", 0, "RLIMIT_NOFILE for the worker (0 leaves it unchanged)")
	flagSet.BoolVar(&parsed.seccomp, "seccomp", true, "load a seccomp filter before executing the worker")
	flagSet.StringSliceVar(&parsed.deny, "deny", nil, "syscalls to deny (default: built-in list)")
	flagSet.Uint32Var(&parsed.errno, "errno", 1, "errno returned by denied syscalls")
	flagSet.StringVar(&parsed.policyFile, "policy-file", "", "YAML seccomp policy replacing the deny list")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if showVersion {
		fmt.Printf("bureau-canister-launcher %s\n", version.Info())
		return nil, nil
	}
	parsed.command = flagSet.Args()
	if len(parsed.command) == 0 {
		return nil, errors.New("usage: bureau-canister-launcher [flags] -- <sandbox-binary> [args...]")
	}
	if parsed.errno == 0 || parsed.errno > 0xffff {
		return nil, fmt.Errorf("--errno must be in [1, 65535], got %d", parsed.errno)
	}
	return &parsed, nil
}

func run(args []string) error {
	parsed, err := parseOptions(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil || parsed == nil {
		return err
	}
	return confineAndExec(parsed)
}
