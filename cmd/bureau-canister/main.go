// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/canister/lib/process"
	"github.com/bureau-foundation/canister/lib/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	logger := process.NewLogger(os.Stderr, "cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &environment{stdout: os.Stdout, stderr: os.Stderr, logger: logger}
	if err := run(ctx, os.Args[1:], env); err != nil {
		stop()
		process.Fatal(err)
	}
}

// environment is what commands write to.
type environment struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

// errUsage is returned after usage has been printed for a bad command
// line.
var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, env *environment) error {
	command, rest := args[0], args[1:]
	switch command {
	case "exec":
		return execCommand(ctx, rest, env)
	case "verify":
		return verifyCommand(ctx, rest, env)
	case "pagemap":
		return pagemapCommand(rest, env)
	case "version", "--version", "-v":
		return versionCommand(rest, env)
	case "help", "--help", "-h":
		printUsage(env.stdout)
		return nil
	default:
		fmt.Fprintf(env.stderr, "Unknown command: %s\n\n", command)
		printUsage(env.stderr)
		return errUsage
	}
}

// parseFlags parses args into flagSet. It returns done when --help was
// requested and the help text has been printed.
func parseFlags(flagSet *pflag.FlagSet, args []string, env *environment, synopsis string) (done bool, err error) {
	flagSet.SetOutput(env.stderr)
	flagSet.Usage = func() {
		fmt.Fprintf(env.stderr, "Usage:\n  %s\n\nFlags:\n%s", synopsis, flagSet.FlagUsages())
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	if flagSet.NArg() > 0 {
		return false, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return false, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `bureau-canister - Run canisters in sandboxed workers (%s)

USAGE
    bureau-canister <command> [flags]

COMMANDS
    exec             Execute one canister entry point and persist its state
    verify           Execute one entry point several times and compare
    pagemap inspect  Describe a page store
    pagemap flatten  Collapse a page store's deltas into a new base
    version          Show version and worker binary digests

EXAMPLES
    # Install a canister and run its init entry point
    bureau-canister exec --canister counter --engine wasm --module counter.wasm --entry init

    # Run it again with an argument
    bureau-canister exec --canister counter --entry increment --arg 5

    # Check that three sandboxed runs and the local engine agree
    bureau-canister verify --canister counter --entry increment --runs 3 --local

ENVIRONMENT
    CANISTER_CONFIG  Path to the configuration file
    BUREAU_DEBUG     Enable debug logging
`, version.Short())
}
