// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/canister/lib/binhash"
	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/engine/script"
	"github.com/bureau-foundation/canister/lib/engine/wasm"
	"github.com/bureau-foundation/canister/lib/memtrack"
	"github.com/bureau-foundation/canister/lib/process"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
	"github.com/bureau-foundation/canister/lib/sandboxworker"
	"github.com/bureau-foundation/canister/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		tracker     string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("bureau-canister-sandbox", pflag.ContinueOnError)
	flagSet.StringVar(&tracker, "tracker", "", "dirty-page tracking mechanism: protect or instrumented (default: best available)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("bureau-canister-sandbox %s\n", version.Info())
		return nil
	}

	logger := process.NewLogger(os.Stderr, "sandbox").With("pid", os.Getpid())

	mechanism, err := memtrack.ParseMechanism(tracker)
	if err != nil {
		return err
	}

	endpoint, err := sandboxipc.InheritedEndpoint()
	if err != nil {
		return fmt.Errorf("connecting to controller: %w", err)
	}

	wasmEngine := wasm.New()
	registry := engine.NewRegistry(script.New(), wasmEngine)

	worker, err := sandboxworker.New(endpoint, sandboxworker.Options{
		Registry:  registry,
		Mechanism: mechanism,
		Logger:    logger,
	})
	if err != nil {
		endpoint.Close()
		return err
	}

	attributes := []any{"version", version.Short(), "commit", version.Commit(), "tracker", mechanism.String()}
	if digest, err := binhash.HashSelf(); err == nil {
		attributes = append(attributes, "binary_digest", digest.String())
	} else {
		logger.Warn("cannot hash own binary", "error", err)
	}
	logger.Info("sandbox worker starting", attributes...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := worker.Serve(ctx)
	if closeErr := wasmEngine.Close(context.Background()); closeErr != nil {
		logger.Warn("closing wasm runtime", "error", closeErr)
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	logger.Info("sandbox worker stopped")
	return nil
}
