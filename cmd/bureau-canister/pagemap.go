// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// storeOutput is the JSON description of a page store.
type storeOutput struct {
	Directory    string   `json:"directory"`
	Empty        bool     `json:"empty,omitempty"`
	BaseVersion  uint64   `json:"base_version"`
	Version      uint64   `json:"version"`
	Deltas       int      `json:"deltas"`
	Pages        uint64   `json:"pages"`
	Bytes        uint64   `json:"bytes"`
	WrittenPages int      `json:"written_pages"`
	DeltaPages   uint64   `json:"delta_pages"`
	Skipped      []string `json:"skipped,omitempty"`
}

func describeStore(store *pagemap.Store, memory *pagemap.PageMap, report pagemap.LoadReport) storeOutput {
	return storeOutput{
		Directory:    store.Directory(),
		Empty:        report.Empty,
		BaseVersion:  memory.BaseVersion(),
		Version:      memory.Version(),
		Deltas:       memory.DeltaCount(),
		Pages:        memory.NumPages(),
		Bytes:        memory.Size(),
		WrittenPages: len(memory.WrittenPages()),
		DeltaPages:   memory.DeltaPages(),
		Skipped:      report.Skipped,
	}
}

func pagemapCommand(args []string, env *environment) error {
	if len(args) == 0 {
		return errors.New("usage: bureau-canister pagemap <inspect|flatten> --dir <store>")
	}
	switch args[0] {
	case "inspect":
		return pagemapInspect(args[1:], env)
	case "flatten":
		return pagemapFlatten(args[1:], env)
	default:
		return fmt.Errorf("unknown pagemap command %q (want inspect or flatten)", args[0])
	}
}

func pagemapInspect(args []string, env *environment) error {
	var directory string
	flagSet := pflag.NewFlagSet("pagemap inspect", pflag.ContinueOnError)
	flagSet.StringVar(&directory, "dir", "", "page store directory (required)")
	if done, err := parseFlags(flagSet, args, env, "bureau-canister pagemap inspect --dir <store>"); done || err != nil {
		return err
	}
	if directory == "" {
		return errors.New("--dir is required")
	}

	store, err := pagemap.OpenStore(directory, pagemap.StoreOptions{Logger: env.logger})
	if err != nil {
		return err
	}
	memory, report, err := store.Load()
	if err != nil {
		return err
	}
	return writeJSON(env, describeStore(store, memory, report))
}

func pagemapFlatten(args []string, env *environment) error {
	var (
		directory       string
		compressionName string
	)
	flagSet := pflag.NewFlagSet("pagemap flatten", pflag.ContinueOnError)
	flagSet.StringVar(&directory, "dir", "", "page store directory (required)")
	flagSet.StringVar(&compressionName, "compression", "lz4", "compression for the new base: none, lz4 or zstd")
	if done, err := parseFlags(flagSet, args, env, "bureau-canister pagemap flatten --dir <store> [--compression lz4]"); done || err != nil {
		return err
	}
	if directory == "" {
		return errors.New("--dir is required")
	}
	compression, err := pagemap.ParseCompression(compressionName)
	if err != nil {
		return err
	}

	store, err := pagemap.OpenStore(directory, pagemap.StoreOptions{Compression: compression, Logger: env.logger})
	if err != nil {
		return err
	}
	memory, report, err := store.Load()
	if err != nil {
		return err
	}
	if report.Empty {
		return fmt.Errorf("%s holds no page files", directory)
	}
	flattened := memory.Flatten()
	if err := store.Sync(flattened); err != nil {
		return err
	}
	env.logger.Info("flattened page store",
		"directory", directory,
		"version", flattened.Version(),
		"deltas_removed", memory.DeltaCount(),
	)
	return writeJSON(env, describeStore(store, flattened, pagemap.LoadReport{}))
}

func writeJSON(env *environment, value any) error {
	encoder := json.NewEncoder(env.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
