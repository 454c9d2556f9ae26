// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/canister/lib/atomicfile"
	"github.com/bureau-foundation/canister/lib/codec"
	"github.com/bureau-foundation/canister/lib/controller"
	"github.com/bureau-foundation/canister/lib/pagemap"
)

const recordFile = "canister.cbor"

// canisterRecord is the persisted part of a canister that is not
// memory.
type canisterRecord struct {
	Engine        string `cbor:"engine"`
	Module        []byte `cbor:"module"`
	Balance       uint64 `cbor:"balance"`
	CertifiedData []byte `cbor:"certified_data,omitempty"`
	Executions    uint64 `cbor:"executions"`
}

// storedCanister is one canister's state directory, loaded.
type storedCanister struct {
	id        string
	directory string
	installed bool
	record    canisterRecord

	heapStore   *pagemap.Store
	stableStore *pagemap.Store
	heap        *pagemap.PageMap
	stable      *pagemap.PageMap
}

func validCanisterID(id string) error {
	if id == "" {
		return errors.New("--canister is required")
	}
	if id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("canister ID %q must be a plain name", id)
	}
	return nil
}

// loadCanister opens the state directory of canister id under
// stateDir. A directory without a record loads as not installed with
// empty memories.
func loadCanister(stateDir, id string, compression pagemap.Compression, logger *slog.Logger) (*storedCanister, error) {
	if err := validCanisterID(id); err != nil {
		return nil, err
	}
	directory := filepath.Join(stateDir, id)
	stored := &storedCanister{id: id, directory: directory}

	data, err := os.ReadFile(filepath.Join(directory, recordFile))
	switch {
	case err == nil:
		if err := codec.Unmarshal(data, &stored.record); err != nil {
			return nil, fmt.Errorf("reading canister %s: %w", id, err)
		}
		stored.installed = true
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading canister %s: %w", id, err)
	}

	options := pagemap.StoreOptions{Compression: compression, Logger: logger}
	stored.heapStore, stored.heap, err = loadMemory(filepath.Join(directory, "heap"), options, logger)
	if err != nil {
		return nil, err
	}
	stored.stableStore, stored.stable, err = loadMemory(filepath.Join(directory, "stable"), options, logger)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func loadMemory(directory string, options pagemap.StoreOptions, logger *slog.Logger) (*pagemap.Store, *pagemap.PageMap, error) {
	store, err := pagemap.OpenStore(directory, options)
	if err != nil {
		return nil, nil, err
	}
	memory, report, err := store.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", directory, err)
	}
	if len(report.Skipped) > 0 {
		logger.Warn("page store loaded with skipped files",
			"directory", directory, "version", report.Version, "skipped", report.Skipped)
	}
	return store, memory, nil
}

// definition returns what the controller needs to install the canister.
func (s *storedCanister) definition() controller.Canister {
	return controller.Canister{
		Engine:        s.record.Engine,
		Module:        s.record.Module,
		Heap:          s.heap,
		Stable:        s.stable,
		Balance:       s.record.Balance,
		CertifiedData: s.record.CertifiedData,
	}
}

// save persists state. Memories are flattened first when policy says
// so; the store then writes a new base and prunes the old files.
func (s *storedCanister) save(state *controller.CanisterState, policy pagemap.FlattenPolicy) error {
	heap, stable := state.Heap, state.Stable
	if policy.ShouldFlatten(heap) {
		heap = heap.Flatten()
	}
	if policy.ShouldFlatten(stable) {
		stable = stable.Flatten()
	}
	if err := s.heapStore.Sync(heap); err != nil {
		return fmt.Errorf("saving heap of %s: %w", s.id, err)
	}
	if err := s.stableStore.Sync(stable); err != nil {
		return fmt.Errorf("saving stable memory of %s: %w", s.id, err)
	}
	s.heap, s.stable = heap, stable
	s.record.Balance = state.Balance
	s.record.CertifiedData = state.CertifiedData
	s.record.Executions += state.Executions
	return s.writeRecord()
}

func (s *storedCanister) writeRecord() error {
	data, err := codec.Marshal(s.record)
	if err != nil {
		return fmt.Errorf("encoding canister %s: %w", s.id, err)
	}
	if err := atomicfile.WriteFile(filepath.Join(s.directory, recordFile), data, 0o644); err != nil {
		return fmt.Errorf("writing canister %s: %w", s.id, err)
	}
	s.installed = true
	return nil
}
