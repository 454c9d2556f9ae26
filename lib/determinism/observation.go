// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package determinism

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/canister/lib/controller"
	"github.com/bureau-foundation/canister/lib/pagemap"
	"github.com/bureau-foundation/canister/lib/sandboxipc"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// String returns the hex encoding of the digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// digestKey is the BLAKE3 key for observation digests: the ASCII domain
// name zero-padded to 32 bytes.
var digestKey = [32]byte{
	'b', 'u', 'r', 'e', 'a', 'u', '.', 'c', 'a', 'n', 'i', 's', 't', 'e', 'r', '.',
	'o', 'b', 's', 'e', 'r', 'v', 'a', 't', 'i', 'o', 'n', 0, 0, 0, 0, 0,
}

// Observation is the part of an execution's outcome that must be
// identical across replicas.
type Observation struct {
	Kind         controller.Kind
	Output       []byte
	DirtyPages   []pagemap.IndexedPage // ascending index order
	Instructions uint64
}

// FromResult builds an observation from a controller result.
// Infrastructure failures and cancelled requests have nothing to
// compare and return an error.
func FromResult(result controller.Result) (Observation, error) {
	switch result.Kind {
	case controller.KindCompleted, controller.KindTrapped, controller.KindResourceExhausted:
	default:
		return Observation{}, fmt.Errorf("execution ended with %s: %w", result.Kind, result.Err)
	}
	observation := Observation{
		Kind:         result.Kind,
		Output:       result.Output,
		Instructions: result.Instructions,
	}
	if result.Delta != nil {
		observation.DirtyPages = result.Delta.Pages()
	}
	return observation, nil
}

// FromReply builds an observation from a worker reply, as produced by a
// local execution.
func FromReply(reply sandboxipc.ExecuteReply) (Observation, error) {
	kind, ok := controller.StatusKind(reply.Status)
	if !ok {
		return Observation{}, fmt.Errorf("unknown execution status %q", reply.Status)
	}
	if kind == controller.KindSandboxFailure {
		return Observation{}, fmt.Errorf("execution failed: %s", reply.Message)
	}
	delta := pagemap.NewDelta()
	for _, page := range reply.DirtyPages {
		if err := delta.Set(pagemap.PageIndex(page.Index), page.Data); err != nil {
			return Observation{}, err
		}
	}
	observation := Observation{
		Kind:         kind,
		Instructions: reply.Instructions,
		DirtyPages:   delta.Pages(),
	}
	if kind == controller.KindCompleted {
		observation.Output = reply.Output
	}
	return observation, nil
}

// Digest hashes the observation's canonical encoding: the kind, the
// output, the dirty page count followed by each index and its content,
// and the instruction count, with every variable-length field prefixed
// by its big-endian length.
func Digest(observation Observation) Hash {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("determinism: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var scratch [8]byte
	writeUint := func(value uint64) {
		binary.BigEndian.PutUint64(scratch[:], value)
		hasher.Write(scratch[:])
	}
	writeBytes := func(data []byte) {
		writeUint(uint64(len(data)))
		hasher.Write(data)
	}

	writeBytes([]byte(observation.Kind.String()))
	writeBytes(observation.Output)
	writeUint(uint64(len(observation.DirtyPages)))
	for _, page := range observation.DirtyPages {
		writeUint(uint64(page.Index))
		hasher.Write(page.Page[:])
	}
	writeUint(observation.Instructions)

	var digest Hash
	copy(digest[:], hasher.Sum(nil))
	return digest
}
