// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the canister subsystem's standard CBOR
// encoding configuration.
//
// Every internal byte format uses CBOR through this package: the
// controller↔worker IPC frames (lib/sandboxipc), page-map file headers
// (lib/pagemap), script engine modules (lib/engine/script) and the CLI's
// canister records. JSON is reserved for operator-facing output from
// cmd/bureau-canister.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same logical value always produces identical bytes; page-map headers
// are covered by checksums and must re-encode identically.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types that are only ever CBOR carry `cbor` struct tags.
package codec
