// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash identifies canister binaries by their BLAKE3 digest.
//
// A determinism check only means something if the workers compared ran
// the same code. The sandbox worker logs [HashSelf] at startup and
// `bureau-canister version` prints the digests of the launcher and
// sandbox binaries the configuration resolves to, so a divergence can
// be traced to a mixed deployment.
package binhash
