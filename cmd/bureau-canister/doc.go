// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-canister is the operator CLI for the canister sandbox. It
// runs canister executions through a controller and its sandboxed
// workers, persists canister memory between invocations, checks
// executions for determinism, and inspects page stores.
//
// Usage:
//
//	bureau-canister exec --canister <id> --entry <name> [flags]
//	bureau-canister verify --canister <id> --entry <name> [flags]
//	bureau-canister pagemap inspect --dir <store>
//	bureau-canister pagemap flatten --dir <store>
//	bureau-canister version
//
// Canister state lives under <state-dir>/<canister-id>/: canister.cbor
// holds the engine, module, cycle balance and certified data, and the
// heap/ and stable/ directories are page stores. The first exec of a
// canister installs it from --engine and --module; later execs reuse
// the stored module unless --module replaces it.
//
// Configuration comes from --config, else the file named by
// CANISTER_CONFIG, else built-in defaults.
package main
