// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile replaces files so that readers, including a
// process restarting after a crash, see either the complete old content
// or the complete new content and never a torn write.
//
// [WriteFile] writes to a temporary sibling, fsyncs it, renames it over
// the destination, and fsyncs the parent directory so the rename itself
// survives power loss. lib/pagemap uses it for every base and delta
// file: a page-map version counts as durably flushed exactly when its
// file has been renamed into place.
//
// This package has no dependencies on other canister packages.
package atomicfile
