// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-canister-launcher confines itself and then executes the
// sandbox worker in its place. The controller starts it as
//
//	bureau-canister-launcher [flags] -- <sandbox-binary> [args...]
//
// It sets resource limits (address space, CPU time, open files), loads
// a seccomp filter with no_new_privs, and calls execve. The filter and
// limits are inherited by the worker and cannot be lifted from inside
// it. The worker's IPC sockets on fds 3 and 4 pass through the exec
// unchanged.
//
// Without --policy-file the filter allows everything except a fixed
// deny list of syscalls a canister worker never needs (mounts, module
// loading, tracing, namespaces, new sockets). Denied syscalls fail with
// --errno. A policy file replaces the deny list with a complete
// go-seccomp-bpf policy in YAML.
//
// The launcher only works on Linux.
package main
