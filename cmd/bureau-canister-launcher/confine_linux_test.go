// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"path/filepath"
	"slices"
	"testing"

	"github.com/elastic/go-seccomp-bpf"
)

func TestBuildPolicyDefaultDenyList(t *testing.T) {
	policy, err := buildPolicy(&options{errno: 1})
	if err != nil {
		t.Fatalf("buildPolicy: %v", err)
	}
	if policy.DefaultAction != seccomp.ActionAllow {
		t.Errorf("default action = %v, want allow", policy.DefaultAction)
	}
	if len(policy.Syscalls) != 1 {
		t.Fatalf("got %d syscall groups, want 1", len(policy.Syscalls))
	}
	group := policy.Syscalls[0]
	if group.Action != actionErrno(1) {
		t.Errorf("deny action = %#x, want %#x", uint32(group.Action), uint32(actionErrno(1)))
	}
	if !slices.Equal(group.Names, defaultDeny) {
		t.Errorf("names = %v, want the default deny list", group.Names)
	}
	for _, required := range []string{"clone", "execve", "mmap", "mprotect", "recvmsg", "sendmsg"} {
		if slices.Contains(group.Names, required) {
			t.Errorf("default deny list contains %s, which the worker needs", required)
		}
	}
	if _, err := policy.Assemble(); err != nil {
		t.Errorf("default policy does not assemble: %v", err)
	}
}

func TestBuildPolicyCustomDenyList(t *testing.T) {
	policy, err := buildPolicy(&options{deny: []string{"ptrace"}, errno: 13})
	if err != nil {
		t.Fatalf("buildPolicy: %v", err)
	}
	group := policy.Syscalls[0]
	if !slices.Equal(group.Names, []string{"ptrace"}) {
		t.Errorf("names = %v, want [ptrace]", group.Names)
	}
	if uint32(group.Action)&0xffff != 13 {
		t.Errorf("errno = %d, want 13", uint32(group.Action)&0xffff)
	}
}

func TestBuildPolicyMissingFile(t *testing.T) {
	_, err := buildPolicy(&options{policyFile: filepath.Join(t.TempDir(), "missing.yaml"), errno: 1})
	if err == nil {
		t.Fatal("expected an error for a missing policy file")
	}
}
