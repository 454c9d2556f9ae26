// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// defaultDeny lists syscalls a sandbox worker never makes. Its IPC
// sockets already exist when it starts, so creating sockets is denied
// too. Every name exists on both amd64 and arm64.
var defaultDeny = []string{
	"ptrace", "process_vm_readv", "process_vm_writev",
	"mount", "umount2", "pivot_root", "chroot",
	"unshare", "setns",
	"kexec_load", "kexec_file_load", "init_module", "finit_module", "delete_module",
	"bpf", "perf_event_open", "userfaultfd",
	"add_key", "request_key", "keyctl",
	"reboot", "swapon", "swapoff", "acct",
	"settimeofday", "clock_settime", "clock_adjtime", "adjtimex",
	"open_by_handle_at", "name_to_handle_at",
	"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
}

// inheritedFiles are the worker IPC descriptors that must survive exec.
var inheritedFiles = []int{3, 4}

func actionErrno(errno uint32) seccomp.Action {
	return seccomp.Action(uint32(seccomp.ActionErrno) | (errno & 0xffff))
}

// buildPolicy returns the filter policy for parsed: the policy file if
// one is named, else an allow-by-default policy denying parsed.deny
// or defaultDeny with parsed.errno.
func buildPolicy(parsed *options) (*seccomp.Policy, error) {
	if parsed.policyFile != "" {
		data, err := os.ReadFile(parsed.policyFile)
		if err != nil {
			return nil, fmt.Errorf("reading seccomp policy: %w", err)
		}
		var policy seccomp.Policy
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("parsing seccomp policy %s: %w", parsed.policyFile, err)
		}
		return &policy, nil
	}
	deny := parsed.deny
	if len(deny) == 0 {
		deny = defaultDeny
	}
	return &seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
		Syscalls: []seccomp.SyscallGroup{{
			Action: actionErrno(parsed.errno),
			Names:  deny,
		}},
	}, nil
}

func setLimit(resource int, name string, value uint64) error {
	if value == 0 {
		return nil
	}
	if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
		return fmt.Errorf("setting %s to %d: %w", name, value, err)
	}
	return nil
}

func confineAndExec(parsed *options) error {
	binary, err := exec.LookPath(parsed.command[0])
	if err != nil {
		return fmt.Errorf("finding sandbox binary: %w", err)
	}

	for _, fd := range inheritedFiles {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0); err != nil {
			return fmt.Errorf("keeping fd %d across exec: %w", fd, err)
		}
	}

	if err := setLimit(unix.RLIMIT_AS, "RLIMIT_AS", parsed.addressSpaceBytes); err != nil {
		return err
	}
	if err := setLimit(unix.RLIMIT_CPU, "RLIMIT_CPU", parsed.cpuSeconds); err != nil {
		return err
	}
	if err := setLimit(unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", parsed.openFiles); err != nil {
		return err
	}

	if parsed.seccomp {
		policy, err := buildPolicy(parsed)
		if err != nil {
			return err
		}
		if err := seccomp.LoadFilter(seccomp.Filter{
			NoNewPrivs: true,
			Flag:       seccomp.FilterFlagTSync,
			Policy:     *policy,
		}); err != nil {
			return fmt.Errorf("loading seccomp filter: %w", err)
		}
	}

	if err := unix.Exec(binary, parsed.command, os.Environ()); err != nil {
		return fmt.Errorf("executing %s: %w", binary, err)
	}
	return nil
}
