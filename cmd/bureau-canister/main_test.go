// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/bureau-foundation/canister/lib/config"
	"github.com/bureau-foundation/canister/lib/engine/script"
	"github.com/bureau-foundation/canister/lib/pagemap"
)

type testEnvironment struct {
	*environment
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	stateDir string
	config   string
	module   string
}

// newTestEnvironment returns an environment with a state directory, a
// configuration that keeps every delta, and a script module:
//
//	store:  heap[page 1] = argument, reply "stored"
//	read:   reply heap[page 1][:5]
//	crash:  write heap[page 2], then trap
func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	t.Setenv(config.EnvironmentVariable, "")
	directory := t.TempDir()

	configPath := filepath.Join(directory, "canister.yaml")
	configData := "sandbox:\n  tracker: instrumented\npagemap:\n  flatten_max_deltas: 0\n  flatten_max_delta_pages: 0\n"
	if err := os.WriteFile(configPath, []byte(configData), 0o644); err != nil {
		t.Fatal(err)
	}

	modulePath := filepath.Join(directory, "module.cbor")
	module := script.MustEncode(script.Module{Entries: map[string][]script.Op{
		"store": {
			{Op: script.OpArgToHeap, Offset: pagemap.PageSize},
			{Op: script.OpReply, Data: []byte("stored")},
		},
		"read": {
			{Op: script.OpReplyHeap, Offset: pagemap.PageSize, Length: 5},
		},
		"crash": {
			{Op: script.OpWrite, Offset: 2 * pagemap.PageSize, Data: []byte("lost")},
			{Op: script.OpTrap, Data: []byte("boom")},
		},
	}})
	if err := os.WriteFile(modulePath, module, 0o644); err != nil {
		t.Fatal(err)
	}

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	return &testEnvironment{
		environment: &environment{
			stdout: stdout,
			stderr: stderr,
			logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
		stdout:   stdout,
		stderr:   stderr,
		stateDir: filepath.Join(directory, "state"),
		config:   configPath,
		module:   modulePath,
	}
}

// exec runs the exec command and decodes its JSON output.
func (e *testEnvironment) exec(t *testing.T, args ...string) (resultOutput, error) {
	t.Helper()
	e.stdout.Reset()
	args = append([]string{"exec", "--unsandboxed", "--config", e.config, "--state-dir", e.stateDir}, args...)
	err := run(context.Background(), args, e.environment)
	var output resultOutput
	if e.stdout.Len() > 0 {
		if decodeErr := json.Unmarshal(e.stdout.Bytes(), &output); decodeErr != nil {
			t.Fatalf("decoding exec output %q: %v", e.stdout.String(), decodeErr)
		}
	}
	return output, err
}

func (e *testEnvironment) install(t *testing.T, id string) {
	t.Helper()
	output, err := e.exec(t, "--canister", id, "--engine", script.Name, "--module", e.module,
		"--balance", "500", "--entry", "store", "--arg", "first")
	if err != nil {
		t.Fatalf("installing exec: %v", err)
	}
	if output.Kind != "completed" {
		t.Fatalf("install kind = %s (%s), want completed", output.Kind, output.Error)
	}
}

func TestExecPersistsStateBetweenInvocations(t *testing.T) {
	env := newTestEnvironment(t)
	env.install(t, "counter")

	if _, err := os.Stat(filepath.Join(env.stateDir, "counter", recordFile)); err != nil {
		t.Fatalf("canister record not written: %v", err)
	}

	output, err := env.exec(t, "--canister", "counter", "--entry", "read")
	if err != nil {
		t.Fatalf("read exec: %v", err)
	}
	if output.OutputText != "first" {
		t.Errorf("output = %q, want %q", output.OutputText, "first")
	}
	if output.State == nil || output.State.Balance != 500 {
		t.Errorf("state = %+v, want balance 500", output.State)
	}
	if output.State.Executions != 2 {
		t.Errorf("executions = %d, want 2", output.State.Executions)
	}
	if output.State.HeapPages != 16 {
		t.Errorf("heap pages = %d, want 16", output.State.HeapPages)
	}
}

func TestExecTrapLeavesMemoryUnchanged(t *testing.T) {
	env := newTestEnvironment(t)
	env.install(t, "counter")

	output, err := env.exec(t, "--canister", "counter", "--entry", "crash")
	if err == nil {
		t.Fatal("trapped execution should fail the command")
	}
	if output.Kind != "trapped" {
		t.Fatalf("kind = %s, want trapped", output.Kind)
	}
	if !slices.Equal(output.DirtyPages, []uint64{2}) {
		t.Errorf("dirty pages = %v, want [2]", output.DirtyPages)
	}
	if !strings.Contains(output.Error, "boom") {
		t.Errorf("error = %q, want the trap message", output.Error)
	}

	store, err := pagemap.OpenStore(filepath.Join(env.stateDir, "counter", "heap"), pagemap.StoreOptions{})
	if err != nil {
		t.Fatal(err)
	}
	heap, _, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	page := make([]byte, 4)
	if err := heap.Read(2*pagemap.PageSize, page); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(page, make([]byte, 4)) {
		t.Errorf("trapped write reached the store: %q", page)
	}
}

func TestExecRequiresInstallFlags(t *testing.T) {
	env := newTestEnvironment(t)
	_, err := env.exec(t, "--canister", "fresh", "--entry", "read")
	if err == nil || !strings.Contains(err.Error(), "not installed") {
		t.Fatalf("err = %v, want a not-installed error", err)
	}
}

func TestExecRejectsPathCanisterIDs(t *testing.T) {
	env := newTestEnvironment(t)
	for _, id := range []string{"../escape", "a/b", ".."} {
		_, err := env.exec(t, "--canister", id, "--engine", script.Name, "--module", env.module, "--entry", "read")
		if err == nil {
			t.Errorf("canister ID %q was accepted", id)
		}
	}
}

func TestVerifyAgrees(t *testing.T) {
	env := newTestEnvironment(t)
	env.install(t, "counter")

	env.stdout.Reset()
	err := run(context.Background(), []string{
		"verify", "--unsandboxed", "--config", env.config, "--state-dir", env.stateDir,
		"--canister", "counter", "--entry", "store", "--arg", "again", "--runs", "2", "--local",
	}, env.environment)
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, env.stdout)
	}
	output := env.stdout.String()
	if !strings.Contains(output, "3 executions agree") {
		t.Errorf("output does not report agreement:\n%s", output)
	}
	for _, executor := range []string{"worker-0", "worker-1", "local"} {
		if !strings.Contains(output, executor) {
			t.Errorf("output does not list %s:\n%s", executor, output)
		}
	}
}

func TestVerifyNeedsTwoExecutions(t *testing.T) {
	env := newTestEnvironment(t)
	err := run(context.Background(), []string{
		"verify", "--unsandboxed", "--config", env.config, "--canister", "counter", "--entry", "read", "--runs", "1",
	}, env.environment)
	if err == nil || !strings.Contains(err.Error(), "at least two") {
		t.Fatalf("err = %v, want a two-execution error", err)
	}
}

func TestPagemapInspectAndFlatten(t *testing.T) {
	env := newTestEnvironment(t)
	env.install(t, "counter")
	for _, argument := range []string{"two", "three"} {
		if _, err := env.exec(t, "--canister", "counter", "--entry", "store", "--arg", argument); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}
	heapDirectory := filepath.Join(env.stateDir, "counter", "heap")

	inspect := func() storeOutput {
		t.Helper()
		env.stdout.Reset()
		if err := run(context.Background(), []string{"pagemap", "inspect", "--dir", heapDirectory}, env.environment); err != nil {
			t.Fatalf("inspect: %v", err)
		}
		var output storeOutput
		if err := json.Unmarshal(env.stdout.Bytes(), &output); err != nil {
			t.Fatalf("decoding inspect output: %v", err)
		}
		return output
	}

	before := inspect()
	if before.Version != 3 || before.Deltas != 3 {
		t.Fatalf("before flatten: version %d with %d deltas, want 3 and 3", before.Version, before.Deltas)
	}

	env.stdout.Reset()
	if err := run(context.Background(), []string{"pagemap", "flatten", "--dir", heapDirectory}, env.environment); err != nil {
		t.Fatalf("flatten: %v", err)
	}

	after := inspect()
	if after.Version != 3 || after.Deltas != 0 || after.BaseVersion != 3 {
		t.Errorf("after flatten: %+v, want version 3 as a base with no deltas", after)
	}
	if after.Pages != before.Pages {
		t.Errorf("pages = %d, want %d", after.Pages, before.Pages)
	}

	output, err := env.exec(t, "--canister", "counter", "--entry", "read")
	if err != nil {
		t.Fatalf("exec after flatten: %v", err)
	}
	if output.OutputText != "three" {
		t.Errorf("output after flatten = %q, want %q", output.OutputText, "three")
	}
}

func TestLauncherArgs(t *testing.T) {
	launcher := config.LauncherConfig{
		AddressSpaceBytes: 1 << 30,
		OpenFiles:         64,
		Seccomp: config.SeccompConfig{
			Enabled: true,
			Deny:    []string{"ptrace", "bpf"},
			Errno:   1,
		},
	}
	want := []string{
		"--address-space-bytes=1073741824",
		"--open-files=64",
		"--seccomp=true",
		"--deny=ptrace,bpf",
		"--errno=1",
	}
	if got := launcherArgs(launcher); !slices.Equal(got, want) {
		t.Errorf("launcherArgs = %v, want %v", got, want)
	}

	launcher.Seccomp.Enabled = false
	want = []string{"--address-space-bytes=1073741824", "--open-files=64", "--seccomp=false"}
	if got := launcherArgs(launcher); !slices.Equal(got, want) {
		t.Errorf("launcherArgs without seccomp = %v, want %v", got, want)
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnvironment(t)
	if err := run(context.Background(), []string{"frobnicate"}, env.environment); err != errUsage {
		t.Errorf("err = %v, want errUsage", err)
	}
	if !strings.Contains(env.stderr.String(), "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", env.stderr.String())
	}
}
