// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "canister.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Sandbox.RegularWorkers != 4 || cfg.Sandbox.PrivilegedWorkers != 1 {
		t.Errorf("expected 4 regular and 1 privileged workers, got %d and %d",
			cfg.Sandbox.RegularWorkers, cfg.Sandbox.PrivilegedWorkers)
	}
	if cfg.PageMap.FlattenMaxDeltas != 16 || cfg.PageMap.FlattenMaxDeltaPages != 16384 {
		t.Errorf("unexpected flatten defaults: %+v", cfg.PageMap)
	}
	if !cfg.Launcher.Seccomp.Enabled {
		t.Error("expected seccomp enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresCanisterConfig(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CANISTER_CONFIG not set, got nil")
	}

	expectedMsg := "CANISTER_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithCanisterConfig(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging
paths:
  root: /test/root
`)
	t.Setenv(EnvironmentVariable, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Paths.Root != "/test/root" {
		t.Errorf("expected root=/test/root, got %s", cfg.Paths.Root)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging

paths:
  root: /custom/root
  state_dir: /custom/state

sandbox:
  sandbox_path: /opt/bin/bureau-canister-sandbox
  regular_workers: 8
  execution_timeout: 5s
  tracker: instrumented

launcher:
  open_files: 32
  seccomp:
    enabled: false
    deny: [ptrace, mount]

pagemap:
  compression: zstd
  flatten_max_deltas: 4
  maintenance_interval: 30s
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Paths.State != "/custom/state" {
		t.Errorf("expected state_dir=/custom/state, got %s", cfg.Paths.State)
	}
	if cfg.Sandbox.RegularWorkers != 8 {
		t.Errorf("expected regular_workers=8, got %d", cfg.Sandbox.RegularWorkers)
	}
	if cfg.Sandbox.PrivilegedWorkers != 1 {
		t.Errorf("expected privileged_workers default 1, got %d", cfg.Sandbox.PrivilegedWorkers)
	}
	if cfg.ExecutionTimeout() != 5*time.Second {
		t.Errorf("expected execution timeout 5s, got %s", cfg.ExecutionTimeout())
	}
	if cfg.SpawnTimeout() != 10*time.Second {
		t.Errorf("expected default spawn timeout 10s, got %s", cfg.SpawnTimeout())
	}
	if cfg.Sandbox.Tracker != "instrumented" {
		t.Errorf("expected tracker=instrumented, got %s", cfg.Sandbox.Tracker)
	}
	if cfg.Launcher.OpenFiles != 32 || cfg.Launcher.Seccomp.Enabled {
		t.Errorf("unexpected launcher config: %+v", cfg.Launcher)
	}
	if len(cfg.Launcher.Seccomp.Deny) != 2 || cfg.Launcher.Seccomp.Deny[0] != "ptrace" {
		t.Errorf("unexpected deny list: %v", cfg.Launcher.Seccomp.Deny)
	}
	if cfg.PageMap.Compression != "zstd" || cfg.PageMap.FlattenMaxDeltas != 4 {
		t.Errorf("unexpected pagemap config: %+v", cfg.PageMap)
	}
	if cfg.MaintenanceInterval() != 30*time.Second {
		t.Errorf("expected maintenance interval 30s, got %s", cfg.MaintenanceInterval())
	}
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	configPath := writeConfig(t, "sandbox: [unclosed")
	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("LoadFile accepted malformed YAML")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: production

paths:
  root: /default/root

sandbox:
  regular_workers: 2

launcher:
  seccomp:
    enabled: false

production:
  paths:
    root: /prod/root
  sandbox:
    regular_workers: 16
    tracker: protect
  pagemap:
    compression: none
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Root != "/prod/root" {
		t.Errorf("expected root=/prod/root, got %s", cfg.Paths.Root)
	}
	if cfg.Sandbox.RegularWorkers != 16 {
		t.Errorf("expected regular_workers=16, got %d", cfg.Sandbox.RegularWorkers)
	}
	if cfg.Sandbox.Tracker != "protect" {
		t.Errorf("expected tracker=protect, got %s", cfg.Sandbox.Tracker)
	}
	if cfg.PageMap.Compression != "none" {
		t.Errorf("expected compression=none, got %s", cfg.PageMap.Compression)
	}
	if !cfg.Launcher.Seccomp.Enabled {
		t.Error("expected production to force seccomp on")
	}
}

func TestOverridesForOtherEnvironmentsIgnored(t *testing.T) {
	configPath := writeConfig(t, `
environment: development
sandbox:
  regular_workers: 2
staging:
  sandbox:
    regular_workers: 9
`)
	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Sandbox.RegularWorkers != 2 {
		t.Errorf("expected regular_workers=2, got %d", cfg.Sandbox.RegularWorkers)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// Environment variables that look like config keys are ignored.
	t.Setenv("CANISTER_ROOT", "/env/root")
	t.Setenv("CANISTER_ENVIRONMENT", "staging")

	configPath := writeConfig(t, `
environment: development
paths:
  root: /file/root
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Environment != Development {
		t.Errorf("expected environment=development from file, got %s (env vars should not override)", cfg.Environment)
	}
	if cfg.Paths.Root != "/file/root" {
		t.Errorf("expected root=/file/root from file, got %s (env vars should not override)", cfg.Paths.Root)
	}
}

func TestPathExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/operator")
	configPath := writeConfig(t, `
paths:
  root: ${HOME}/canister
  bin: ${CANISTER_ROOT}/bin
  state_dir: ${CANISTER_STATE:-/var/lib/canister}
`)
	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Paths.Root != "/home/operator/canister" {
		t.Errorf("root = %s", cfg.Paths.Root)
	}
	if cfg.Paths.Bin != "/home/operator/canister/bin" {
		t.Errorf("bin = %s", cfg.Paths.Bin)
	}
	if cfg.Paths.State != "/var/lib/canister" {
		t.Errorf("state_dir = %s", cfg.Paths.State)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/canister",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/canister",
		},
		{
			input:    "${MISSING_CANISTER_TEST_VAR:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{
			name:    "invalid environment",
			modify:  func(c *Config) { c.Environment = "invalid" },
			wantErr: "invalid environment",
		},
		{
			name:    "empty root path",
			modify:  func(c *Config) { c.Paths.Root = "" },
			wantErr: "paths.root",
		},
		{
			name:    "no regular workers",
			modify:  func(c *Config) { c.Sandbox.RegularWorkers = 0 },
			wantErr: "sandbox.regular_workers",
		},
		{
			name:    "unparseable timeout",
			modify:  func(c *Config) { c.Sandbox.ExecutionTimeout = "soon" },
			wantErr: "sandbox.execution_timeout",
		},
		{
			name:    "negative interval",
			modify:  func(c *Config) { c.PageMap.MaintenanceInterval = "-1m" },
			wantErr: "pagemap.maintenance_interval",
		},
		{
			name:    "unknown tracker",
			modify:  func(c *Config) { c.Sandbox.Tracker = "guess" },
			wantErr: "sandbox.tracker",
		},
		{
			name:    "unknown compression",
			modify:  func(c *Config) { c.PageMap.Compression = "gzip" },
			wantErr: "pagemap.compression",
		},
		{
			name:    "errno too large",
			modify:  func(c *Config) { c.Launcher.Seccomp.Errno = 1 << 20 },
			wantErr: "launcher.seccomp.errno",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsEveryError(t *testing.T) {
	cfg := Default()
	cfg.Paths.Root = ""
	cfg.Sandbox.RegularWorkers = -1
	cfg.PageMap.Compression = "gzip"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"paths.root", "sandbox.regular_workers", "pagemap.compression"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q does not mention %s", err, want)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.Root = filepath.Join(tmpDir, "canister")
	cfg.Paths.State = filepath.Join(cfg.Paths.Root, "state")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, path := range []string{cfg.Paths.Root, cfg.Paths.State} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}

func TestBinaryPath(t *testing.T) {
	binDir := t.TempDir()
	installed := filepath.Join(binDir, "bureau-canister-sandbox")
	if err := os.WriteFile(installed, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.Paths.Bin = binDir

	path, err := cfg.BinaryPath("bureau-canister-sandbox")
	if err != nil || path != installed {
		t.Errorf("BinaryPath = %q, %v; want %q", path, err, installed)
	}
	if path, err := cfg.BinaryPath("/opt/custom/sandbox"); err != nil || path != "/opt/custom/sandbox" {
		t.Errorf("BinaryPath of an absolute path = %q, %v", path, err)
	}
	if _, err := cfg.BinaryPath("definitely-not-installed-canister-binary"); err == nil {
		t.Error("BinaryPath found a missing binary")
	}
}
