// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is not given.
const EnvironmentVariable = "CANISTER_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the canister runtime.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Sandbox configures worker processes and execution limits.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Launcher configures the confinement applied before a worker
	// starts.
	Launcher LauncherConfig `yaml:"launcher"`

	// PageMap configures page storage and maintenance.
	PageMap PageMapConfig `yaml:"pagemap"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Sandbox  *SandboxConfig  `yaml:"sandbox,omitempty"`
	Launcher *LauncherConfig `yaml:"launcher,omitempty"`
	PageMap  *PageMapConfig  `yaml:"pagemap,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for runtime data.
	Root string `yaml:"root"`

	// Bin is where the launcher and sandbox binaries are installed.
	// Relative binary names are resolved here before PATH.
	Bin string `yaml:"bin"`

	// State holds one page store directory per canister memory.
	State string `yaml:"state_dir"`
}

// SandboxConfig configures worker processes.
type SandboxConfig struct {
	// LauncherPath is the confinement launcher. Empty runs the
	// sandbox binary directly, without rlimits or seccomp.
	// Default: bureau-canister-launcher
	LauncherPath string `yaml:"launcher_path"`

	// SandboxPath is the worker binary.
	// Default: bureau-canister-sandbox
	SandboxPath string `yaml:"sandbox_path"`

	// RegularWorkers bounds the regular pool.
	// Default: 4
	RegularWorkers int `yaml:"regular_workers"`

	// PrivilegedWorkers bounds the privileged pool. Zero disables it.
	// Default: 1
	PrivilegedWorkers int `yaml:"privileged_workers"`

	// ExecutionTimeout is how long one execution may run before its
	// worker is killed.
	// Default: 30s
	ExecutionTimeout string `yaml:"execution_timeout"`

	// SpawnTimeout is how long a worker may take to start.
	// Default: 10s
	SpawnTimeout string `yaml:"spawn_timeout"`

	// InstructionLimit is the default per-execution instruction limit.
	// Default: 5000000000
	InstructionLimit uint64 `yaml:"instruction_limit"`

	// Tracker selects how workers find dirty pages: "protect" or
	// "instrumented". Empty picks the best mechanism the host supports.
	Tracker string `yaml:"tracker"`
}

// LauncherConfig configures worker confinement.
type LauncherConfig struct {
	// AddressSpaceBytes is RLIMIT_AS. Zero leaves it unchanged.
	// Default: 8 GiB
	AddressSpaceBytes uint64 `yaml:"address_space_bytes"`

	// CPUSeconds is RLIMIT_CPU. Zero leaves it unchanged.
	CPUSeconds uint64 `yaml:"cpu_seconds"`

	// OpenFiles is RLIMIT_NOFILE.
	// Default: 64
	OpenFiles uint64 `yaml:"open_files"`

	// Seccomp configures the syscall filter.
	Seccomp SeccompConfig `yaml:"seccomp"`
}

// SeccompConfig configures the worker syscall filter.
type SeccompConfig struct {
	// Enabled loads a filter before the worker starts.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Deny lists syscalls that fail with Errno. Empty means the
	// launcher's built-in deny list.
	Deny []string `yaml:"deny,omitempty"`

	// Errno is returned by denied syscalls.
	// Default: 1 (EPERM)
	Errno uint32 `yaml:"errno"`

	// PolicyFile replaces the deny list with a complete policy in
	// YAML. Takes precedence over Deny.
	PolicyFile string `yaml:"policy_file,omitempty"`
}

// PageMapConfig configures page storage and maintenance.
type PageMapConfig struct {
	// FlattenMaxDeltas flattens a memory once it has more delta layers.
	// Zero disables the trigger.
	// Default: 16
	FlattenMaxDeltas int `yaml:"flatten_max_deltas"`

	// FlattenMaxDeltaPages flattens a memory once its deltas hold more
	// pages in total. Zero disables the trigger.
	// Default: 16384
	FlattenMaxDeltaPages uint64 `yaml:"flatten_max_delta_pages"`

	// Compression for page files: "none", "lz4" or "zstd".
	// Default: lz4
	Compression string `yaml:"compression"`

	// MaintenanceInterval is the period of the flatten loop.
	// Default: 1m
	MaintenanceInterval string `yaml:"maintenance_interval"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "bureau-canister")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			Bin:   filepath.Join(defaultRoot, "bin"),
			State: filepath.Join(defaultRoot, "state"),
		},
		Sandbox: SandboxConfig{
			LauncherPath:      "bureau-canister-launcher",
			SandboxPath:       "bureau-canister-sandbox",
			RegularWorkers:    4,
			PrivilegedWorkers: 1,
			ExecutionTimeout:  "30s",
			SpawnTimeout:      "10s",
			InstructionLimit:  5_000_000_000,
		},
		Launcher: LauncherConfig{
			AddressSpaceBytes: 8 << 30,
			OpenFiles:         64,
			Seccomp: SeccompConfig{
				Enabled: true,
				Errno:   1,
			},
		},
		PageMap: PageMapConfig{
			FlattenMaxDeltas:     16,
			FlattenMaxDeltaPages: 16384,
			Compression:          "lz4",
			MaintenanceInterval:  "1m",
		},
	}
}

// Load loads configuration from the CANISTER_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if CANISTER_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your canister.yaml config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values. The only expansion performed is ${HOME} and similar
// path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production always confines workers, whatever the file says.
		defer func() { c.Launcher.Seccomp.Enabled = true }()
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		setString(&c.Paths.Root, overrides.Paths.Root)
		setString(&c.Paths.Bin, overrides.Paths.Bin)
		setString(&c.Paths.State, overrides.Paths.State)
	}

	if sandbox := overrides.Sandbox; sandbox != nil {
		setString(&c.Sandbox.LauncherPath, sandbox.LauncherPath)
		setString(&c.Sandbox.SandboxPath, sandbox.SandboxPath)
		setString(&c.Sandbox.ExecutionTimeout, sandbox.ExecutionTimeout)
		setString(&c.Sandbox.SpawnTimeout, sandbox.SpawnTimeout)
		setString(&c.Sandbox.Tracker, sandbox.Tracker)
		if sandbox.RegularWorkers != 0 {
			c.Sandbox.RegularWorkers = sandbox.RegularWorkers
		}
		if sandbox.PrivilegedWorkers != 0 {
			c.Sandbox.PrivilegedWorkers = sandbox.PrivilegedWorkers
		}
		if sandbox.InstructionLimit != 0 {
			c.Sandbox.InstructionLimit = sandbox.InstructionLimit
		}
	}

	if launcher := overrides.Launcher; launcher != nil {
		if launcher.AddressSpaceBytes != 0 {
			c.Launcher.AddressSpaceBytes = launcher.AddressSpaceBytes
		}
		if launcher.CPUSeconds != 0 {
			c.Launcher.CPUSeconds = launcher.CPUSeconds
		}
		if launcher.OpenFiles != 0 {
			c.Launcher.OpenFiles = launcher.OpenFiles
		}
		// Enabled is a bool, so we always apply it from overrides.
		c.Launcher.Seccomp.Enabled = launcher.Seccomp.Enabled
		if len(launcher.Seccomp.Deny) > 0 {
			c.Launcher.Seccomp.Deny = launcher.Seccomp.Deny
		}
		if launcher.Seccomp.Errno != 0 {
			c.Launcher.Seccomp.Errno = launcher.Seccomp.Errno
		}
		setString(&c.Launcher.Seccomp.PolicyFile, launcher.Seccomp.PolicyFile)
	}

	if pageMap := overrides.PageMap; pageMap != nil {
		if pageMap.FlattenMaxDeltas != 0 {
			c.PageMap.FlattenMaxDeltas = pageMap.FlattenMaxDeltas
		}
		if pageMap.FlattenMaxDeltaPages != 0 {
			c.PageMap.FlattenMaxDeltaPages = pageMap.FlattenMaxDeltaPages
		}
		setString(&c.PageMap.Compression, pageMap.Compression)
		setString(&c.PageMap.MaintenanceInterval, pageMap.MaintenanceInterval)
	}
}

func setString(field *string, override string) {
	if override != "" {
		*field = override
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"CANISTER_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["CANISTER_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Sandbox.LauncherPath = expandVars(c.Sandbox.LauncherPath, vars)
	c.Sandbox.SandboxPath = expandVars(c.Sandbox.SandboxPath, vars)
	c.Launcher.Seccomp.PolicyFile = expandVars(c.Launcher.Seccomp.PolicyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, errors.New("paths.state_dir is required"))
	}

	if c.Sandbox.SandboxPath == "" {
		errs = append(errs, errors.New("sandbox.sandbox_path is required"))
	}
	if c.Sandbox.RegularWorkers <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.regular_workers must be positive, got %d", c.Sandbox.RegularWorkers))
	}
	if c.Sandbox.PrivilegedWorkers < 0 {
		errs = append(errs, fmt.Errorf("sandbox.privileged_workers must not be negative, got %d", c.Sandbox.PrivilegedWorkers))
	}
	errs = appendDurationError(errs, "sandbox.execution_timeout", c.Sandbox.ExecutionTimeout)
	errs = appendDurationError(errs, "sandbox.spawn_timeout", c.Sandbox.SpawnTimeout)
	errs = appendDurationError(errs, "pagemap.maintenance_interval", c.PageMap.MaintenanceInterval)

	trackers := []string{"", "protect", "instrumented"}
	if !slices.Contains(trackers, c.Sandbox.Tracker) {
		errs = append(errs, fmt.Errorf("sandbox.tracker must be one of: protect, instrumented"))
	}

	compressions := []string{"none", "lz4", "zstd"}
	if !slices.Contains(compressions, c.PageMap.Compression) {
		errs = append(errs, fmt.Errorf("pagemap.compression must be one of: %v", compressions))
	}
	if c.PageMap.FlattenMaxDeltas < 0 {
		errs = append(errs, fmt.Errorf("pagemap.flatten_max_deltas must not be negative, got %d", c.PageMap.FlattenMaxDeltas))
	}

	if c.Launcher.Seccomp.Errno > 0xffff {
		errs = append(errs, fmt.Errorf("launcher.seccomp.errno %d does not fit in 16 bits", c.Launcher.Seccomp.Errno))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func appendDurationError(errs []error, name, value string) []error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if duration <= 0 {
		return append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
	}
	return errs
}

// ExecutionTimeout returns sandbox.execution_timeout. Call after Validate.
func (c *Config) ExecutionTimeout() time.Duration {
	return mustDuration(c.Sandbox.ExecutionTimeout)
}

// SpawnTimeout returns sandbox.spawn_timeout. Call after Validate.
func (c *Config) SpawnTimeout() time.Duration {
	return mustDuration(c.Sandbox.SpawnTimeout)
}

// MaintenanceInterval returns pagemap.maintenance_interval. Call after
// Validate.
func (c *Config) MaintenanceInterval() time.Duration {
	return mustDuration(c.PageMap.MaintenanceInterval)
}

func mustDuration(value string) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		panic("config: duration used before Validate: " + err.Error())
	}
	return duration
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// BinaryPath resolves a binary name. Absolute and relative paths
// containing a separator are returned unchanged. Bare names are looked
// up in Paths.Bin first, then PATH.
func (c *Config) BinaryPath(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty binary name")
	}
	if filepath.Base(name) != name {
		return name, nil
	}

	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
