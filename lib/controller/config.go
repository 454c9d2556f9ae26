// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/canister/lib/clock"
	"github.com/bureau-foundation/canister/lib/pagemap"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultExecutionTimeout    = 30 * time.Second
	DefaultSpawnTimeout        = 10 * time.Second
	DefaultMaintenanceInterval = time.Minute
	DefaultInstructionLimit    = 5_000_000_000
)

// Config configures a Controller.
type Config struct {
	// RegularWorkers and PrivilegedWorkers bound the worker processes
	// of each pool. Privileged requests never wait behind regular
	// ones. Zero RegularWorkers is invalid; zero PrivilegedWorkers
	// disables the privileged pool.
	RegularWorkers    int
	PrivilegedWorkers int

	// ExecutionTimeout bounds one execution. The worker is killed when
	// it expires. Requests may override it.
	ExecutionTimeout time.Duration

	// SpawnTimeout bounds starting one worker.
	SpawnTimeout time.Duration

	// InstructionLimit is used for requests that do not set one.
	InstructionLimit uint64

	// MaxStablePages limits stable memory growth, in 64 KiB pages.
	// Zero means the system API default.
	MaxStablePages uint64

	// FlattenPolicy decides when maintenance flattens a canister.
	// The zero value disables flattening.
	FlattenPolicy pagemap.FlattenPolicy

	// MaintenanceInterval is the period of the flatten loop. Zero
	// means DefaultMaintenanceInterval; negative disables the loop.
	MaintenanceInterval time.Duration

	// Spawner starts workers. Required.
	Spawner Spawner

	// Clock drives timeouts and maintenance. Nil means clock.Real().
	Clock clock.Clock

	// Logger nil means slog.Default().
	Logger *slog.Logger

	// Registerer receives the controller's metrics. Nil means a
	// private registry.
	Registerer prometheus.Registerer
}

func (c *Config) applyDefaults() {
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.SpawnTimeout == 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.InstructionLimit == 0 {
		c.InstructionLimit = DefaultInstructionLimit
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.RegularWorkers <= 0 {
		errs = append(errs, fmt.Errorf("regular workers must be positive, got %d", c.RegularWorkers))
	}
	if c.PrivilegedWorkers < 0 {
		errs = append(errs, fmt.Errorf("privileged workers must not be negative, got %d", c.PrivilegedWorkers))
	}
	if c.ExecutionTimeout < 0 {
		errs = append(errs, fmt.Errorf("execution timeout must not be negative, got %s", c.ExecutionTimeout))
	}
	if c.SpawnTimeout < 0 {
		errs = append(errs, fmt.Errorf("spawn timeout must not be negative, got %s", c.SpawnTimeout))
	}
	if c.Spawner == nil {
		errs = append(errs, errors.New("spawner is required"))
	}
	return errors.Join(errs...)
}
