// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// maintain runs Flatten every MaintenanceInterval until ctx ends.
func (c *Controller) maintain(ctx context.Context) {
	defer close(c.maintenanceStopped)
	ticker := c.clock.NewTicker(c.config.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flatten()
		}
	}
}

// Flatten flattens the heap and stable maps of every canister that
// exceeds the flatten policy and returns how many maps it flattened.
// The merge work happens against a snapshot, outside every lock;
// executions that complete meanwhile are kept by rebasing their deltas
// onto the flattened base.
func (c *Controller) Flatten() int {
	policy := c.config.FlattenPolicy
	c.mu.Lock()
	entries := make([]*canister, 0, len(c.canisters))
	for _, entry := range c.canisters {
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	flattened := 0
	for _, entry := range entries {
		snapshot := entry.current.Load()
		var heap, stable *pagemap.PageMap
		if policy.ShouldFlatten(snapshot.Heap) {
			heap = snapshot.Heap.Flatten()
		}
		if policy.ShouldFlatten(snapshot.Stable) {
			stable = snapshot.Stable.Flatten()
		}
		if heap == nil && stable == nil {
			continue
		}

		_, err := entry.update(func(current *CanisterState) (*CanisterState, error) {
			next := *current
			if heap != nil {
				rebased, err := current.Heap.Rebase(heap, snapshot.Heap)
				if err != nil {
					return nil, fmt.Errorf("heap: %w", err)
				}
				next.Heap = rebased
			}
			if stable != nil {
				rebased, err := current.Stable.Rebase(stable, snapshot.Stable)
				if err != nil {
					return nil, fmt.Errorf("stable: %w", err)
				}
				next.Stable = rebased
			}
			return &next, nil
		})
		if err != nil {
			c.logger.Warn("discarding flatten", "canister_id", snapshot.ID, "error", err)
			continue
		}
		for _, done := range []*pagemap.PageMap{heap, stable} {
			if done != nil {
				flattened++
				c.metrics.flattens.Inc()
			}
		}
		c.logger.Debug("flattened canister",
			"canister_id", snapshot.ID,
			"heap", heap != nil,
			"stable", stable != nil,
		)
	}
	return flattened
}
