// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagemap

// Default flatten thresholds. Neither the delta count nor the delta
// volume has a natural bound, so these were picked to keep the
// worst-case lookup walk short (16 map lookups) while flattening at most
// every few dozen rounds for typical workloads that dirty a handful of
// pages per round. 16384 pages is 64 MiB of delta content.
const (
	DefaultMaxDeltas     = 16
	DefaultMaxDeltaPages = 16384
)

// FlattenPolicy decides when a delta chain has grown long enough to be
// collapsed. A zero field disables that trigger; the zero policy never
// flattens.
type FlattenPolicy struct {
	// MaxDeltas triggers a flatten when the number of delta layers
	// exceeds it. Bounds read latency.
	MaxDeltas int `yaml:"max_deltas"`

	// MaxDeltaPages triggers a flatten when the total number of page
	// entries across delta layers exceeds it. Bounds memory held by
	// superseded page versions.
	MaxDeltaPages uint64 `yaml:"max_delta_pages"`
}

// DefaultFlattenPolicy returns the policy used when configuration does
// not override it.
func DefaultFlattenPolicy() FlattenPolicy {
	return FlattenPolicy{
		MaxDeltas:     DefaultMaxDeltas,
		MaxDeltaPages: DefaultMaxDeltaPages,
	}
}

// ShouldFlatten reports whether m exceeds either threshold.
func (p FlattenPolicy) ShouldFlatten(m *PageMap) bool {
	if p.MaxDeltas > 0 && m.DeltaCount() > p.MaxDeltas {
		return true
	}
	if p.MaxDeltaPages > 0 && m.DeltaPages() > p.MaxDeltaPages {
		return true
	}
	return false
}
