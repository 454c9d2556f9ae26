// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package determinism

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// ErrMismatch matches every *MismatchError.
var ErrMismatch = errors.New("determinism mismatch")

// Components of an observation, as named in MismatchError.
const (
	ComponentKind          = "kind"
	ComponentOutput        = "output"
	ComponentDirtyPages    = "dirty_pages"
	ComponentDirtyContents = "dirty_contents"
	ComponentInstructions  = "instructions"
)

// MismatchError reports two executions of the same input that diverged.
// It indicates a defect in an engine or in memory tracking, never a
// contract error, and must not be retried away.
type MismatchError struct {
	// A and B name the executions compared. Empty for a bare Compare.
	A, B string

	Components []string
	DigestA    Hash
	DigestB    Hash
}

func (e *MismatchError) Error() string {
	var between string
	if e.A != "" || e.B != "" {
		between = fmt.Sprintf(" between %s and %s", e.A, e.B)
	}
	return fmt.Sprintf("determinism mismatch%s: %s differ (%s vs %s)",
		between, strings.Join(e.Components, ", "), e.DigestA, e.DigestB)
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// Compare returns nil if a and b are identical, or a *MismatchError
// listing the components that differ.
func Compare(a, b Observation) error {
	var components []string
	if a.Kind != b.Kind {
		components = append(components, ComponentKind)
	}
	if !bytes.Equal(a.Output, b.Output) {
		components = append(components, ComponentOutput)
	}
	if !slices.Equal(indices(a.DirtyPages), indices(b.DirtyPages)) {
		components = append(components, ComponentDirtyPages)
	} else if !sameContents(a.DirtyPages, b.DirtyPages) {
		components = append(components, ComponentDirtyContents)
	}
	if a.Instructions != b.Instructions {
		components = append(components, ComponentInstructions)
	}

	digestA, digestB := Digest(a), Digest(b)
	if len(components) == 0 && digestA == digestB {
		return nil
	}
	return &MismatchError{Components: components, DigestA: digestA, DigestB: digestB}
}

func indices(pages []pagemap.IndexedPage) []pagemap.PageIndex {
	result := make([]pagemap.PageIndex, len(pages))
	for position, page := range pages {
		result[position] = page.Index
	}
	return result
}

// sameContents compares page contents of two lists with equal indices.
func sameContents(a, b []pagemap.IndexedPage) bool {
	for position := range a {
		if *a[position].Page != *b[position].Page {
			return false
		}
	}
	return true
}
