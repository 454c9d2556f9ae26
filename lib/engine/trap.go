// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
)

// Trap is a failure caused by the executing contract: an explicit trap
// call, an out-of-bounds access, an invalid system API argument. Traps
// are final for the request and never indicate a sandbox defect.
type Trap struct {
	Message string
}

func (t *Trap) Error() string {
	return "canister trapped: " + t.Message
}

// Trapf returns a Trap with a formatted message.
func Trapf(format string, args ...any) *Trap {
	return &Trap{Message: fmt.Sprintf(format, args...)}
}

// AsTrap returns the Trap in err's chain, if any.
func AsTrap(err error) (*Trap, bool) {
	var trap *Trap
	if errors.As(err, &trap) {
		return trap, true
	}
	return nil, false
}
