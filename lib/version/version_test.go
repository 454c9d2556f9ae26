// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	if !strings.HasPrefix(info, Version+" (") {
		t.Errorf("Info() = %q, want it to start with the version", info)
	}
	if !strings.Contains(info, Commit()) {
		t.Errorf("Info() = %q does not contain the commit %q", info, Commit())
	}
	if Short() != Version {
		t.Errorf("Short() = %q, want %q", Short(), Version)
	}
}

func TestWithDefaults(t *testing.T) {
	b := build{}.withDefaults()
	if b.commit != "unknown" || b.time != "unknown" {
		t.Errorf("withDefaults() = %+v, want unknown commit and time", b)
	}
	b = build{commit: "abc1234", time: "now"}.withDefaults()
	if b.commit != "abc1234" || b.time != "now" {
		t.Errorf("withDefaults() replaced set values: %+v", b)
	}
}
