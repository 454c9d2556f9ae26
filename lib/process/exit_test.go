// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLogger(t *testing.T) {
	for _, debug := range []bool{false, true} {
		value := ""
		if debug {
			value = "1"
		}
		t.Setenv(DebugEnvironment, value)

		var buffer bytes.Buffer
		logger := NewLogger(&buffer, "sandbox")
		logger.Debug("hidden unless debugging")
		logger.Info("visible", "worker_id", "w1")

		lines := bytes.Split(bytes.TrimSpace(buffer.Bytes()), []byte("\n"))
		want := 1
		if debug {
			want = 2
		}
		if len(lines) != want {
			t.Fatalf("debug=%v: got %d records, want %d:\n%s", debug, len(lines), want, buffer.String())
		}
		var record map[string]any
		if err := json.Unmarshal(lines[len(lines)-1], &record); err != nil {
			t.Fatalf("record is not JSON: %v", err)
		}
		if record["component"] != "sandbox" || record["worker_id"] != "w1" {
			t.Errorf("record = %v, want component and worker_id", record)
		}
	}
}
