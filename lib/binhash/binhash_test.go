// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zeebo/blake3"
)

func TestHashFile(t *testing.T) {
	directory := t.TempDir()
	tests := []struct {
		name    string
		content []byte
	}{
		{"empty", nil},
		{"small", []byte("bureau-canister-sandbox")},
		// Several io.Copy buffers.
		{"large", bytes.Repeat([]byte{0xa5, 0x5a, 0x00}, 400_000)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(directory, test.name)
			if err := os.WriteFile(path, test.content, 0o755); err != nil {
				t.Fatal(err)
			}
			got, err := HashFile(path)
			if err != nil {
				t.Fatalf("HashFile: %v", err)
			}
			if want := Digest(blake3.Sum256(test.content)); got != want {
				t.Errorf("HashFile = %s, want %s", got, want)
			}
		})
	}
}

func TestHashFileDistinguishesBinaries(t *testing.T) {
	directory := t.TempDir()
	first := filepath.Join(directory, "first")
	second := filepath.Join(directory, "second")
	os.WriteFile(first, []byte("sandbox v1"), 0o755)
	os.WriteFile(second, []byte("sandbox v2"), 0o755)

	a, err := HashFile(first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("different binaries hashed equal")
	}
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "missing"))
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("err = %v, want an error naming the path", err)
	}
}

func TestHashSelf(t *testing.T) {
	executable, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	want, err := HashFile(executable)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	got, err := HashSelf()
	if err != nil {
		t.Fatalf("HashSelf: %v", err)
	}
	if got != want {
		t.Errorf("HashSelf = %s, want %s", got, want)
	}
}

func TestParseDigest(t *testing.T) {
	digest := Digest(blake3.Sum256([]byte("round trip")))
	parsed, err := ParseDigest(digest.String())
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != digest {
		t.Errorf("ParseDigest(String()) = %s, want %s", parsed, digest)
	}

	for _, bad := range []string{"", "abcd", strings.Repeat("zz", 32), strings.Repeat("ab", 33)} {
		if _, err := ParseDigest(bad); err == nil {
			t.Errorf("ParseDigest(%q) succeeded", bad)
		}
	}
}
