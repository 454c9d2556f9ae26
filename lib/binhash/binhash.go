// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is the BLAKE3-256 hash of a binary.
type Digest [32]byte

// String returns the lowercase hex form used in logs and CLI output.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// HashFile streams the file at path through BLAKE3.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	var digest Digest
	hasher.Sum(digest[:0])
	return digest, nil
}

// HashSelf returns the digest of the running executable.
func HashSelf() (Digest, error) {
	path, err := os.Executable()
	if err != nil {
		return Digest{}, fmt.Errorf("locating running executable: %w", err)
	}
	return HashFile(path)
}

// ParseDigest parses the String form of a digest.
func ParseDigest(text string) (Digest, error) {
	var digest Digest
	if len(text) != hex.EncodedLen(len(digest)) {
		return Digest{}, fmt.Errorf("binary digest %q is %d characters, want %d", text, len(text), hex.EncodedLen(len(digest)))
	}
	if _, err := hex.Decode(digest[:], []byte(text)); err != nil {
		return Digest{}, fmt.Errorf("parsing binary digest: %w", err)
	}
	return digest, nil
}
