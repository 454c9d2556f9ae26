// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagemap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/canister/lib/codec"
)

// Page file layout:
//
//	magic     "CPGF"
//	header    [4-byte big-endian length][CBOR fileHeader]
//	records   Records × ([8-byte index][1-byte compression][4-byte length][payload])
//	checksum  32-byte BLAKE3 keyed hash of everything above
//
// All integers are big-endian. A file whose checksum does not verify is
// treated as never written.

const (
	fileMagic     = "CPGF"
	fileFormat    = 1
	checksumSize  = 32
	recordHeader  = 8 + 1 + 4
	maxHeaderSize = 4096
)

// ErrCorruptFile is returned when a page file fails validation.
var ErrCorruptFile = errors.New("pagemap: corrupt page file")

// fileKind distinguishes the two file types in a store directory.
type fileKind string

const (
	kindBase  fileKind = "base"
	kindDelta fileKind = "delta"
)

// fileHeader describes one page file. For a base, ParentVersion is
// unused. NumPages is the address-space length at Version.
type fileHeader struct {
	Format        int      `cbor:"format"`
	Kind          fileKind `cbor:"kind"`
	Version       uint64   `cbor:"version"`
	ParentVersion uint64   `cbor:"parent_version,omitempty"`
	NumPages      uint64   `cbor:"num_pages"`
	Records       uint64   `cbor:"records"`
}

// checksumKey is the BLAKE3 key for page file checksums: the ASCII
// domain name zero-padded to 32 bytes.
var checksumKey = [32]byte{
	'b', 'u', 'r', 'e', 'a', 'u', '.', 'c', 'a', 'n', 'i', 's', 't', 'e', 'r', '.',
	'p', 'a', 'g', 'e', 'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0,
}

func newChecksum() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(checksumKey[:])
	if err != nil {
		panic("pagemap: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// writeFile encodes header and pages to w. header.Records is filled in.
func writeFile(w io.Writer, header fileHeader, pages map[PageIndex]*Page, compression Compression) error {
	hasher := newChecksum()
	out := io.MultiWriter(w, hasher)

	header.Format = fileFormat
	header.Records = uint64(len(pages))
	encoded, err := codec.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding page file header: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(encoded)))
	if _, err := io.WriteString(out, fileMagic); err != nil {
		return err
	}
	if _, err := out.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := out.Write(encoded); err != nil {
		return err
	}

	var record [recordHeader]byte
	for _, index := range sortedIndices(pages) {
		tag, payload, err := encodePage(pages[index], compression)
		if err != nil {
			return fmt.Errorf("encoding page %d: %w", index, err)
		}
		binary.BigEndian.PutUint64(record[0:8], uint64(index))
		record[8] = byte(tag)
		binary.BigEndian.PutUint32(record[9:13], uint32(len(payload)))
		if _, err := out.Write(record[:]); err != nil {
			return err
		}
		if _, err := out.Write(payload); err != nil {
			return err
		}
	}

	_, err = w.Write(hasher.Sum(nil))
	return err
}

// readFile validates and decodes a complete page file.
func readFile(data []byte) (fileHeader, map[PageIndex]*Page, error) {
	var header fileHeader
	minimum := len(fileMagic) + 4 + checksumSize
	if len(data) < minimum {
		return header, nil, fmt.Errorf("%w: %d bytes is shorter than the minimum %d", ErrCorruptFile, len(data), minimum)
	}

	body, trailer := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	hasher := newChecksum()
	hasher.Write(body)
	if !bytes.Equal(hasher.Sum(nil), trailer) {
		return header, nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptFile)
	}

	if string(body[:len(fileMagic)]) != fileMagic {
		return header, nil, fmt.Errorf("%w: bad magic %q", ErrCorruptFile, body[:len(fileMagic)])
	}
	body = body[len(fileMagic):]

	headerLength := binary.BigEndian.Uint32(body[:4])
	body = body[4:]
	if headerLength > maxHeaderSize || int(headerLength) > len(body) {
		return header, nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLength)
	}
	if err := codec.Unmarshal(body[:headerLength], &header); err != nil {
		return header, nil, fmt.Errorf("%w: decoding header: %v", ErrCorruptFile, err)
	}
	body = body[headerLength:]
	if header.Format != fileFormat {
		return header, nil, fmt.Errorf("%w: unsupported format %d", ErrCorruptFile, header.Format)
	}
	if header.Kind != kindBase && header.Kind != kindDelta {
		return header, nil, fmt.Errorf("%w: unknown kind %q", ErrCorruptFile, header.Kind)
	}

	pages := make(map[PageIndex]*Page, min(header.Records, header.NumPages))
	for record := uint64(0); record < header.Records; record++ {
		if len(body) < recordHeader {
			return header, nil, fmt.Errorf("%w: record %d truncated", ErrCorruptFile, record)
		}
		index := PageIndex(binary.BigEndian.Uint64(body[0:8]))
		tag := Compression(body[8])
		length := binary.BigEndian.Uint32(body[9:13])
		body = body[recordHeader:]
		if uint64(length) > uint64(len(body)) {
			return header, nil, fmt.Errorf("%w: record %d payload truncated", ErrCorruptFile, record)
		}
		if uint64(index) >= header.NumPages {
			return header, nil, fmt.Errorf("%w: page %d beyond %d pages", ErrCorruptFile, index, header.NumPages)
		}
		page, err := decodePage(tag, body[:length])
		if err != nil {
			return header, nil, fmt.Errorf("%w: page %d: %v", ErrCorruptFile, index, err)
		}
		pages[index] = page
		body = body[length:]
	}
	if len(body) != 0 {
		return header, nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptFile, len(body))
	}
	return header, pages, nil
}
