// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagemap

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a page record's payload is encoded in a
// page file. Values are stored on disk (1 byte per record) and must not
// change.
type Compression uint8

const (
	// CompressionNone stores the page verbatim. Also used for any page
	// the selected algorithm fails to shrink.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression. Default: heap pages are
	// mostly sparse binary data, where LZ4 gets most of the ratio at a
	// fraction of the CPU.
	CompressionLZ4 Compression = 1

	// CompressionZstd is zstd at the default level.
	CompressionZstd Compression = 2
)

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configuration name. The empty string
// selects LZ4.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown page compression %q", name)
	}
}

var errIncompressible = errors.New("page is incompressible")

// encodePage compresses a page with the preferred algorithm, falling
// back to CompressionNone when compression does not shrink it. The
// returned tag is what was actually used.
func encodePage(page *Page, preferred Compression) (Compression, []byte, error) {
	var (
		payload []byte
		err     error
	)
	switch preferred {
	case CompressionNone:
		return CompressionNone, page[:], nil
	case CompressionLZ4:
		payload, err = compressLZ4(page[:])
	case CompressionZstd:
		payload, err = compressZstd(page[:])
	default:
		return 0, nil, fmt.Errorf("unsupported page compression %d", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return CompressionNone, page[:], nil
	}
	if err != nil {
		return 0, nil, err
	}
	return preferred, payload, nil
}

// decodePage reverses encodePage into a fresh Page.
func decodePage(tag Compression, payload []byte) (*Page, error) {
	page := new(Page)
	switch tag {
	case CompressionNone:
		if len(payload) != PageSize {
			return nil, fmt.Errorf("raw page record is %d bytes, want %d", len(payload), PageSize)
		}
		copy(page[:], payload)
	case CompressionLZ4:
		read, err := lz4.UncompressBlock(payload, page[:])
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != PageSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", read, PageSize)
		}
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(payload, page[:0])
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != PageSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d", len(result), PageSize)
		}
	default:
		return nil, fmt.Errorf("unsupported page compression %d", tag)
	}
	return page, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll/DecodeAll, so one of each serves every store.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("pagemap: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("pagemap: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
