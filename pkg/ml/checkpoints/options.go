// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"strings"

	"github.com/pkg/errors"
)

// Compression of the binary data of a checkpoint.
type Compression int

const (
	// Uncompressed stores the raw values.
	Uncompressed Compression = iota

	// Zstd compresses the values with Zstandard (github.com/klauspost/compress/zstd).
	Zstd

	// LZ4 compresses the values with LZ4 frames (github.com/pierrec/lz4/v4).
	LZ4
)

// String implements fmt.Stringer. These are also the values stored in the checkpoint header.
func (c Compression) String() string {
	switch c {
	case Uncompressed:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCompression parses the compression name, case-insensitive. The empty string is Uncompressed.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none", "uncompressed":
		return Uncompressed, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	}
	return Uncompressed, errors.Errorf("unsupported checkpoint compression %q, valid values are none, zstd and lz4", name)
}

// DType used to store the values. In memory values are always float32.
type DType int

const (
	// Float32 stores values with full precision.
	Float32 DType = iota

	// Float16 stores values in IEEE 754 half precision (github.com/x448/float16), halving the size
	// of the checkpoint at the cost of precision.
	Float16
)

// String implements fmt.Stringer. These are also the values stored in the checkpoint header.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

// Size in bytes of one value.
func (d DType) Size() int {
	if d == Float16 {
		return 2
	}
	return 4
}

// ParseDType parses the dtype name, case-insensitive. The empty string is Float32.
func ParseDType(name string) (DType, error) {
	switch strings.ToLower(name) {
	case "", "float32", "f32":
		return Float32, nil
	case "float16", "f16", "half":
		return Float16, nil
	}
	return Float32, errors.Errorf("unsupported checkpoint dtype %q, valid values are float32 and float16", name)
}
