// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes tensors in Python's NumPy .npy file format.
//
// Image datasets are float32 GoMLX tensors: float64, float16 and integer files are converted on read.
// Files are always written as little-endian float32 ('<f4').
package numpy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

const magic = "\x93NUMPY"

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// FromNpyFile reads a .npy file and returns a tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	t, err := FromNpyReader(file)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	klog.V(2).Infof("numpy: read %q with shape %s", filePath, t.Shape())
	return t, nil
}

// FromNpyReader reads a .npy file from an io.Reader and returns a tensor.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	preamble := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errors.Wrapf(err, "failed to read magic string")
	}
	if string(preamble[:len(magic)]) != magic {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	major, minor := preamble[len(magic)], preamble[len(magic)+1]

	var headerLen uint32
	switch {
	case major == 1:
		var lenBytes [2]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = uint32(binary.LittleEndian.Uint16(lenBytes[:]))
	case major >= 2:
		var lenBytes [4]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = binary.LittleEndian.Uint32(lenBytes[:])
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", major, minor)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	dtype, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse .npy header")
	}
	if strings.HasPrefix(dtype, ">") {
		return nil, errors.Errorf("big-endian .npy files (%q) are not supported", dtype)
	}
	elementSize, decode, err := decoderFor(dtype)
	if err != nil {
		return nil, err
	}

	size := 1
	for _, dim := range dims {
		if dim < 0 {
			return nil, errors.Errorf("invalid shape %v in .npy header", dims)
		}
		size *= dim
	}
	raw := make([]byte, size*elementSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(raw))
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = decode(raw[ii*elementSize:])
	}
	if fortranOrder && len(dims) > 1 {
		values = fortranToC(values, dims)
	}
	if len(dims) == 0 {
		return tensors.FromScalar(values[0]), nil
	}
	return tensors.FromFlatDataAndDimensions(values, dims...), nil
}

// decoderFor returns the element size and a decoder to float32 of a NumPy dtype string.
func decoderFor(npyType string) (int, func([]byte) float32, error) {
	switch strings.TrimLeft(npyType, "<=|") {
	case "f4":
		return 4, func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }, nil
	case "f8":
		return 8, func(b []byte) float32 { return float32(math.Float64frombits(binary.LittleEndian.Uint64(b))) }, nil
	case "f2":
		return 2, func(b []byte) float32 { return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32() }, nil
	case "u1":
		return 1, func(b []byte) float32 { return float32(b[0]) }, nil
	case "i4":
		return 4, func(b []byte) float32 { return float32(int32(binary.LittleEndian.Uint32(b))) }, nil
	case "i8":
		return 8, func(b []byte) float32 { return float32(int64(binary.LittleEndian.Uint64(b))) }, nil
	default:
		return 0, nil, errors.Errorf("unsupported NumPy dtype %q", npyType)
	}
}

// fortranToC returns a copy of src, read in column-major order, in row-major order.
func fortranToC(src []float32, dims []int) []float32 {
	fortranStrides := make([]int, len(dims))
	stride := 1
	for axis, dim := range dims {
		fortranStrides[axis] = stride
		stride *= dim
	}
	dst := make([]float32, len(src))
	coords := make([]int, len(dims))
	for cIdx := range dst {
		rem := cIdx
		for axis := len(dims) - 1; axis >= 0; axis-- {
			coords[axis] = rem % dims[axis]
			rem /= dims[axis]
		}
		fIdx := 0
		for axis, c := range coords {
			fIdx += c * fortranStrides[axis]
		}
		dst[cIdx] = src[fIdx]
	}
	return dst
}

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header string.
// Example: "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }"
func parseNpyHeader(header string) (dtype string, shape []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	dtype = mDescr[1]

	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	shape = []int{}
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" { // Trailing comma, as in "(10,)".
			continue
		}
		val, pErr := strconv.Atoi(p)
		if pErr != nil {
			err = errors.Wrapf(pErr, "invalid shape value %q in header", p)
			return
		}
		shape = append(shape, val)
	}
	return
}

// ToNpyWriter serializes a float32 tensor to an io.Writer in .npy format (version 1.0, '<f4').
func ToNpyWriter(t *tensors.Tensor, w io.Writer) error {
	shape := t.Shape()
	if shape.DType != dtypes.Float32 {
		return errors.Errorf("only float32 tensors can be saved to .npy, got %s", shape)
	}
	var shapeTuple string
	switch shape.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", shape.Dimensions[0])
	default:
		dimsStr := make([]string, shape.Rank())
		for i, dim := range shape.Dimensions {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}

	// Magic (6) + version (2) + header length (2) + header must be a multiple of 64 bytes,
	// and the header ends with a newline.
	var header bytes.Buffer
	_, _ = fmt.Fprintf(&header, "{'descr': '<f4', 'fortran_order': False, 'shape': %s, }", shapeTuple)
	for (10+header.Len()+1)%64 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	var preamble bytes.Buffer
	preamble.WriteString(magic)
	preamble.Write([]byte{1, 0})
	_ = binary.Write(&preamble, binary.LittleEndian, uint16(header.Len()))
	if _, err := w.Write(preamble.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy preamble")
	}
	if _, err := w.Write(header.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}

	var buf []byte
	err := tensors.ConstFlatData(t, func(flat []float32) {
		buf = make([]byte, 4*len(flat))
		for ii, v := range flat {
			binary.LittleEndian.PutUint32(buf[ii*4:], math.Float32bits(v))
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to access tensor data")
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrapf(err, "failed to write tensor data")
	}
	return nil
}

// ToNpyFile serializes a tensor to a .npy file, creating or truncating it.
func ToNpyFile(t *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(t, file); err != nil {
		_ = file.Close()
		return errors.WithMessagef(err, "writing %q", filePath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close .npy file %q", filePath)
	}
	klog.V(2).Infof("numpy: wrote %q with shape %s", filePath, t.Shape())
	return nil
}
