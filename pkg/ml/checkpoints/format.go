// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// File layout:
//
//	magic [8]byte | version uint32 | headerLength uint32 | header (JSON) | data
//
// Integers are little-endian. The data holds the values of all variables, in the order and at the
// positions listed in the header, encoded with Header.DType and then compressed as a whole.

// Magic identifies checkpoint files.
var Magic = [8]byte{'L', 'E', 'N', 'S', 'C', 'K', 'P', 'T'}

// Version of the format written.
const Version = 1

// maxHeaderLength guards against corrupt files.
const maxHeaderLength = 64 << 20

// Header of a checkpoint file.
type Header struct {
	// Metadata is owned by the model: e.g. its architecture, validated before loading the variables.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	DType       string `json:"dtype"`
	Compression string `json:"compression"`

	// DataLength is the length of the uncompressed data.
	DataLength int `json:"data_length"`

	// Variables index.
	Variables []Variable `json:"variables"`

	// RunID identifies the training run that saved the checkpoint.
	RunID string `json:"run_id"`

	// Epoch is the number of epochs completed, and GlobalStep the number of optimizer steps.
	Epoch      int `json:"epoch"`
	GlobalStep int `json:"global_step"`

	SavedAt time.Time `json:"saved_at"`
}

// Variable describes where the values of one variable are stored.
type Variable struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dims"`

	// Pos, Length in bytes in the uncompressed data.
	Pos    int `json:"pos"`
	Length int `json:"length"`
}

// encodeValues appends values to buf in the given dtype.
func encodeValues(buf []byte, values []float32, dtype DType) []byte {
	switch dtype {
	case Float16:
		for _, v := range values {
			buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(v).Bits())
		}
	default:
		for _, v := range values {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

// decodeValues fills values from data encoded in the given dtype.
func decodeValues(values []float32, data []byte, dtype DType) {
	switch dtype {
	case Float16:
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
	default:
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	}
}

func compress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case Uncompressed:
		return data, nil
	case Zstd:
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd encoder")
		}
		defer func() { _ = encoder.Close() }()
		return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case LZ4:
		var buf bytes.Buffer
		writer := lz4.NewWriter(&buf)
		if _, err := writer.Write(data); err != nil {
			return nil, errors.Wrap(err, "failed to lz4 compress checkpoint data")
		}
		if err := writer.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to lz4 compress checkpoint data")
		}
		return buf.Bytes(), nil
	}
	return nil, errors.Errorf("unsupported compression %s", compression)
}

func decompress(data []byte, compression Compression, length int) ([]byte, error) {
	switch compression {
	case Uncompressed:
		return data, nil
	case Zstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd decoder")
		}
		defer decoder.Close()
		out, err := decoder.DecodeAll(data, make([]byte, 0, length))
		return out, errors.Wrap(err, "failed to zstd decompress checkpoint data")
	case LZ4:
		out := make([]byte, 0, length)
		buf := bytes.NewBuffer(out)
		_, err := io.Copy(buf, lz4.NewReader(bytes.NewReader(data)))
		return buf.Bytes(), errors.Wrap(err, "failed to lz4 decompress checkpoint data")
	}
	return nil, errors.Errorf("unsupported compression %s", compression)
}

// writeFile writes the header and the (already compressed) data to w.
func writeFile(w io.Writer, header *Header, data []byte) error {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint header")
	}
	prefix := make([]byte, 0, len(Magic)+8)
	prefix = append(prefix, Magic[:]...)
	prefix = binary.LittleEndian.AppendUint32(prefix, Version)
	prefix = binary.LittleEndian.AppendUint32(prefix, uint32(len(headerJSON)))
	for _, chunk := range [][]byte{prefix, headerJSON, data} {
		if _, err := w.Write(chunk); err != nil {
			return errors.Wrap(err, "failed to write checkpoint")
		}
	}
	return nil
}

// parseFile splits the contents of a checkpoint file into its header and its uncompressed data.
func parseFile(contents []byte) (*Header, []byte, error) {
	prefixLen := len(Magic) + 8
	if len(contents) < prefixLen || !bytes.Equal(contents[:len(Magic)], Magic[:]) {
		return nil, nil, errors.New("not a checkpoint file (bad magic number)")
	}
	version := binary.LittleEndian.Uint32(contents[len(Magic):])
	if version != Version {
		return nil, nil, errors.Errorf("unsupported checkpoint format version %d (supported: %d)", version, Version)
	}
	headerLen := int(binary.LittleEndian.Uint32(contents[len(Magic)+4:]))
	if headerLen > maxHeaderLength || prefixLen+headerLen > len(contents) {
		return nil, nil, errors.Errorf("corrupt checkpoint: header length %d, file length %d", headerLen, len(contents))
	}
	header := &Header{}
	if err := json.Unmarshal(contents[prefixLen:prefixLen+headerLen], header); err != nil {
		return nil, nil, errors.Wrap(err, "corrupt checkpoint header")
	}
	compression, err := ParseCompression(header.Compression)
	if err != nil {
		return nil, nil, err
	}
	data, err := decompress(contents[prefixLen+headerLen:], compression, header.DataLength)
	if err != nil {
		return nil, nil, err
	}
	if len(data) != header.DataLength {
		return nil, nil, errors.Errorf("corrupt checkpoint: %d bytes of data, header declares %d",
			len(data), header.DataLength)
	}
	return header, data, nil
}
