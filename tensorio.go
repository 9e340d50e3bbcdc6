package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ===========================================================================
// Tensor Serialization
// ===========================================================================
//
// Simple binary format for offset and flow dumps.
//
// Format:
//   1. Header length (uint32, little-endian)
//   2. Header (JSON): {"dtype":"float64","shape":[n,c,h,w]}
//   3. Tensor data (float64, little-endian, row-major)
//
// A training framework can write these with a few lines of numpy:
//
//   hdr = json.dumps({"dtype": "float64", "shape": list(a.shape)}).encode()
//   f.write(struct.pack("<I", len(hdr))); f.write(hdr)
//   f.write(a.astype("<f8").tobytes())
// ===========================================================================

// ErrCorruptTensorFile indicates a tensor file that cannot be decoded.
var ErrCorruptTensorFile = errors.New("tensor: corrupt tensor file")

const (
	tensorDType = "float64"

	// maxTensorHeader bounds the JSON header so a garbage length prefix
	// cannot trigger a huge allocation.
	maxTensorHeader = 1 << 16

	// maxTensorElements caps a single tensor at 2 GiB of float64s.
	maxTensorElements = 1 << 28
)

type tensorHeader struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// WriteTensor encodes t to w.
func WriteTensor(w io.Writer, t *Tensor) error {
	header, err := json.Marshal(tensorHeader{DType: tensorDType, Shape: t.shape})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, t.data); err != nil {
		return fmt.Errorf("failed to write tensor data: %w", err)
	}

	return nil
}

// ReadTensor decodes a tensor from r.
func ReadTensor(r io.Reader) (*Tensor, error) {
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: failed to read header length: %v", ErrCorruptTensorFile, err)
	}
	if headerLen == 0 || headerLen > maxTensorHeader {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptTensorFile, headerLen)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrCorruptTensorFile, err)
	}

	var header tensorHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal header: %v", ErrCorruptTensorFile, err)
	}
	if header.DType != tensorDType {
		return nil, fmt.Errorf("%w: unsupported dtype %q", ErrCorruptTensorFile, header.DType)
	}

	size, err := shapeSize(header.Shape)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptTensorFile, err)
	}
	if size > maxTensorElements {
		return nil, fmt.Errorf("%w: %d elements exceeds limit", ErrCorruptTensorFile, size)
	}

	t := NewTensor(header.Shape...)
	if err := binary.Read(r, binary.LittleEndian, t.data); err != nil {
		return nil, fmt.Errorf("%w: failed to read %d values: %v", ErrCorruptTensorFile, len(t.data), err)
	}

	// A file holds exactly one tensor.
	var extra [1]byte
	if n, _ := io.ReadFull(r, extra[:]); n != 0 {
		return nil, fmt.Errorf("%w: trailing data after %d values", ErrCorruptTensorFile, len(t.data))
	}

	return t, nil
}

// SaveTensor writes t to filename.
func SaveTensor(filename string, t *Tensor) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if err := WriteTensor(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadTensor reads a tensor from filename.
func LoadTensor(filename string) (*Tensor, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	t, err := ReadTensor(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return t, nil
}
