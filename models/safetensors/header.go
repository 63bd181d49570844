// Package safetensors reads and writes .safetensors files, and summarizes model artifact
// directories made of them.
//
// Format:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header, optionally padded with spaces]
//	[remaining bytes: tensor data]
//
// Example:
//
//	header, dataOffset, err := safetensors.ParseHeader("dataset.safetensors")
//	reader, err := safetensors.OpenMMapReader("dataset.safetensors")
//	defer reader.Close()
//	tokens, err := reader.ReadTensor("input_ids")
package safetensors

import (
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// MetadataKey is the reserved header entry holding free-form string metadata.
const MetadataKey = "__metadata__"

// maxHeaderSize is a sanity check on the header length: 100MB.
const maxHeaderSize = 100 * 1024 * 1024

// Header represents the JSON header of a safetensors file.
type Header struct {
	Tensors  map[string]*TensorMetadata // Tensor name -> metadata
	Metadata map[string]any             // Optional __metadata__ field
}

// TensorMetadata represents metadata for a single tensor in a safetensors file.
type TensorMetadata struct {
	Name        string   `json:"-"`            // Tensor name (from map key)
	Dtype       string   `json:"dtype"`        // Data type: F32, F64, I32, I64, etc.
	Shape       []int    `json:"shape"`        // Tensor dimensions
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end] byte offsets, relative to the data section
}

// SizeBytes of the tensor data.
func (tm *TensorMetadata) SizeBytes() int64 {
	return tm.DataOffsets[1] - tm.DataOffsets[0]
}

// NumElements is the product of the dimensions; 1 for scalars.
func (tm *TensorMetadata) NumElements() int {
	n := 1
	for _, dim := range tm.Shape {
		n *= dim
	}
	return n
}

// MetadataString returns the metadata value for key, if it is a string.
func (h *Header) MetadataString(key string) (string, bool) {
	value, found := h.Metadata[key]
	if !found {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// TensorNames returns the names of the tensors in file order.
func (h *Header) TensorNames() []string {
	names := make([]string, 0, len(h.Tensors))
	for name := range h.Tensors {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		return cmp.Or(cmp.Compare(h.Tensors[a].DataOffsets[0], h.Tensors[b].DataOffsets[0]), strings.Compare(a, b))
	})
	return names
}

// ParseHeader reads and parses the header from a safetensors file. It also returns the offset
// of the data section within the file.
func ParseHeader(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open file %s", path)
	}
	defer f.Close()
	header, dataOffset, err := readHeader(f)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "safetensors file %s", path)
	}
	return header, dataOffset, nil
}

func readHeader(r io.Reader) (*Header, int64, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > maxHeaderSize {
		return nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header JSON")
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}
	header := &Header{
		Tensors:  make(map[string]*TensorMetadata, len(rawHeader)),
		Metadata: make(map[string]any),
	}
	for key, value := range rawHeader {
		if key == MetadataKey {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var tm TensorMetadata
		if err := json.Unmarshal(value, &tm); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		if tm.DataOffsets[1] < tm.DataOffsets[0] {
			return nil, 0, errors.Errorf("tensor %s has invalid data offsets %v", key, tm.DataOffsets)
		}
		tm.Name = key
		header.Tensors[key] = &tm
	}
	return header, int64(8 + headerSize), nil
}

// dtypeNames maps GoMLX dtypes to the safetensors dtype names.
var dtypeNames = map[dtypes.DType]string{
	dtypes.Bool:     "BOOL",
	dtypes.Int8:     "I8",
	dtypes.Int16:    "I16",
	dtypes.Int32:    "I32",
	dtypes.Int64:    "I64",
	dtypes.Uint8:    "U8",
	dtypes.Float16:  "F16",
	dtypes.BFloat16: "BF16",
	dtypes.Float32:  "F32",
	dtypes.Float64:  "F64",
}

func dtypeToGoMLX(stDtype string) (dtypes.DType, error) {
	for dtype, name := range dtypeNames {
		if name == stDtype {
			return dtype, nil
		}
	}
	dtype, found := dtypes.MapOfNames[strings.ToLower(stDtype)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("dtype %q not supported", stDtype)
	}
	return dtype, nil
}

func dtypeFromGoMLX(dtype dtypes.DType) (string, error) {
	name, found := dtypeNames[dtype]
	if !found {
		return "", errors.Errorf("dtype %s cannot be written to safetensors", dtype)
	}
	return name, nil
}

// String implements fmt.Stringer.
func (tm *TensorMetadata) String() string {
	return fmt.Sprintf("%s: %s%v (%d bytes)", tm.Name, tm.Dtype, tm.Shape, tm.SizeBytes())
}
