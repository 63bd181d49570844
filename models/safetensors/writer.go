package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NamedTensor is a tensor to be written under Name.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

// headerAlignment is the alignment of the data section; the header is padded with spaces.
const headerAlignment = 8

// Write saves the tensors, in the given order, and the metadata into a new .safetensors file.
// The file is first written to path+".tmp" and then renamed, so readers never see a partial file.
func Write(path string, named []NamedTensor, metadata map[string]string) error {
	headerBytes, err := encodeHeader(named, metadata)
	if err != nil {
		return errors.WithMessagef(err, "safetensors file %s", path)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmpPath)
	}
	err = writeContents(f, headerBytes, named)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close %s", tmpPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %s to %s", tmpPath, path)
	}
	return nil
}

func encodeHeader(named []NamedTensor, metadata map[string]string) ([]byte, error) {
	entries := make(map[string]any, len(named)+1)
	if len(metadata) > 0 {
		entries[MetadataKey] = metadata
	}
	var offset int64
	for _, nt := range named {
		if nt.Name == "" || nt.Name == MetadataKey {
			return nil, errors.Errorf("invalid tensor name %q", nt.Name)
		}
		if _, duplicate := entries[nt.Name]; duplicate {
			return nil, errors.Errorf("tensor %q given more than once", nt.Name)
		}
		if nt.Tensor == nil {
			return nil, errors.Errorf("tensor %q is nil", nt.Name)
		}
		shape := nt.Tensor.Shape()
		dtypeName, err := dtypeFromGoMLX(shape.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", nt.Name)
		}
		size := int64(shape.Size()) * int64(shape.DType.Size())
		dims := shape.Dimensions
		if dims == nil {
			dims = []int{}
		}
		entries[nt.Name] = TensorMetadata{
			Dtype:       dtypeName,
			Shape:       dims,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(entries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode header")
	}
	if rem := len(headerBytes) % headerAlignment; rem != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, headerAlignment-rem)...)
	}
	return headerBytes, nil
}

func writeContents(f *os.File, headerBytes []byte, named []NamedTensor) error {
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, nt := range named {
		var writeErr error
		nt.Tensor.MutableBytes(func(data []byte) {
			_, writeErr = w.Write(data)
		})
		if writeErr != nil {
			return errors.Wrapf(writeErr, "failed to write tensor %s", nt.Name)
		}
	}
	return errors.Wrap(w.Flush(), "failed to flush")
}
