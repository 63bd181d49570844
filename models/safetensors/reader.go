package safetensors

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MMapReader provides streaming access to tensor data via io.ReaderAt.
type MMapReader struct {
	reader     *mmap.ReaderAt
	dataOffset int64
	Header     *Header
}

// OpenMMapReader parses the header of a local .safetensors file and memory-maps it.
// The caller must Close it.
func OpenMMapReader(path string) (*MMapReader, error) {
	header, dataOffset, err := ParseHeader(path)
	if err != nil {
		return nil, err
	}
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	for _, meta := range header.Tensors {
		if dataOffset+meta.DataOffsets[1] > int64(reader.Len()) {
			_ = reader.Close()
			return nil, errors.Errorf("tensor %s of %s extends past the end of the file (%d bytes)", meta.Name, path, reader.Len())
		}
	}
	return &MMapReader{
		reader:     reader,
		dataOffset: dataOffset,
		Header:     header,
	}, nil
}

// Close closes the underlying memory-mapped file.
func (mr *MMapReader) Close() error {
	return mr.reader.Close()
}

// ReadTensor reads a tensor by name from the memory-mapped file.
func (mr *MMapReader) ReadTensor(tensorName string) (*tensors.Tensor, error) {
	meta, ok := mr.Header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found", tensorName)
	}
	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, err
	}
	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))

	// Read from mmap directly into tensor memory
	tensorOffset := mr.dataOffset + meta.DataOffsets[0]
	var readErr error
	t.MutableBytes(func(data []byte) {
		if int64(len(data)) != meta.SizeBytes() {
			readErr = errors.Errorf("tensor %s with shape %s needs %d bytes, but the file holds %d bytes", tensorName, t.Shape(), len(data), meta.SizeBytes())
			return
		}
		_, readErr = mr.reader.ReadAt(data, tensorOffset)
		if readErr == io.EOF {
			readErr = nil
		}
		if readErr != nil {
			readErr = errors.Wrapf(readErr, "failed to read tensor %s", tensorName)
		}
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}
