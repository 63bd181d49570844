package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, path string) {
	ids := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	weights := tensors.FromFlatDataAndDimensions([]float32{0.5, -1.5}, 2)
	err := Write(path, []NamedTensor{{Name: "input_ids", Tensor: ids}, {Name: "weights", Tensor: weights}},
		map[string]string{"block_size": "3"})
	require.NoError(t, err)
}

func TestWriteAndParseHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeTestFile(t, path)
	assert.NoFileExists(t, path+".tmp")

	header, dataOffset, err := ParseHeader(path)
	require.NoError(t, err)
	assert.Zero(t, dataOffset%headerAlignment)
	require.Len(t, header.Tensors, 2)

	ids := header.Tensors["input_ids"]
	assert.Equal(t, "input_ids", ids.Name)
	assert.Equal(t, "I32", ids.Dtype)
	assert.Equal(t, []int{2, 3}, ids.Shape)
	assert.Equal(t, [2]int64{0, 24}, ids.DataOffsets)
	assert.Equal(t, 6, ids.NumElements())

	weights := header.Tensors["weights"]
	assert.Equal(t, "F32", weights.Dtype)
	assert.Equal(t, [2]int64{24, 32}, weights.DataOffsets)
	assert.Equal(t, []string{"input_ids", "weights"}, header.TensorNames())

	blockSize, ok := header.MetadataString("block_size")
	assert.True(t, ok)
	assert.Equal(t, "3", blockSize)
	_, ok = header.MetadataString("missing")
	assert.False(t, ok)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, dataOffset+32, info.Size())
}

func TestMMapReaderReadTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeTestFile(t, path)

	reader, err := OpenMMapReader(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reader.Close()) }()

	ids, err := reader.ReadTensor("input_ids")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int32, ids.Shape().DType)
	assert.Equal(t, []int{2, 3}, ids.Shape().Dimensions)
	assert.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, ids.Value())

	weights, err := reader.ReadTensor("weights")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1.5}, weights.Value())

	_, err = reader.ReadTensor("non_existent_tensor")
	require.ErrorContains(t, err, "not found")
}

func TestParseHeaderErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := ParseHeader(filepath.Join(dir, "missing.safetensors"))
	require.Error(t, err)

	truncated := filepath.Join(dir, "truncated.safetensors")
	require.NoError(t, os.WriteFile(truncated, []byte{1, 2}, 0o644))
	_, _, err = ParseHeader(truncated)
	require.Error(t, err)

	huge := filepath.Join(dir, "huge.safetensors")
	buf := binary.LittleEndian.AppendUint64(nil, maxHeaderSize+1)
	require.NoError(t, os.WriteFile(huge, buf, 0o644))
	_, _, err = ParseHeader(huge)
	require.ErrorContains(t, err, "too large")

	// Data section shorter than the header claims.
	short := filepath.Join(dir, "short.safetensors")
	header := []byte(`{"x":{"dtype":"I32","shape":[4],"data_offsets":[0,16]}}`)
	buf = binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	buf = append(buf, header...)
	require.NoError(t, os.WriteFile(short, append(buf, 0, 0, 0, 0), 0o644))
	_, err = OpenMMapReader(short)
	require.ErrorContains(t, err, "past the end")
}

func TestWriteErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	ids := tensors.FromFlatDataAndDimensions([]int32{1}, 1)
	require.Error(t, Write(path, []NamedTensor{{Name: "", Tensor: ids}}, nil))
	require.Error(t, Write(path, []NamedTensor{{Name: "a", Tensor: ids}, {Name: "a", Tensor: ids}}, nil))
	require.Error(t, Write(path, []NamedTensor{{Name: "a"}}, nil))
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".tmp")
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "model.safetensors"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))

	summary, err := Inspect(dir)
	require.NoError(t, err)
	assert.False(t, summary.Sharded)
	assert.Equal(t, 1, summary.NumFiles)
	assert.Equal(t, 2, summary.NumTensors)
	assert.Equal(t, int64(8), summary.NumParams)
	assert.Equal(t, int64(32), summary.SizeBytes)

	_, err = Inspect(t.TempDir())
	require.ErrorContains(t, err, "no .safetensors files")
}

func TestInspectSharded(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "model-00001-of-00002.safetensors"))
	require.NoError(t, Write(filepath.Join(dir, "model-00002-of-00002.safetensors"),
		[]NamedTensor{{Name: "bias", Tensor: tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)}}, nil))
	index := `{"metadata": {"total_size": 44}, "weight_map": {
		"input_ids": "model-00001-of-00002.safetensors",
		"weights": "model-00001-of-00002.safetensors",
		"bias": "model-00002-of-00002.safetensors"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte(index), 0o644))

	summary, err := Inspect(dir)
	require.NoError(t, err)
	assert.True(t, summary.Sharded)
	assert.Equal(t, 2, summary.NumFiles)
	assert.Equal(t, 3, summary.NumTensors)
	assert.Equal(t, int64(44), summary.SizeBytes)
	assert.Equal(t, "model-00001-of-00002.safetensors", summary.Files[0].Filename)

	// An index referencing a missing tensor is an error.
	index = `{"weight_map": {"missing": "model-00002-of-00002.safetensors"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte(index), 0o644))
	_, err = Inspect(dir)
	require.ErrorContains(t, err, "missing")
}
