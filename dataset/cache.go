package dataset

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/models/safetensors"
)

// Names used in dataset cache files.
const (
	CacheTensorName   = "input_ids"
	CacheFormat       = "tweetgen-tokens/v1"
	MetaFormat        = "format"
	MetaBlockSize     = "block_size"
	MetaNumTokens     = "num_tokens"
	MetaNumWindows    = "num_windows"
	cacheFileSuffix   = ".safetensors"
	maxCacheMetaValue = 4096
)

// WriteCache saves the view's token stream to a .safetensors file, so it can be reopened
// without tokenizing the corpus again. meta is stored along with the block size and counts.
func WriteCache(path string, v *View, meta map[string]string) error {
	metadata := make(map[string]string, len(meta)+4)
	for key, value := range meta {
		if len(value) > maxCacheMetaValue {
			return errors.Errorf("cache metadata %q is too long (%d bytes)", key, len(value))
		}
		metadata[key] = value
	}
	metadata[MetaFormat] = CacheFormat
	metadata[MetaBlockSize] = strconv.Itoa(v.BlockSize())
	metadata[MetaNumTokens] = strconv.Itoa(v.Len())
	metadata[MetaNumWindows] = strconv.Itoa(v.Size())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for dataset cache %s", path)
	}
	ids := tensors.FromFlatDataAndDimensions(v.tokens, v.Len())
	err := safetensors.Write(path, []safetensors.NamedTensor{{Name: CacheTensorName, Tensor: ids}}, metadata)
	return errors.WithMessage(err, "writing dataset cache")
}

// OpenCache reads a file written by WriteCache back into a View.
func OpenCache(path string) (*View, error) {
	reader, err := safetensors.OpenMMapReader(path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening dataset cache")
	}
	defer reader.Close()

	blockSize, err := cacheBlockSize(reader.Header)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset cache %s", path)
	}
	meta, found := reader.Header.Tensors[CacheTensorName]
	if !found || meta.Dtype != "I32" || len(meta.Shape) != 1 {
		return nil, errors.Errorf("dataset cache %s has no 1D I32 tensor %q", path, CacheTensorName)
	}
	ids, err := reader.ReadTensor(CacheTensorName)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset cache %s", path)
	}
	if ids.Shape().DType != dtypes.Int32 {
		return nil, errors.Errorf("dataset cache %s: tensor %q has dtype %s", path, CacheTensorName, ids.Shape().DType)
	}
	tokens, ok := ids.Value().([]int32)
	if !ok {
		return nil, errors.Errorf("dataset cache %s: unexpected value type %T", path, ids.Value())
	}
	return NewView(tokens, blockSize)
}

// ReadCacheMetadata returns the metadata of a dataset cache file without reading its tokens.
func ReadCacheMetadata(path string) (map[string]string, error) {
	header, _, err := safetensors.ParseHeader(path)
	if err != nil {
		return nil, err
	}
	if _, err := cacheBlockSize(header); err != nil {
		return nil, errors.WithMessagef(err, "dataset cache %s", path)
	}
	metadata := make(map[string]string, len(header.Metadata))
	for key := range header.Metadata {
		if value, ok := header.MetadataString(key); ok {
			metadata[key] = value
		}
	}
	return metadata, nil
}

func cacheBlockSize(header *safetensors.Header) (int, error) {
	if format, _ := header.MetadataString(MetaFormat); format != CacheFormat {
		return 0, errors.Errorf("not a dataset cache: format %q, want %q", format, CacheFormat)
	}
	value, _ := header.MetadataString(MetaBlockSize)
	blockSize, err := strconv.Atoi(value)
	if err != nil || blockSize <= 0 {
		return 0, errors.Errorf("invalid %s %q", MetaBlockSize, value)
	}
	return blockSize, nil
}

// CachePath is the default location of the dataset cache of a run.
func CachePath(outputDir, runName string) string {
	return filepath.Join(outputDir, runName+cacheFileSuffix)
}
