package safetensors

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
)

// IndexFileName is the index of a model split across several .safetensors files.
const IndexFileName = "model.safetensors.index.json"

// ShardedModelIndex represents a model.safetensors.index.json file for sharded models.
type ShardedModelIndex struct {
	Metadata  map[string]any    `json:"metadata"`   // Model metadata
	WeightMap map[string]string `json:"weight_map"` // Tensor name -> filename
}

// FileInfo holds information about a safetensor file.
type FileInfo struct {
	Filename string
	Header   *Header
}

// ArtifactSummary describes the weights of a trained model directory.
type ArtifactSummary struct {
	Dir        string     `json:"dir"`
	Sharded    bool       `json:"sharded"`
	Files      []FileInfo `json:"-"`
	NumFiles   int        `json:"num_files"`
	NumTensors int        `json:"num_tensors"`
	NumParams  int64      `json:"num_params"`
	SizeBytes  int64      `json:"size_bytes"`
}

// Inspect summarizes the .safetensors weights in a model artifact directory. If the directory
// holds a model.safetensors.index.json, the files it references are used and every tensor of
// the index must be found; otherwise all .safetensors files directly in dir are used.
func Inspect(dir string) (*ArtifactSummary, error) {
	summary := &ArtifactSummary{Dir: dir}
	fileNames, index, err := artifactFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(fileNames) == 0 {
		return nil, errors.Errorf("no .safetensors files found in %s", dir)
	}
	summary.Sharded = index != nil

	seen := make(map[string]bool)
	for _, fileName := range fileNames {
		header, _, err := ParseHeader(filepath.Join(dir, fileName))
		if err != nil {
			return nil, err
		}
		summary.Files = append(summary.Files, FileInfo{Filename: fileName, Header: header})
		for name, meta := range header.Tensors {
			seen[name] = true
			summary.NumTensors++
			summary.NumParams += int64(meta.NumElements())
			summary.SizeBytes += meta.SizeBytes()
		}
	}
	summary.NumFiles = len(summary.Files)
	if index != nil {
		for tensorName, fileName := range index.WeightMap {
			if !seen[tensorName] {
				return nil, errors.Errorf("tensor %s listed in %s for file %s was not found", tensorName, IndexFileName, fileName)
			}
		}
	}
	return summary, nil
}

func artifactFiles(dir string) ([]string, *ShardedModelIndex, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	if err == nil {
		var index ShardedModelIndex
		if err := json.Unmarshal(data, &index); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to parse %s in %s", IndexFileName, dir)
		}
		var fileNames []string
		for _, fileName := range index.WeightMap {
			if !slices.Contains(fileNames, fileName) {
				fileNames = append(fileNames, fileName)
			}
		}
		slices.Sort(fileNames)
		return fileNames, &index, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, errors.Wrapf(err, "failed to read %s", IndexFileName)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to list model directory %s", dir)
	}
	var fileNames []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".safetensors" {
			fileNames = append(fileNames, entry.Name())
		}
	}
	return fileNames, nil, nil
}
