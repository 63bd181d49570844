package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tweetgen/tweetgen/tokenizers"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "tweetgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, tokenizers.DefaultModelID, cfg.Tokenizer.ModelID)
	assert.Equal(t, "tweet", cfg.Dataset.TextField)
	assert.Equal(t, 64, cfg.Dataset.BlockSize)
	assert.True(t, cfg.Dataset.SortFiles)
	assert.Equal(t, 1, cfg.Train.Epochs)
	assert.Equal(t, 1000, cfg.Train.SaveSteps)
	assert.Equal(t, 32, cfg.Train.BatchSize)
	assert.Equal(t, "checkpoints", cfg.Train.OutputDir)
	assert.Equal(t, 2048, cfg.Deploy.MemoryMB)
	assert.Equal(t, 1024, cfg.Deploy.CPUUnits)
	assert.False(t, cfg.Deploy.WaitUntilHealthy)
	assert.Equal(t, tokenizers.DefaultSentinels, cfg.SentinelTokens())
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
tokenizer:
  file: ./tokenizer.json
sentinels:
  start: "<s>"
  end: "</s>"
  unknown: ""
dataset:
  text_field: text
  block_size: 128
  sort_files: false
train:
  command: [python, trainer.py]
  epochs: 3
deploy:
  base_url: https://models.example.com
  memory_mb: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "text", cfg.Dataset.TextField)
	assert.Equal(t, 128, cfg.Dataset.BlockSize)
	assert.False(t, cfg.Dataset.SortFiles)
	assert.Equal(t, []string{"python", "trainer.py"}, cfg.Train.Command)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, 1000, cfg.Train.SaveSteps)
	assert.Equal(t, 2048, cfg.Deploy.MemoryMB)
	assert.Equal(t, tokenizers.Sentinels{Start: "<s>", End: "</s>"}, cfg.SentinelTokens())

	src := cfg.TokenizerSource()
	assert.Equal(t, "./tokenizer.json", src.File)
	assert.Nil(t, src.Repo)
}

func TestSearchPaths(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll("configs", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("configs", "tweetgen.yaml"), []byte("dataset:\n  block_size: 32\n"), 0o644))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Dataset.BlockSize)
	assert.Equal(t, "configs", filepath.Base(filepath.Dir(cfg.Path)))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "dataset: [not, a, map]\n"))
	require.ErrorContains(t, err, "failed to parse")

	_, err = Load(writeConfig(t, "dataset:\n  block_size: 0\n"))
	require.ErrorContains(t, err, "block_size")

	_, err = Load(writeConfig(t, "sentinels:\n  start: same\n  end: same\n"))
	require.ErrorContains(t, err, "must differ")
}

func TestEnvironmentSecrets(t *testing.T) {
	t.Setenv("TEST_HF_TOKEN", "hf-secret")
	t.Setenv("TEST_DEPLOY_KEY", "deploy-secret")
	cfg := Default()
	cfg.Tokenizer.AuthEnv = "TEST_HF_TOKEN"
	cfg.Deploy.APIKeyEnv = "TEST_DEPLOY_KEY"
	assert.Equal(t, "deploy-secret", cfg.DeployAPIKey())

	src := cfg.TokenizerSource()
	require.NotNil(t, src.Repo)
	assert.Equal(t, tokenizers.DefaultModelID, src.Repo.ID)
	cfg.Deploy.APIKeyEnv = ""
	assert.Empty(t, cfg.DeployAPIKey())
}
