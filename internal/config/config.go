// Package config loads the tweetgen YAML configuration. Command-line flags override it.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/hub"
	"github.com/tweetgen/tweetgen/tokenizers"
	"gopkg.in/yaml.v3"
)

// SearchPaths are tried, in order, when no configuration file is given.
var SearchPaths = []string{"tweetgen.yaml", "configs/tweetgen.yaml"}

// Config of a tweetgen run.
type Config struct {
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	Sentinels SentinelsConfig `yaml:"sentinels"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Source    SourceConfig    `yaml:"source"`
	Train     TrainConfig     `yaml:"train"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Registry  RegistryConfig  `yaml:"registry"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Path of the file loaded, empty if only defaults are used.
	Path string `yaml:"-"`
}

type TokenizerConfig struct {
	ModelID    string `yaml:"model_id"`    // HuggingFace hub repository, used when File is empty.
	File       string `yaml:"file"`        // Local tokenizer.json or tokenizer.model.
	ConfigFile string `yaml:"config_file"` // Local tokenizer_config.json, used with File.
	Revision   string `yaml:"revision"`
	Endpoint   string `yaml:"endpoint"`
	AuthEnv    string `yaml:"auth_env"` // Environment variable holding the hub token.
	CacheDir   string `yaml:"cache_dir"`
}

type SentinelsConfig struct {
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
	Unknown string `yaml:"unknown"`
}

type DatasetConfig struct {
	TextField string `yaml:"text_field"`
	BlockSize int    `yaml:"block_size"`
	SortFiles bool   `yaml:"sort_files"`
	Cache     bool   `yaml:"cache"`      // Write the token stream to {output_dir}/{run}.safetensors.
	ExportDir string `yaml:"export_dir"` // If set, also write {export_dir}/{run}.parquet.
	Seed      uint64 `yaml:"seed"`
}

type SourceConfig struct {
	ScratchDir string `yaml:"scratch_dir"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type TrainConfig struct {
	Command   []string `yaml:"command"`
	Epochs    int      `yaml:"epochs"`
	SaveSteps int      `yaml:"save_steps"`
	BatchSize int      `yaml:"batch_size"`
	OutputDir string   `yaml:"output_dir"`
}

type DeployConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BaseURL            string `yaml:"base_url"`
	APIKeyEnv          string `yaml:"api_key_env"`
	MemoryMB           int    `yaml:"memory_mb"`
	CPUUnits           int    `yaml:"cpu_units"`
	WaitUntilHealthy   bool   `yaml:"wait_until_healthy"`
	MaxPredictAttempts int    `yaml:"max_predict_attempts"`
}

type RegistryConfig struct {
	// Path of the SQLite database. Empty disables the registry.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Verbosity int `yaml:"verbosity"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Tokenizer: TokenizerConfig{
			ModelID:  tokenizers.DefaultModelID,
			Revision: hub.DefaultRevision,
			AuthEnv:  "HF_TOKEN",
			CacheDir: hub.DefaultCacheDir,
		},
		Sentinels: SentinelsConfig{
			Start:   tokenizers.DefaultSentinels.Start,
			End:     tokenizers.DefaultSentinels.End,
			Unknown: tokenizers.DefaultSentinels.Unknown,
		},
		Dataset: DatasetConfig{
			TextField: "tweet",
			BlockSize: 64,
			SortFiles: true,
			Cache:     true,
		},
		Train: TrainConfig{
			Epochs:    1,
			SaveSteps: 1000,
			BatchSize: 32,
			OutputDir: "checkpoints",
		},
		Deploy: DeployConfig{
			Enabled:            true,
			APIKeyEnv:          "TWEETGEN_DEPLOY_API_KEY",
			MemoryMB:           2048,
			CPUUnits:           1024,
			MaxPredictAttempts: 5,
		},
		Registry: RegistryConfig{
			Path: "~/.cache/tweetgen/runs.db",
		},
	}
}

// Load reads the configuration at configPath over the defaults. If configPath is empty the
// SearchPaths are tried, and the defaults are returned if none exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath == "" {
		for _, p := range SearchPaths {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
		if configPath == "" {
			applyDefaults(cfg)
			return cfg, nil
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %s", configPath)
	}
	cfg.Path, _ = filepath.Abs(configPath)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "configuration %s", configPath)
	}
	return cfg, nil
}

// applyDefaults fills in values a configuration file may have zeroed out.
func applyDefaults(cfg *Config) {
	defaults := Default()
	if cfg.Tokenizer.ModelID == "" && cfg.Tokenizer.File == "" {
		cfg.Tokenizer.ModelID = defaults.Tokenizer.ModelID
	}
	if cfg.Tokenizer.Revision == "" {
		cfg.Tokenizer.Revision = defaults.Tokenizer.Revision
	}
	if cfg.Tokenizer.CacheDir == "" {
		cfg.Tokenizer.CacheDir = defaults.Tokenizer.CacheDir
	}
	if cfg.Dataset.TextField == "" {
		cfg.Dataset.TextField = defaults.Dataset.TextField
	}
	if cfg.Train.OutputDir == "" {
		cfg.Train.OutputDir = defaults.Train.OutputDir
	}
	if cfg.Deploy.MemoryMB <= 0 {
		cfg.Deploy.MemoryMB = defaults.Deploy.MemoryMB
	}
	if cfg.Deploy.CPUUnits <= 0 {
		cfg.Deploy.CPUUnits = defaults.Deploy.CPUUnits
	}
	if cfg.Deploy.MaxPredictAttempts <= 0 {
		cfg.Deploy.MaxPredictAttempts = defaults.Deploy.MaxPredictAttempts
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if c.Dataset.BlockSize <= 0 {
		return errors.Errorf("dataset.block_size must be positive, got %d", c.Dataset.BlockSize)
	}
	if c.Train.Epochs <= 0 || c.Train.SaveSteps <= 0 || c.Train.BatchSize <= 0 {
		return errors.Errorf("train.epochs, train.save_steps and train.batch_size must be positive, got %d, %d and %d",
			c.Train.Epochs, c.Train.SaveSteps, c.Train.BatchSize)
	}
	return c.SentinelTokens().Validate()
}

// SentinelTokens returns the configured sentinels.
func (c *Config) SentinelTokens() tokenizers.Sentinels {
	return tokenizers.Sentinels{Start: c.Sentinels.Start, End: c.Sentinels.End, Unknown: c.Sentinels.Unknown}
}

// TokenizerSource returns where to load the tokenizer from. The hub token is read from the
// environment variable named by AuthEnv.
func (c *Config) TokenizerSource() tokenizers.Source {
	if c.Tokenizer.File != "" {
		return tokenizers.Source{File: c.Tokenizer.File, ConfigFile: c.Tokenizer.ConfigFile}
	}
	repo := hub.New(c.Tokenizer.ModelID).
		WithRevision(c.Tokenizer.Revision).
		WithCacheDir(c.Tokenizer.CacheDir).
		WithEndpoint(c.Tokenizer.Endpoint)
	if c.Tokenizer.AuthEnv != "" {
		repo = repo.WithAuth(os.Getenv(c.Tokenizer.AuthEnv))
	}
	return tokenizers.Source{Repo: repo}
}

// DeployAPIKey reads the deployment API key from the environment variable named by APIKeyEnv.
func (c *Config) DeployAPIKey() string {
	if c.Deploy.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Deploy.APIKeyEnv)
}
