// Package tokenizers creates tokenizers from HuggingFace hub repositories or local files, and
// registers the sentinel special tokens that delimit each post.
//
// Tokenizers are plain values: build one with New, register sentinels with RegisterSentinels,
// and pass it to whatever needs it.
package tokenizers

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/hub"
	"github.com/tweetgen/tweetgen/internal/files"
	"github.com/tweetgen/tweetgen/tokenizers/api"
	"github.com/tweetgen/tweetgen/tokenizers/hftokenizer"
	"github.com/tweetgen/tweetgen/tokenizers/sentencepiece"
	"k8s.io/klog/v2"
)

// DefaultModelID is the hub repository used when no tokenizer is configured: GPT-2's byte-level BPE.
const DefaultModelID = "openai-community/gpt2"

// TokenizerConstructor creates a tokenizer from a hub repository.
// Both hftokenizer.New and sentencepiece.New implement it.
type TokenizerConstructor func(config *api.Config, repo *hub.Repo) (api.TokenizerWithSpecialTokens, error)

// repoFiles lists, in order of preference, the tokenizer files recognized in a hub repository.
var repoFiles = []struct {
	name        string
	constructor TokenizerConstructor
}{
	{"tokenizer.json", hftokenizer.New},
	{"tokenizer.model", sentencepiece.New},
}

// Source describes where to get a tokenizer from.
// If File is set the tokenizer is read from it, otherwise from Repo.
type Source struct {
	// File is a local tokenizer.json or SentencePiece tokenizer.model file.
	File string

	// ConfigFile is an optional local tokenizer_config.json, used with File.
	ConfigFile string

	// Repo is a HuggingFace hub repository. Its tokenizer_config.json is used if present.
	Repo *hub.Repo
}

// New creates the tokenizer described by src.
func New(src Source) (api.TokenizerWithSpecialTokens, error) {
	if src.File != "" {
		return fromFile(src.File, src.ConfigFile)
	}
	if src.Repo == nil {
		return nil, errors.New("tokenizer source has neither a file nor a hub repository")
	}
	return FromRepo(src.Repo)
}

// FromRepo creates a tokenizer from the files of a hub repository.
func FromRepo(repo *hub.Repo) (api.TokenizerWithSpecialTokens, error) {
	var config *api.Config
	if repo.HasFile("tokenizer_config.json") {
		configPath, err := repo.DownloadFile("tokenizer_config.json")
		if err != nil {
			return nil, errors.WithMessagef(err, "downloading tokenizer_config.json from %s", repo)
		}
		config, err = api.ParseConfigFile(configPath)
		if err != nil {
			return nil, err
		}
	}
	for _, candidate := range repoFiles {
		if repo.HasFile(candidate.name) {
			return candidate.constructor(config, repo)
		}
	}
	return nil, errors.Errorf("repo %s has no tokenizer file (looked for tokenizer.json and tokenizer.model)", repo)
}

func fromFile(path, configPath string) (api.TokenizerWithSpecialTokens, error) {
	path = files.ReplaceTildeInDir(path)
	if !files.Exists(path) {
		return nil, errors.Errorf("tokenizer file %q not found", path)
	}
	var config *api.Config
	if configPath != "" {
		var err error
		config, err = api.ParseConfigFile(files.ReplaceTildeInDir(configPath))
		if err != nil {
			return nil, err
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return hftokenizer.NewFromFile(config, path)
	case ".model":
		return sentencepiece.NewFromFile(config, path)
	}
	return nil, errors.Errorf("tokenizer file %q: unknown format, expected a .json or .model file", path)
}

// Sentinels are the texts of the special tokens registered on a tokenizer before building a dataset.
type Sentinels struct {
	// Start is registered as the beginning-of-sentence token and prefixes every post.
	Start string
	// End is registered as the end-of-sentence token and follows every post.
	End string
	// Unknown is registered as the unknown token. Optional.
	Unknown string
}

// DefaultSentinels are used when none are configured.
var DefaultSentinels = Sentinels{
	Start:   "<|startoftweet|>",
	End:     "<|endoftweet|>",
	Unknown: "<|unknown|>",
}

// Validate checks the sentinels can be registered.
func (s Sentinels) Validate() error {
	if s.Start == "" || s.End == "" {
		return errors.Errorf("start and end sentinels must be set, got start=%q end=%q", s.Start, s.End)
	}
	if s.Start == s.End {
		return errors.Errorf("start and end sentinels must differ, both are %q", s.Start)
	}
	return nil
}

// RegisterSentinels registers the sentinels as the tokenizer's BOS, EOS and unknown tokens and
// returns how many new ids were created. A model trained with the tokenizer needs its embedding
// table resized to tok.VocabSize().
func RegisterSentinels(tok api.TokenizerWithSpecialTokens, s Sentinels, logger klog.Logger) (int, error) {
	if err := s.Validate(); err != nil {
		return 0, err
	}
	tokens := map[api.SpecialToken]string{
		api.TokBeginningOfSentence: s.Start,
		api.TokEndOfSentence:       s.End,
	}
	if s.Unknown != "" {
		tokens[api.TokUnknown] = s.Unknown
	}
	before := tok.VocabSize()
	numAdded, err := tok.AddSpecialTokens(tokens)
	if err != nil {
		return 0, errors.WithMessage(err, "registering sentinel tokens")
	}
	logger.Info("Registered sentinel tokens", "added", numAdded, "vocab_size_before", before, "vocab_size_after", tok.VocabSize())
	return numAdded, nil
}
