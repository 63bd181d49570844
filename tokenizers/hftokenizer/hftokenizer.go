// Package hftokenizer implements a tokenizer for HuggingFace's tokenizer.json format.
// This format is used by the HuggingFace Tokenizers library (the "fast" tokenizers)
// and supports WordPiece (BERT), byte-level BPE (GPT-2, RoBERTa), and Unigram models.
//
// Added tokens (and special tokens registered later with AddSpecialTokens) are matched verbatim
// in the input before normalization, so they always encode to their own single id.
package hftokenizer

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/hub"
	"github.com/tweetgen/tweetgen/tokenizers/api"
)

// TokenizerJSON represents the structure of HuggingFace's tokenizer.json file.
// Only the fields used for encoding and decoding are kept.
type TokenizerJSON struct {
	Version       string          `json:"version"`
	AddedTokens   []AddedToken    `json:"added_tokens"`
	Normalizer    *Normalizer     `json:"normalizer"`
	PreTokenizer  *PreTokenizer   `json:"pre_tokenizer"`
	PostProcessor json.RawMessage `json:"post_processor"`
	Decoder       *Decoder        `json:"decoder"`
	Model         Model           `json:"model"`
}

// AddedToken represents a token added to the vocabulary, special or not.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`
}

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type        string       `json:"type"`
	Lowercase   bool         `json:"lowercase"`
	Normalizers []Normalizer `json:"normalizers"`
	Prepend     string       `json:"prepend"`
	Pattern     *Pattern     `json:"pattern"`
	Content     string       `json:"content"`
}

// Pattern for string or regex based operations. Only String patterns are applied.
type Pattern struct {
	Regex  string `json:"Regex,omitempty"`
	String string `json:"String,omitempty"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type           string         `json:"type"`
	AddPrefixSpace bool           `json:"add_prefix_space"`
	PreTokenizers  []PreTokenizer `json:"pretokenizers"`
	Replacement    string         `json:"replacement"`
}

// Decoder represents the decoder configuration.
type Decoder struct {
	Type     string    `json:"type"`
	Prefix   string    `json:"prefix"`
	Suffix   string    `json:"suffix"`
	Decoders []Decoder `json:"decoders"`
	Pattern  *Pattern  `json:"pattern"`
	Content  string    `json:"content"`
}

// Model represents the tokenizer model (WordPiece, BPE, or Unigram).
type Model struct {
	Type                    string         `json:"type"`
	Vocab                   map[string]int `json:"vocab"`
	Merges                  Merges         `json:"merges"`
	UnkToken                string         `json:"unk_token"`
	ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
	EndOfWordSuffix         string         `json:"end_of_word_suffix"`
	ByteFallback            bool           `json:"byte_fallback"`
}

// Merges of a BPE model. tokenizer.json stores them either as "left right" strings or, in newer
// versions, as ["left", "right"] pairs; both are accepted.
type Merges [][2]string

// UnmarshalJSON implements json.Unmarshaler.
func (m *Merges) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "merges must be a list")
	}
	merges := make(Merges, 0, len(raw))
	for ii, item := range raw {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			left, right, found := strings.Cut(text, " ")
			if !found {
				return errors.Errorf("merge #%d %q is not a pair", ii, text)
			}
			merges = append(merges, [2]string{left, right})
			continue
		}
		var pair []string
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
			return errors.Errorf("merge #%d is neither \"a b\" nor [\"a\", \"b\"]: %s", ii, string(item))
		}
		merges = append(merges, [2]string{pair[0], pair[1]})
	}
	*m = merges
	return nil
}

// Tokenizer implements api.TokenizerWithSpecialTokens for tokenizer.json files.
//
// Encode and Decode are safe for concurrent use; AddSpecialTokens is not.
type Tokenizer struct {
	config    *api.Config
	spec      *TokenizerJSON
	idToToken map[int]string
	mergeRank map[[2]string]int
	added     *api.AddedVocabulary
	special   [api.TokSpecialTokensCount]int
	nextID    int

	bpeCacheMu sync.Mutex
	bpeCache   map[string][]int
}

// Compile time assert that Tokenizer implements api.TokenizerWithSpecialTokens interface.
var _ api.TokenizerWithSpecialTokens = &Tokenizer{}

// New creates a HuggingFace tokenizer from the repo's tokenizer.json file.
func New(config *api.Config, repo *hub.Repo) (api.TokenizerWithSpecialTokens, error) {
	if !repo.HasFile("tokenizer.json") {
		return nil, errors.Errorf("\"tokenizer.json\" file not found in repo %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile("tokenizer.json")
	if err != nil {
		return nil, errors.Wrapf(err, "can't download tokenizer.json file")
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a HuggingFace tokenizer from a local tokenizer.json file path.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	return NewFromContent(config, content)
}

// NewFromContent creates a HuggingFace tokenizer from tokenizer.json content.
// config may be nil; if given, its special token texts are used to resolve special tokens the
// tokenizer.json does not flag itself.
func NewFromContent(config *api.Config, content []byte) (*Tokenizer, error) {
	var spec TokenizerJSON
	if err := json.Unmarshal(content, &spec); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}
	switch spec.Model.Type {
	case "BPE", "WordPiece", "Unigram", "":
	default:
		return nil, errors.Errorf("tokenizer model type %q not supported", spec.Model.Type)
	}

	t := &Tokenizer{
		config:    config,
		spec:      &spec,
		idToToken: make(map[int]string, len(spec.Model.Vocab)+len(spec.AddedTokens)),
		added:     api.NewAddedVocabulary(),
		bpeCache:  make(map[string][]int),
	}
	for ii := range t.special {
		t.special[ii] = -1
	}
	for token, id := range spec.Model.Vocab {
		t.idToToken[id] = token
		t.nextID = max(t.nextID, id+1)
	}
	for _, at := range spec.AddedTokens {
		t.added.Add(at.Content, at.ID)
		t.idToToken[at.ID] = at.Content
		t.nextID = max(t.nextID, at.ID+1)
	}
	if spec.Model.Type == "BPE" {
		t.mergeRank = make(map[[2]string]int, len(spec.Model.Merges))
		for rank, pair := range spec.Model.Merges {
			if _, found := t.mergeRank[pair]; !found {
				t.mergeRank[pair] = rank
			}
		}
	}
	t.resolveSpecialTokens()
	return t, nil
}

// knownSpecialTexts are the conventional texts of special tokens, used when neither the
// tokenizer.json nor the config say otherwise.
var knownSpecialTexts = map[string]api.SpecialToken{
	"[UNK]":  api.TokUnknown,
	"<unk>":  api.TokUnknown,
	"[PAD]":  api.TokPad,
	"<pad>":  api.TokPad,
	"[CLS]":  api.TokClassification,
	"[MASK]": api.TokMask,
	"<mask>": api.TokMask,
}

// resolveSpecialTokens maps special tokens to their ids, in increasing priority: conventional
// texts, the model's unk_token, then texts given in the config.
func (t *Tokenizer) resolveSpecialTokens() {
	var sepID = -1
	for _, at := range t.spec.AddedTokens {
		if !at.Special {
			continue
		}
		if token, found := knownSpecialTexts[at.Content]; found {
			t.special[token] = at.ID
		}
		switch at.Content {
		case "<s>":
			t.special[api.TokClassification] = at.ID
			if t.special[api.TokBeginningOfSentence] < 0 {
				t.special[api.TokBeginningOfSentence] = at.ID
			}
		case "</s>", "[SEP]":
			sepID = at.ID
		case "<|endoftext|>":
			// GPT-2 uses the same token for both ends.
			t.special[api.TokBeginningOfSentence] = at.ID
			t.special[api.TokEndOfSentence] = at.ID
		}
	}
	if t.spec.Model.UnkToken != "" {
		if id, found := t.TokenToID(t.spec.Model.UnkToken); found {
			t.special[api.TokUnknown] = id
		}
	}
	for token := api.SpecialToken(0); token < api.TokSpecialTokensCount; token++ {
		if text := t.config.Text(token); text != "" {
			if id, found := t.TokenToID(text); found {
				t.special[token] = id
			}
		}
	}
	// BERT-style models: CLS and SEP stand for BOS and EOS.
	if t.special[api.TokBeginningOfSentence] < 0 {
		t.special[api.TokBeginningOfSentence] = t.special[api.TokClassification]
	}
	if t.special[api.TokEndOfSentence] < 0 {
		t.special[api.TokEndOfSentence] = sepID
	}
}

// SpecialTokenID returns the ID for a given special token.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if token < 0 || token >= api.TokSpecialTokensCount || t.special[token] < 0 {
		return 0, errors.Errorf("special token %s not found", token)
	}
	return t.special[token], nil
}

// SpecialTokenText returns the literal text of a special token.
func (t *Tokenizer) SpecialTokenText(token api.SpecialToken) (string, error) {
	id, err := t.SpecialTokenID(token)
	if err != nil {
		return "", err
	}
	text, found := t.idToToken[id]
	if !found {
		return "", errors.Errorf("special token %s has id %d, which has no text", token, id)
	}
	return text, nil
}

// AddSpecialTokens registers the texts as special tokens. Texts already in the vocabulary keep
// their id; new texts get ids after the current vocabulary. Registered texts are matched verbatim
// by Encode from then on.
func (t *Tokenizer) AddSpecialTokens(tokens map[api.SpecialToken]string) (int, error) {
	keys := make([]api.SpecialToken, 0, len(tokens))
	for token, text := range tokens {
		if token < 0 || token >= api.TokSpecialTokensCount {
			return 0, errors.Errorf("invalid special token %s", token)
		}
		if text == "" {
			return 0, errors.Errorf("empty text for special token %s", token)
		}
		keys = append(keys, token)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var numAdded int
	for _, token := range keys {
		text := tokens[token]
		id, found := t.TokenToID(text)
		if !found {
			id = t.nextID
			t.nextID++
			numAdded++
			t.idToToken[id] = text
			t.spec.AddedTokens = append(t.spec.AddedTokens, AddedToken{ID: id, Content: text, Special: true})
		}
		t.added.Add(text, id)
		t.special[token] = id
	}
	return numAdded, nil
}

// VocabSize returns the number of ids, that is, one more than the largest id in use.
func (t *Tokenizer) VocabSize() int {
	return t.nextID
}

// GetVocab returns the full vocabulary mapping, including added tokens.
func (t *Tokenizer) GetVocab() map[string]int {
	vocab := make(map[string]int, len(t.idToToken))
	for id, token := range t.idToToken {
		vocab[token] = id
	}
	return vocab
}

// GetTokenizerType returns the model type (WordPiece, BPE, Unigram).
func (t *Tokenizer) GetTokenizerType() string {
	return t.spec.Model.Type
}

// TokenToID converts a token string to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.added.ID(token); ok {
		return id, true
	}
	id, ok := t.spec.Model.Vocab[token]
	return id, ok
}

// IDToToken converts a token ID to its string.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.idToToken[id]
	return token, ok
}

// AddedTokensList returns the list of added tokens sorted by ID.
func (t *Tokenizer) AddedTokensList() []AddedToken {
	result := make([]AddedToken, len(t.spec.AddedTokens))
	copy(result, t.spec.AddedTokens)
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}
