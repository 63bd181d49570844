// Package sentencepiece implements a tokenizers.Tokenizer based on SentencePiece tokenizer.
package sentencepiece

import (
	"sort"
	"strings"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/hub"
	"github.com/tweetgen/tweetgen/tokenizers/api"
)

// processor is the subset of esentencepiece.Processor used by Tokenizer.
type processor interface {
	Encode(text string) []esentencepiece.Token
	Decode(ids []int) string
}

// New creates a SentencePiece tokenizer based on the "tokenizer.model" file, which must be a
// SentencePiece Model proto (see protos.Model).
//
// It implements a tokenizer.TokenizerConstructor function signature.
func New(config *api.Config, repo *hub.Repo) (api.TokenizerWithSpecialTokens, error) {
	if !repo.HasFile("tokenizer.model") {
		return nil, errors.Errorf("\"tokenizer.model\" file not found in repo %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile("tokenizer.model")
	if err != nil {
		return nil, errors.Wrapf(err, "can't download tokenizer.model file")
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a SentencePiece tokenizer from a local model file.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", filePath)
	}
	return newTokenizer(config, proc, proc.ModelInfo()), nil
}

// Tokenizer implements tokenizers.Tokenizer interface based on SentencePiece tokenizer by Google.
//
// SentencePiece control symbols are not matched in the input text. Texts for the model's own special
// tokens (from the config, or the conventional "<s>", "</s>", "<unk>", "<pad>") and tokens
// registered with AddSpecialTokens are matched verbatim before the model sees the text.
type Tokenizer struct {
	proc      processor
	Info      *esentencepiece.ModelInfo
	added     *api.AddedVocabulary
	special   [api.TokSpecialTokensCount]int
	vocabSize int
}

// Compile time assert that sentencepiece.Tokenizer implements api.TokenizerWithSpecialTokens.
var _ api.TokenizerWithSpecialTokens = &Tokenizer{}

// Compile time assert that sentencepiece.Tokenizer implements tokenizers.TokenizerWithSpans interface.
var _ api.TokenizerWithSpans = &Tokenizer{}

var defaultTexts = map[api.SpecialToken]string{
	api.TokBeginningOfSentence: "<s>",
	api.TokEndOfSentence:       "</s>",
	api.TokUnknown:             "<unk>",
	api.TokPad:                 "<pad>",
}

func newTokenizer(config *api.Config, proc processor, info *esentencepiece.ModelInfo) *Tokenizer {
	t := &Tokenizer{
		proc:      proc,
		Info:      info,
		added:     api.NewAddedVocabulary(),
		vocabSize: info.VocabularySize,
	}
	for ii := range t.special {
		t.special[ii] = -1
	}
	native := map[api.SpecialToken]int{
		api.TokBeginningOfSentence: info.BeginningOfSentenceID,
		api.TokEndOfSentence:       info.EndOfSentenceID,
		api.TokUnknown:             info.UnknownID,
		api.TokPad:                 info.PadID,
	}
	for token, id := range native {
		if id < 0 {
			continue
		}
		t.special[token] = id
		text := config.Text(token)
		if text == "" {
			text = defaultTexts[token]
		}
		t.added.Add(text, id)
	}
	return t
}

// Encode returns the text encoded into a sequence of ids.
func (t *Tokenizer) Encode(text string) []int {
	return t.added.Encode(text, func(plain string) []int {
		tokens := t.proc.Encode(plain)
		ids := make([]int, len(tokens))
		for ii, token := range tokens {
			ids[ii] = token.ID
		}
		return ids
	})
}

// EncodeWithSpans returns the text encoded into a sequence of ids along with their byte spans.
// It implements api.TokenizerWithSpans.
func (t *Tokenizer) EncodeWithSpans(text string) api.EncodingResult {
	var result api.EncodingResult
	offset := 0
	for _, segment := range t.added.Split(text) {
		if segment.IsAdded {
			result.IDs = append(result.IDs, segment.ID)
			result.Spans = append(result.Spans, api.TokenSpan{Start: offset, End: offset + len(segment.Text)})
		} else {
			t.appendPlainSpans(&result, text[:offset+len(segment.Text)], offset)
		}
		offset += len(segment.Text)
	}
	return result
}

// metaspace is SentencePiece's replacement for spaces, U+2581.
const metaspace = "▁"

// appendPlainSpans encodes text[offset:] and locates each piece in text, starting at offset.
func (t *Tokenizer) appendPlainSpans(result *api.EncodingResult, text string, offset int) {
	pos := offset
	for _, token := range t.proc.Encode(text[offset:]) {
		result.IDs = append(result.IDs, token.ID)
		piece, hasLeadingSpace := strings.CutPrefix(token.Text, metaspace)
		if hasLeadingSpace {
			for pos < len(text) && strings.ContainsRune(" \t\n\r", rune(text[pos])) {
				pos++
			}
		}
		start := pos
		switch {
		case piece == "" && hasLeadingSpace && start > offset:
			// The token is only the space.
			start--
		case piece != "":
			if idx := strings.Index(text[pos:], piece); idx >= 0 {
				start = pos + idx
				pos = start + len(piece)
			} else {
				pos = min(pos+len(piece), len(text))
			}
		}
		result.Spans = append(result.Spans, api.TokenSpan{Start: start, End: pos})
	}
}

// Decode returns the text from a sequence of ids.
func (t *Tokenizer) Decode(ids []int) string {
	return t.added.Decode(ids, t.proc.Decode)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if token < 0 || token >= api.TokSpecialTokensCount || t.special[token] < 0 {
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	return t.special[token], nil
}

// SpecialTokenText returns the text matched for the special token.
func (t *Tokenizer) SpecialTokenText(token api.SpecialToken) (string, error) {
	id, err := t.SpecialTokenID(token)
	if err != nil {
		return "", err
	}
	text, found := t.added.Text(id)
	if !found {
		return "", errors.Errorf("special token %s (id %d) has no text", token, id)
	}
	return text, nil
}

// AddSpecialTokens registers texts for special tokens. New texts get ids after the model's
// vocabulary; it returns how many ids were created.
func (t *Tokenizer) AddSpecialTokens(tokens map[api.SpecialToken]string) (int, error) {
	keys := make([]api.SpecialToken, 0, len(tokens))
	for token, text := range tokens {
		if token < 0 || token >= api.TokSpecialTokensCount || text == "" {
			return 0, errors.Errorf("invalid special token %s with text %q", token, text)
		}
		keys = append(keys, token)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var numAdded int
	for _, token := range keys {
		text := tokens[token]
		id, found := t.added.ID(text)
		if !found {
			id = t.vocabSize
			t.vocabSize++
			numAdded++
			t.added.Add(text, id)
		}
		t.special[token] = id
	}
	return numAdded, nil
}

// VocabSize returns the model's vocabulary size plus the ids created by AddSpecialTokens.
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}
