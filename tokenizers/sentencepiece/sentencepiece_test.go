package sentencepiece

import (
	"strings"
	"testing"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tweetgen/tweetgen/hub"
	"github.com/tweetgen/tweetgen/tokenizers/api"
)

// runeProcessor is a fake SentencePiece model with one piece per rune, id = rune + 10.
type runeProcessor struct{}

func (runeProcessor) Encode(text string) []esentencepiece.Token {
	var tokens []esentencepiece.Token
	for _, r := range text {
		piece := string(r)
		if r == ' ' {
			piece = metaspace
		}
		tokens = append(tokens, esentencepiece.Token{ID: int(r) + 10, Text: piece})
	}
	return tokens
}

func (runeProcessor) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteRune(rune(id - 10))
	}
	return sb.String()
}

func newFake(config *api.Config) *Tokenizer {
	return newTokenizer(config, runeProcessor{}, &esentencepiece.ModelInfo{
		VocabularySize:        200,
		UnknownID:             0,
		BeginningOfSentenceID: 1,
		EndOfSentenceID:       2,
		PadID:                 -1,
	})
}

func TestEncodeDecode(t *testing.T) {
	tok := newFake(nil)
	assert.Equal(t, []int{107, 108}, tok.Encode("ab"))
	assert.Equal(t, []int{1, 107, 108, 2}, tok.Encode("<s>ab</s>"))
	assert.Equal(t, "<s>ab</s>", tok.Decode([]int{1, 107, 108, 2}))
	assert.Empty(t, tok.Encode(""))
}

func TestSpecialTokens(t *testing.T) {
	tok := newFake(nil)
	id, err := tok.SpecialTokenID(api.TokEndOfSentence)
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	text, err := tok.SpecialTokenText(api.TokBeginningOfSentence)
	require.NoError(t, err)
	assert.Equal(t, "<s>", text)

	_, err = tok.SpecialTokenID(api.TokPad)
	require.Error(t, err)
	_, err = tok.SpecialTokenText(api.TokMask)
	require.Error(t, err)

	// Configured texts replace the conventional ones.
	tok = newFake(&api.Config{BosToken: "<bos>"})
	assert.Equal(t, []int{1, 107}, tok.Encode("<bos>a"))
	assert.Equal(t, []int{70, 125, 72, 107}, tok.Encode("<s>a"))
}

func TestAddSpecialTokens(t *testing.T) {
	tok := newFake(nil)
	numAdded, err := tok.AddSpecialTokens(map[api.SpecialToken]string{
		api.TokBeginningOfSentence: "<|startoftweet|>",
		api.TokEndOfSentence:       "<|endoftweet|>",
		api.TokUnknown:             "<|unknown|>",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, numAdded)
	assert.Equal(t, 203, tok.VocabSize())

	ids := tok.Encode("<|startoftweet|>a b<|endoftweet|>")
	assert.Equal(t, []int{200, 107, 42, 108, 201}, ids)
	assert.Equal(t, "<|startoftweet|>a b<|endoftweet|>", tok.Decode(ids))

	text, err := tok.SpecialTokenText(api.TokUnknown)
	require.NoError(t, err)
	assert.Equal(t, "<|unknown|>", text)

	// Existing texts are reused.
	numAdded, err = tok.AddSpecialTokens(map[api.SpecialToken]string{api.TokPad: "</s>"})
	require.NoError(t, err)
	assert.Zero(t, numAdded)
	pad, err := tok.SpecialTokenID(api.TokPad)
	require.NoError(t, err)
	assert.Equal(t, 2, pad)

	_, err = tok.AddSpecialTokens(map[api.SpecialToken]string{api.TokMask: ""})
	require.Error(t, err)
}

func TestEncodeWithSpans(t *testing.T) {
	tok := newFake(nil)
	text := "<s>a b"
	result := tok.EncodeWithSpans(text)
	assert.Equal(t, tok.Encode(text), result.IDs)
	assert.Equal(t, []api.TokenSpan{{Start: 0, End: 3}, {Start: 3, End: 4}, {Start: 4, End: 5}, {Start: 5, End: 6}}, result.Spans)

	result = tok.EncodeWithSpans("")
	assert.Empty(t, result.IDs)
	assert.Empty(t, result.Spans)
}

// TestHubModel runs against a real model when the hub is reachable.
func TestHubModel(t *testing.T) {
	repo := hub.New("google/flan-t5-small")
	if !repo.HasFile("tokenizer.model") {
		t.Skip("tokenizer.model not reachable")
	}
	tok, err := New(nil, repo)
	if err != nil {
		t.Skipf("model not supported: %v", err)
	}
	withSpans := tok.(*Tokenizer)
	for _, input := range []string{"hello world", "Multiple  spaces   here", "Emoji: 🎉"} {
		result := withSpans.EncodeWithSpans(input)
		assert.Equal(t, tok.Encode(input), result.IDs, input)
		for _, span := range result.Spans {
			assert.True(t, span.Start >= 0 && span.Start <= span.End && span.End <= len(input), "span %v of %q", span, input)
		}
	}
}
