package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteEncode is a stand-in model tokenizer: one id per byte.
func byteEncode(text string) []int {
	ids := make([]int, len(text))
	for ii := range len(text) {
		ids[ii] = int(text[ii])
	}
	return ids
}

func byteDecode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteByte(byte(id))
	}
	return sb.String()
}

func TestAddedVocabularySplit(t *testing.T) {
	v := NewAddedVocabulary()
	v.Add("<|start|>", 1000)
	v.Add("<|end|>", 1001)
	v.Add("<|end|><|end|>", 1002)

	tests := []struct {
		name  string
		input string
		want  []Segment
	}{
		{"empty", "", nil},
		{"plain", "hello", []Segment{{Text: "hello"}}},
		{"wrapped", "<|start|>hi<|end|>", []Segment{
			{Text: "<|start|>", ID: 1000, IsAdded: true},
			{Text: "hi"},
			{Text: "<|end|>", ID: 1001, IsAdded: true},
		}},
		{"longest match first", "a<|end|><|end|>b", []Segment{
			{Text: "a"},
			{Text: "<|end|><|end|>", ID: 1002, IsAdded: true},
			{Text: "b"},
		}},
		{"partial marker is plain", "<|sta", []Segment{{Text: "<|sta"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, v.Split(tc.input))
		})
	}
}

func TestAddedVocabularyEncodeDecode(t *testing.T) {
	v := NewAddedVocabulary()
	v.Add("<s>", 300)
	v.Add("</s>", 301)
	require.Equal(t, 2, v.Len())
	require.Equal(t, 301, v.MaxID())

	ids := v.Encode("<s>ab</s><s>c</s>", byteEncode)
	assert.Equal(t, []int{300, 'a', 'b', 301, 300, 'c', 301}, ids)
	assert.Equal(t, "<s>ab</s><s>c</s>", v.Decode(ids, byteDecode))

	id, ok := v.ID("</s>")
	assert.True(t, ok)
	assert.Equal(t, 301, id)
	text, ok := v.Text(300)
	assert.True(t, ok)
	assert.Equal(t, "<s>", text)
}

func TestParseConfigContent(t *testing.T) {
	config, err := ParseConfigContent([]byte(`{
		"tokenizer_class": "GPT2Tokenizer",
		"model_max_length": 1024,
		"bos_token": "<|endoftext|>",
		"eos_token": {"content": "<|endoftext|>", "lstrip": false},
		"unk_token": null
	}`))
	require.NoError(t, err)
	assert.Equal(t, "GPT2Tokenizer", config.TokenizerClass)
	assert.Equal(t, 1024, config.ModelMaxLength)
	assert.Equal(t, "<|endoftext|>", config.BosToken)
	assert.Equal(t, "<|endoftext|>", config.Text(TokEndOfSentence))
	assert.Empty(t, config.UnkToken)

	config.SetText(TokUnknown, "<unk>")
	assert.Equal(t, "<unk>", config.Text(TokUnknown))

	_, err = ParseConfigContent([]byte(`{"bos_token": 3}`))
	assert.Error(t, err)
}

func TestSpecialTokenString(t *testing.T) {
	assert.Equal(t, "end_of_sentence", TokEndOfSentence.String())
	assert.Equal(t, "SpecialToken(42)", SpecialToken(42).String())
}
