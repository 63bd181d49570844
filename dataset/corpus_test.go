package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tweetgen/tweetgen/tokenizers/api"
)

func TestLoadSkipsBlankLines(t *testing.T) {
	dir := writeCorpus(t, map[string]string{"000.txt": "\n   \n{\"tweet\":\"hi\"}\n"})
	records, err := NewLoader().Load(dir, "<s>", "</s>")
	require.NoError(t, err)
	assert.Equal(t, []string{"<s>hi</s>"}, records)
}

func TestLoadOrder(t *testing.T) {
	dir := writeCorpus(t, map[string]string{
		"001.txt":        tweetLines("c", "d"),
		"000.txt":        tweetLines("a", "b"),
		"nested/002.txt": tweetLines("ignored"),
	})
	records, err := NewLoader(WithSortedFiles(true), WithLogger(testLogger)).Load(dir, "[", "]")
	require.NoError(t, err)
	assert.Equal(t, []string{"[a]", "[b]", "[c]", "[d]"}, records)

	// Unsorted listing yields the same records, file by file, in some order.
	records, err = NewLoader().Load(dir, "[", "]")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"[a]", "[b]", "[c]", "[d]"}, records)
	if records[0] == "[a]" {
		assert.Equal(t, "[b]", records[1])
	} else {
		assert.Equal(t, []string{"[c]", "[d]", "[a]", "[b]"}, records)
	}
}

func TestLoadTextField(t *testing.T) {
	dir := writeCorpus(t, map[string]string{"posts.jsonl": `{"text": "hello", "tweet": "other"}` + "\r\n" + `{"text": "ünïcode ✓"}`})
	records, err := NewLoader(WithTextField("text")).Load(dir, "<s>", "</s>")
	require.NoError(t, err)
	assert.Equal(t, []string{"<s>hello</s>", "<s>ünïcode ✓</s>"}, records)

	_, err = NewLoader(WithTextField("")).Load(dir, "<s>", "</s>")
	var configErr *ConfigurationError
	require.True(t, errors.As(err, &configErr))
}

func TestLoadConfigurationError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	_, err := NewLoader().Load(missing, "<s>", "</s>")
	var configErr *ConfigurationError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, missing, configErr.Path)
	assert.Contains(t, err.Error(), missing)

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte(tweetLines("a")), 0o644))
	_, err = NewLoader().Load(file, "<s>", "</s>")
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, file, configErr.Path)
}

func TestLoadParseError(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `{"tweet": "unterminated`},
		{"not an object", `["tweet"]`},
		{"missing field", `{"text": "hi"}`},
		{"not a string", `{"tweet": 42}`},
		{"null", `{"tweet": null}`},
		{"invalid utf-8", "{\"tweet\": \"\xff\"}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeCorpus(t, map[string]string{"000.txt": tweetLines("fine") + "\n" + tt.line + "\n"})
			records, err := NewLoader().Load(dir, "<s>", "</s>")
			require.Error(t, err)
			assert.Nil(t, records)
			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "got %v", err)
			assert.Equal(t, filepath.Join(dir, "000.txt"), parseErr.Path)
			assert.Equal(t, 3, parseErr.Line)
			assert.Contains(t, err.Error(), "000.txt:3")
		})
	}
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c", "d"}, splitLines("a\nb\r\nc\rd\n"))
	assert.Equal(t, []string{"a", "", "b"}, splitLines("a\n\nb"))
	assert.Nil(t, splitLines(""))
}

func TestPostText(t *testing.T) {
	line := `{"username": "someone", "tweet": "hello \u00e9", "likes": 3}`
	text, err := PostText(line, "tweet")
	require.NoError(t, err)
	assert.Equal(t, "hello é", text)
	text, err = PostText(line, "username")
	require.NoError(t, err)
	assert.Equal(t, "someone", text)

	for _, tt := range []struct{ line, field, want string }{
		{line, "missing", `missing field "missing"`},
		{line, "likes", `field "likes" is not a string`},
		{`{"tweet": null}`, "tweet", "is not a string"},
		{`["tweet"]`, "tweet", "not a JSON object"},
	} {
		_, err := PostText(tt.line, tt.field)
		assert.ErrorContains(t, err, tt.want, tt.line)
	}
}

func TestSentinelsFrom(t *testing.T) {
	start, end, err := SentinelsFrom(newByteTokenizer())
	require.NoError(t, err)
	assert.Equal(t, "<s>", start)
	assert.Equal(t, "</s>", end)

	tok := newByteTokenizer()
	delete(tok.special, api.TokEndOfSentence)
	_, _, err = SentinelsFrom(tok)
	require.Error(t, err)
}
