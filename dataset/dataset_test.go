package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tweetgen/tweetgen/tokenizers/api"
	"k8s.io/klog/v2"
)

// byteTokenizer encodes every byte as its own id; "<s>" and "</s>" are special tokens 256 and 257.
type byteTokenizer struct {
	added   *api.AddedVocabulary
	special map[api.SpecialToken]int
	next    int
}

var _ api.TokenizerWithSpecialTokens = &byteTokenizer{}

func newByteTokenizer() *byteTokenizer {
	tok := &byteTokenizer{added: api.NewAddedVocabulary(), special: map[api.SpecialToken]int{}, next: 256}
	_, err := tok.AddSpecialTokens(map[api.SpecialToken]string{
		api.TokBeginningOfSentence: "<s>",
		api.TokEndOfSentence:       "</s>",
	})
	if err != nil {
		panic(err)
	}
	return tok
}

func (t *byteTokenizer) Encode(text string) []int {
	return t.added.Encode(text, func(plain string) []int {
		ids := make([]int, len(plain))
		for ii := range len(plain) {
			ids[ii] = int(plain[ii])
		}
		return ids
	})
}

func (t *byteTokenizer) Decode(ids []int) string {
	return t.added.Decode(ids, func(plain []int) string {
		buf := make([]byte, len(plain))
		for ii, id := range plain {
			buf[ii] = byte(id)
		}
		return string(buf)
	})
}

func (t *byteTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	id, found := t.special[token]
	if !found {
		return 0, errors.Errorf("no %s token", token)
	}
	return id, nil
}

func (t *byteTokenizer) SpecialTokenText(token api.SpecialToken) (string, error) {
	id, err := t.SpecialTokenID(token)
	if err != nil {
		return "", err
	}
	text, _ := t.added.Text(id)
	return text, nil
}

func (t *byteTokenizer) AddSpecialTokens(tokens map[api.SpecialToken]string) (int, error) {
	var numAdded int
	for _, token := range []api.SpecialToken{api.TokBeginningOfSentence, api.TokEndOfSentence, api.TokUnknown} {
		text, found := tokens[token]
		if !found {
			continue
		}
		id, exists := t.added.ID(text)
		if !exists {
			id = t.next
			t.next++
			numAdded++
			t.added.Add(text, id)
		}
		t.special[token] = id
	}
	return numAdded, nil
}

func (t *byteTokenizer) VocabSize() int { return t.next }

// writeCorpus writes files (name -> content) into a new temporary directory.
func writeCorpus(t *testing.T, files map[string]string) string {
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func tweetLines(texts ...string) string {
	var sb strings.Builder
	for _, text := range texts {
		sb.WriteString(`{"username": "someone", "tweet": "` + text + `"}` + "\n")
	}
	return sb.String()
}

var testLogger = klog.Background()
