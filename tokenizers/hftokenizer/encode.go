package hftokenizer

import (
	"strings"
	"unicode"

	"github.com/tweetgen/tweetgen/tokenizers/api"
	"golang.org/x/text/unicode/norm"
)

// Encode converts text to a sequence of token IDs.
// Added tokens are matched first; the text between them goes through normalization,
// pre-tokenization and the model.
func (t *Tokenizer) Encode(text string) []int {
	return t.added.Encode(text, t.encodePlain)
}

func (t *Tokenizer) encodePlain(text string) []int {
	text = applyNormalizer(text, t.spec.Normalizer)
	var ids []int
	for _, word := range applyPreTokenizer(text, t.spec.PreTokenizer) {
		ids = append(ids, t.encodeWord(word)...)
	}
	return ids
}

func applyNormalizer(text string, n *Normalizer) string {
	if n == nil {
		return text
	}
	switch n.Type {
	case "Lowercase":
		return strings.ToLower(text)
	case "NFD":
		return norm.NFD.String(text)
	case "NFC":
		return norm.NFC.String(text)
	case "NFKC":
		return norm.NFKC.String(text)
	case "NFKD":
		return norm.NFKD.String(text)
	case "StripAccents":
		return removeAccents(norm.NFD.String(text))
	case "BertNormalizer":
		text = cleanText(text)
		if n.Lowercase {
			text = strings.ToLower(text)
		}
		return text
	case "Prepend":
		return n.Prepend + text
	case "Replace":
		if n.Pattern != nil && n.Pattern.String != "" {
			return strings.ReplaceAll(text, n.Pattern.String, n.Content)
		}
		return text
	case "Sequence":
		for ii := range n.Normalizers {
			text = applyNormalizer(text, &n.Normalizers[ii])
		}
		return text
	}
	return text
}

func applyPreTokenizer(text string, pt *PreTokenizer) []string {
	if pt == nil {
		return strings.Fields(text)
	}
	switch pt.Type {
	case "BertPreTokenizer":
		return bertPreTokenize(text)
	case "ByteLevel":
		if pt.AddPrefixSpace && text != "" && text[0] != ' ' {
			text = " " + text
		}
		words := byteLevelSplit(text)
		for ii, word := range words {
			words[ii] = byteLevelEncode(word)
		}
		return words
	case "Metaspace":
		return metaspacePreTokenize(text, pt.AddPrefixSpace, pt.Replacement)
	case "Punctuation":
		return punctuationPreTokenize(text)
	case "Sequence":
		pieces := []string{text}
		for ii := range pt.PreTokenizers {
			var next []string
			for _, piece := range pieces {
				next = append(next, applyPreTokenizer(piece, &pt.PreTokenizers[ii])...)
			}
			pieces = next
		}
		return pieces
	}
	// Whitespace, WhitespaceSplit, Split and anything unknown.
	return strings.Fields(text)
}

func (t *Tokenizer) encodeWord(word string) []int {
	if word == "" {
		return nil
	}
	switch t.spec.Model.Type {
	case "WordPiece":
		return t.wordPiece(word)
	case "BPE":
		return t.bpe(word)
	case "Unigram":
		return t.unigram(word)
	}
	if id, ok := t.spec.Model.Vocab[word]; ok {
		return []int{id}
	}
	return t.unknown()
}

// unknown returns the unknown token id as a slice, or nil if the tokenizer has none.
func (t *Tokenizer) unknown() []int {
	if id := t.special[api.TokUnknown]; id >= 0 {
		return []int{id}
	}
	return nil
}

func (t *Tokenizer) wordPiece(word string) []int {
	maxChars := t.spec.Model.MaxInputCharsPerWord
	if maxChars == 0 {
		maxChars = 100
	}
	if len(word) > maxChars {
		return t.unknown()
	}
	prefix := t.spec.Model.ContinuingSubwordPrefix
	if prefix == "" {
		prefix = "##"
	}

	var ids []int
	for start := 0; start < len(word); {
		end := len(word)
		for ; end > start; end-- {
			piece := word[start:end]
			if start > 0 {
				piece = prefix + piece
			}
			if id, ok := t.spec.Model.Vocab[piece]; ok {
				ids = append(ids, id)
				break
			}
		}
		if end == start {
			// The whole word becomes unknown if any part can't be matched.
			return t.unknown()
		}
		start = end
	}
	return ids
}

// bpe applies the merges in rank order. Results are cached per word, since tweets repeat
// words a lot.
func (t *Tokenizer) bpe(word string) []int {
	t.bpeCacheMu.Lock()
	cached, found := t.bpeCache[word]
	t.bpeCacheMu.Unlock()
	if found {
		return cached
	}

	symbols := make([]string, 0, len(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	if suffix := t.spec.Model.EndOfWordSuffix; suffix != "" {
		symbols[len(symbols)-1] += suffix
	}
	for len(symbols) > 1 {
		bestIdx, bestRank := -1, 0
		for ii := 0; ii+1 < len(symbols); ii++ {
			rank, ok := t.mergeRank[[2]string{symbols[ii], symbols[ii+1]}]
			if ok && (bestIdx < 0 || rank < bestRank) {
				bestIdx, bestRank = ii, rank
			}
		}
		if bestIdx < 0 {
			break
		}
		symbols[bestIdx] += symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx+1], symbols[bestIdx+2:]...)
	}

	ids := make([]int, 0, len(symbols))
	for _, symbol := range symbols {
		if id, ok := t.spec.Model.Vocab[symbol]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.unknown()...)
	}

	t.bpeCacheMu.Lock()
	t.bpeCache[word] = ids
	t.bpeCacheMu.Unlock()
	return ids
}

// unigram does a greedy longest match, which is an approximation of the Viterbi decoding
// the Unigram model would do.
func (t *Tokenizer) unigram(word string) []int {
	var ids []int
	runes := []rune(word)
	for start := 0; start < len(runes); {
		end := len(runes)
		for ; end > start; end-- {
			if id, ok := t.spec.Model.Vocab[string(runes[start:end])]; ok {
				ids = append(ids, id)
				break
			}
		}
		if end == start {
			ids = append(ids, t.unknown()...)
			end = start + 1
		}
		start = end
	}
	return ids
}

func cleanText(text string) string {
	var sb strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
		case isWhitespace(r):
			sb.WriteByte(' ')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func isWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

// isPunctuation follows BERT: all non-alphanumeric ASCII symbols count as punctuation.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func removeAccents(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, text)
}

// splitKeeping splits on whitespace (dropped) and on runes for which isolate returns true
// (kept as their own pieces).
func splitKeeping(text string, dropWhitespace bool, isolate func(rune) bool) []string {
	var pieces []string
	start := -1
	flush := func(end int) {
		if start >= 0 && end > start {
			pieces = append(pieces, text[start:end])
		}
		start = -1
	}
	for pos, r := range text {
		switch {
		case dropWhitespace && isWhitespace(r):
			flush(pos)
		case isolate(r):
			flush(pos)
			pieces = append(pieces, string(r))
		default:
			if start < 0 {
				start = pos
			}
		}
	}
	flush(len(text))
	return pieces
}

func bertPreTokenize(text string) []string {
	return splitKeeping(text, true, isPunctuation)
}

func punctuationPreTokenize(text string) []string {
	return splitKeeping(text, false, isPunctuation)
}

func metaspacePreTokenize(text string, addPrefixSpace bool, replacement string) []string {
	if replacement == "" {
		replacement = "▁"
	}
	if addPrefixSpace && text != "" && text[0] != ' ' {
		text = " " + text
	}
	parts := strings.Split(strings.ReplaceAll(text, " ", replacement), replacement)
	pieces := make([]string, 0, len(parts))
	if parts[0] != "" {
		pieces = append(pieces, parts[0])
	}
	for _, part := range parts[1:] {
		pieces = append(pieces, replacement+part)
	}
	return pieces
}
