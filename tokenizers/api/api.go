// Package api defines the Tokenizer API.
// It's kept apart from the implementations to break the cyclic dependency, and allow users to
// import `tokenizers` and get the default implementations.
package api

import "strconv"

// TokenSpan represents the byte span of a token in the original text.
// Start and End are byte offsets (not rune offsets), suitable for slicing
// Go strings directly: originalText[span.Start:span.End].
type TokenSpan struct {
	Start int // start byte position (inclusive)
	End   int // end byte position (exclusive)
}

// EncodingResult contains tokens with their spans in the original text.
type EncodingResult struct {
	IDs   []int       // token IDs
	Spans []TokenSpan // byte spans for each token
}

// Tokenizer interface allows one to convert text to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// TokenizerWithSpans extends Tokenizer with span tracking capability.
type TokenizerWithSpans interface {
	Tokenizer
	// EncodeWithSpans returns tokens along with their byte spans in the original text.
	EncodeWithSpans(text string) EncodingResult
}

// TokenizerWithSpecialTokens is a Tokenizer whose special tokens can be looked up by their text
// and extended with new ones.
//
// Special tokens registered with AddSpecialTokens are recognized verbatim inside the text given
// to Encode, and always map to their single reserved id: this is what makes sentinel strings
// (like the ones wrapping each post of a corpus) safe to embed in plain text.
type TokenizerWithSpecialTokens interface {
	Tokenizer

	// SpecialTokenText returns the literal text of the special token, e.g. "<|endoftext|>".
	SpecialTokenText(token SpecialToken) (string, error)

	// AddSpecialTokens registers the given texts as special tokens, assigning fresh ids after the
	// current vocabulary to texts not yet known. It returns how many new ids were created.
	AddSpecialTokens(tokens map[SpecialToken]string) (int, error)

	// VocabSize is the number of ids, including added tokens.
	VocabSize() int
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSpecialTokensCount:  "special_tokens_count",
}

// String implements fmt.Stringer.
func (t SpecialToken) String() string {
	if t < 0 || int(t) >= len(specialTokenNames) {
		return "SpecialToken(" + strconv.Itoa(int(t)) + ")"
	}
	return specialTokenNames[t]
}
