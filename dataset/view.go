package dataset

import (
	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/tokenizers/api"
	"k8s.io/klog/v2"
)

// View is a read-only dataset of overlapping windows over a token stream: window i is
// tokens[i : i+blockSize], for i in [0, Size()), so consecutive windows share all but one token.
//
// A View owns its token stream and never changes it, so it is safe for concurrent use.
type View struct {
	tokens    []int32
	blockSize int
}

// NewView takes ownership of tokens, whose length must be a multiple of blockSize and larger
// than blockSize.
func NewView(tokens []int32, blockSize int) (*View, error) {
	if blockSize <= 0 {
		return nil, &ConfigurationError{Reason: "block size must be positive"}
	}
	if len(tokens)%blockSize != 0 {
		return nil, errors.Errorf("token stream length %d is not a multiple of block size %d", len(tokens), blockSize)
	}
	if len(tokens) <= blockSize {
		return nil, &DataTooSmallError{Tokens: len(tokens), BlockSize: blockSize}
	}
	return &View{tokens: tokens, blockSize: blockSize}, nil
}

// Build tokenizes the records and returns their View. See BuildTokens.
func Build(tok api.Tokenizer, records []string, blockSize int, logger klog.Logger) (*View, error) {
	tokens, err := BuildTokens(tok, records, blockSize, logger)
	if err != nil {
		return nil, err
	}
	return NewView(tokens, blockSize)
}

// Size is the number of windows: Len() - BlockSize().
func (v *View) Size() int {
	return len(v.tokens) - v.blockSize
}

// BlockSize is the number of tokens in each window.
func (v *View) BlockSize() int {
	return v.blockSize
}

// Len is the number of tokens in the stream.
func (v *View) Len() int {
	return len(v.tokens)
}

// Get returns a copy of window i.
func (v *View) Get(i int) ([]int32, error) {
	if i < 0 || i >= v.Size() {
		return nil, &IndexOutOfRangeError{Index: i, Size: v.Size()}
	}
	window := make([]int32, v.blockSize)
	copy(window, v.tokens[i:i+v.blockSize])
	return window, nil
}

// Tokens returns a copy of the whole token stream.
func (v *View) Tokens() []int32 {
	tokens := make([]int32, len(v.tokens))
	copy(tokens, v.tokens)
	return tokens
}
