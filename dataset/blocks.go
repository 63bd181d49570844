package dataset

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/tokenizers/api"
	"k8s.io/klog/v2"
)

// BuildTokens tokenizes the concatenation of the records, with no separator, in a single pass,
// and drops the tail ids that don't fill a whole block.
//
// It returns a *ConfigurationError if blockSize is not positive, and a *DataTooSmallError if the
// records tokenize to no more than blockSize ids, or if what is left after dropping the tail
// can't hold a single window.
func BuildTokens(tok api.Tokenizer, records []string, blockSize int, logger klog.Logger) ([]int32, error) {
	if blockSize <= 0 {
		return nil, &ConfigurationError{Reason: "block size must be positive"}
	}
	ids := tok.Encode(strings.Join(records, ""))
	if len(ids) <= blockSize {
		return nil, &DataTooSmallError{Tokens: len(ids), BlockSize: blockSize}
	}

	remainder := len(ids) % blockSize
	kept := len(ids) - remainder
	// Stricter than the Python trainer, which accepts this and yields an empty dataset.
	if kept <= blockSize {
		return nil, &DataTooSmallError{Tokens: kept, BlockSize: blockSize}
	}
	tokens := make([]int32, kept)
	for ii, id := range ids[:kept] {
		if id < 0 || id > math.MaxInt32 {
			return nil, errors.Errorf("token id %d at position %d does not fit in int32", id, ii)
		}
		tokens[ii] = int32(id)
	}

	logger.Info("Tokenized corpus", "records", len(records), "tokens", len(ids), "dropped", remainder, "block_size", blockSize)
	if debug := logger.V(1); debug.Enabled() {
		debug.Info("First block", "text", tok.Decode(ids[:blockSize]))
	}
	return tokens, nil
}
