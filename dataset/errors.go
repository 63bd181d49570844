package dataset

import (
	"fmt"
)

// ConfigurationError reports an unusable input path or parameter. Path is empty for
// parameter errors.
type ConfigurationError struct {
	Path   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return "invalid dataset configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid dataset path %q: %s", e.Path, e.Reason)
}

// ParseError reports a non-blank line that is not a JSON object with the text field.
// Line is 1-based.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

// Unwrap returns the underlying decoding error.
func (e *ParseError) Unwrap() error { return e.Err }

// DataTooSmallError reports a token stream that cannot fill a single window plus one token.
type DataTooSmallError struct {
	Tokens    int
	BlockSize int
}

func (e *DataTooSmallError) Error() string {
	return fmt.Sprintf("dataset too small: %d tokens, need more than block size %d", e.Tokens, e.BlockSize)
}

// IndexOutOfRangeError reports a window index outside [0, Size).
type IndexOutOfRangeError struct {
	Index int
	Size  int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("window index %d out of range [0, %d)", e.Index, e.Size)
}
