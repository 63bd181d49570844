// Package dataset turns a directory of line-delimited JSON posts into a windowed token dataset
// for causal language model fine-tuning.
//
// The pipeline is:
//
//	records, err := dataset.NewLoader(dataset.WithLogger(logger)).Load(dir, start, end)
//	view, err := dataset.Build(tok, records, 64, logger)
//	window, err := view.Get(0)
//
// Everything a step needs (tokenizer, sentinels, block size, logger) is passed explicitly.
package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tweetgen/tweetgen/tokenizers/api"
	"k8s.io/klog/v2"
)

// DefaultTextField is the JSON field holding the post text.
const DefaultTextField = "tweet"

// Loader reads the posts of a corpus directory and wraps each with the sentinels.
type Loader struct {
	logger    klog.Logger
	textField string
	sortFiles bool
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger used to report progress. Default is klog.Background().
func WithLogger(logger klog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithTextField sets the JSON field holding the post text. Default is "tweet".
func WithTextField(name string) LoaderOption {
	return func(l *Loader) { l.textField = name }
}

// WithSortedFiles makes the loader read files in name order. By default files are read in the
// order the directory listing returns them, which depends on the filesystem.
func WithSortedFiles(sorted bool) LoaderOption {
	return func(l *Loader) { l.sortFiles = sorted }
}

// NewLoader creates a Loader with the given options.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		logger:    klog.Background(),
		textField: DefaultTextField,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every regular file directly inside dir (sub-directories are ignored) and returns
// one wrapped record, start + text + end, per non-blank line: in file order, then line order.
//
// A missing path or a path that is not a directory is a *ConfigurationError. A non-blank line
// that is not a JSON object with a string text field is a *ParseError, and nothing is returned.
func (l *Loader) Load(dir, start, end string) ([]string, error) {
	if l.textField == "" {
		return nil, &ConfigurationError{Reason: "empty text field name"}
	}
	fileNames, err := l.listFiles(dir)
	if err != nil {
		return nil, err
	}

	var records []string
	for _, fileName := range fileNames {
		path := filepath.Join(dir, fileName)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read corpus file %s", path)
		}
		before := len(records)
		records, err = l.appendRecords(records, path, string(content), start, end)
		if err != nil {
			return nil, err
		}
		l.logger.V(1).Info("Read corpus file", "path", path, "records", len(records)-before)
	}
	l.logger.Info("Loaded corpus", "dir", dir, "files", len(fileNames), "records", len(records))
	return records, nil
}

// listFiles returns the names of the regular files (or links to regular files) in dir.
func (l *Loader) listFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigurationError{Path: dir, Reason: "does not exist"}
		}
		return nil, &ConfigurationError{Path: dir, Reason: err.Error()}
	}
	if !info.IsDir() {
		return nil, &ConfigurationError{Path: dir, Reason: "not a directory"}
	}

	// os.ReadDir sorts by name; reading from the open directory keeps the listing order.
	f, err := os.Open(dir)
	if err != nil {
		return nil, &ConfigurationError{Path: dir, Reason: err.Error()}
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list corpus directory %s", dir)
	}

	var fileNames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			target, err := os.Stat(filepath.Join(dir, entry.Name()))
			if err != nil || !target.Mode().IsRegular() {
				continue
			}
		} else if !entry.Type().IsRegular() {
			continue
		}
		fileNames = append(fileNames, entry.Name())
	}
	if l.sortFiles {
		slices.Sort(fileNames)
	}
	return fileNames, nil
}

func (l *Loader) appendRecords(records []string, path, content, start, end string) ([]string, error) {
	for ii, line := range splitLines(content) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !utf8.ValidString(line) {
			return nil, &ParseError{Path: path, Line: ii + 1, Err: errors.New("invalid UTF-8")}
		}
		text, err := PostText(line, l.textField)
		if err != nil {
			return nil, &ParseError{Path: path, Line: ii + 1, Err: err}
		}
		records = append(records, start+text+end)
	}
	return records, nil
}

// splitLines splits on "\n", "\r\n" and "\r". A trailing line break does not start a new line.
func splitLines(content string) []string {
	var lines []string
	for content != "" {
		idx := strings.IndexAny(content, "\r\n")
		if idx < 0 {
			lines = append(lines, content)
			break
		}
		lines = append(lines, content[:idx])
		if content[idx] == '\r' && idx+1 < len(content) && content[idx+1] == '\n' {
			idx++
		}
		content = content[idx+1:]
	}
	return lines
}

// PostText returns the string value of field in a JSON-object line, as the Loader reads it.
func PostText(line, field string) (string, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &object); err != nil {
		return "", errors.Wrap(err, "line is not a JSON object")
	}
	raw, found := object[field]
	if !found {
		return "", errors.Errorf("missing field %q", field)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil || string(raw) == "null" {
		return "", errors.Errorf("field %q is not a string: %s", field, string(raw))
	}
	return text, nil
}

// SentinelsFrom returns the texts of the tokenizer's beginning and end of sentence tokens,
// which wrap every record.
func SentinelsFrom(tok api.TokenizerWithSpecialTokens) (start, end string, err error) {
	start, err = tok.SpecialTokenText(api.TokBeginningOfSentence)
	if err != nil {
		return "", "", errors.WithMessage(err, "tokenizer has no start sentinel")
	}
	end, err = tok.SpecialTokenText(api.TokEndOfSentence)
	if err != nil {
		return "", "", errors.WithMessage(err, "tokenizer has no end sentinel")
	}
	return start, end, nil
}
