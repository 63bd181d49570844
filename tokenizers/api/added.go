package api

import (
	"sort"
	"strings"
)

// AddedVocabulary holds special tokens that must be matched verbatim in the input text, before
// the model-specific tokenization runs. Matching is greedy, longest text first.
//
// It is shared by the tokenizer implementations; it's not safe for concurrent modification, but
// it's safe for concurrent use once populated.
type AddedVocabulary struct {
	byText     map[string]int
	byID       map[int]string
	texts      []string // sorted by decreasing length
	firstBytes [256]bool
}

// Segment is a piece of text produced by AddedVocabulary.Split: either plain text to be tokenized
// normally, or an added token with its id.
type Segment struct {
	Text    string
	ID      int
	IsAdded bool
}

// NewAddedVocabulary returns an empty AddedVocabulary.
func NewAddedVocabulary() *AddedVocabulary {
	return &AddedVocabulary{
		byText: make(map[string]int),
		byID:   make(map[int]string),
	}
}

// Add registers text with the given id. Adding an empty text is a no-op.
func (v *AddedVocabulary) Add(text string, id int) {
	if text == "" {
		return
	}
	if _, found := v.byText[text]; !found {
		v.texts = append(v.texts, text)
		sort.SliceStable(v.texts, func(i, j int) bool { return len(v.texts[i]) > len(v.texts[j]) })
	}
	v.byText[text] = id
	v.byID[id] = text
	v.firstBytes[text[0]] = true
}

// ID returns the id of an added text.
func (v *AddedVocabulary) ID(text string) (int, bool) {
	id, ok := v.byText[text]
	return id, ok
}

// Text returns the text of an added id.
func (v *AddedVocabulary) Text(id int) (string, bool) {
	text, ok := v.byID[id]
	return text, ok
}

// Len returns the number of added tokens.
func (v *AddedVocabulary) Len() int {
	return len(v.byText)
}

// MaxID returns the largest added id, or -1 if empty.
func (v *AddedVocabulary) MaxID() int {
	maxID := -1
	for id := range v.byID {
		maxID = max(maxID, id)
	}
	return maxID
}

// Split text into plain and added-token segments, in order. Plain segments are never empty.
func (v *AddedVocabulary) Split(text string) []Segment {
	if len(v.texts) == 0 {
		if text == "" {
			return nil
		}
		return []Segment{{Text: text}}
	}
	var segments []Segment
	plainStart := 0
	for pos := 0; pos < len(text); {
		if !v.firstBytes[text[pos]] {
			pos++
			continue
		}
		matched := ""
		for _, candidate := range v.texts {
			if strings.HasPrefix(text[pos:], candidate) {
				matched = candidate
				break
			}
		}
		if matched == "" {
			pos++
			continue
		}
		if pos > plainStart {
			segments = append(segments, Segment{Text: text[plainStart:pos]})
		}
		segments = append(segments, Segment{Text: matched, ID: v.byText[matched], IsAdded: true})
		pos += len(matched)
		plainStart = pos
	}
	if plainStart < len(text) {
		segments = append(segments, Segment{Text: text[plainStart:]})
	}
	return segments
}

// Encode splits text around added tokens, encoding the plain segments with encode.
func (v *AddedVocabulary) Encode(text string, encode func(string) []int) []int {
	var ids []int
	for _, segment := range v.Split(text) {
		if segment.IsAdded {
			ids = append(ids, segment.ID)
			continue
		}
		ids = append(ids, encode(segment.Text)...)
	}
	return ids
}

// Decode converts ids back to text: runs of ordinary ids are decoded with decode, added ids are
// replaced by their text.
func (v *AddedVocabulary) Decode(ids []int, decode func([]int) string) string {
	var sb strings.Builder
	start := 0
	for ii, id := range ids {
		text, ok := v.byID[id]
		if !ok {
			continue
		}
		if ii > start {
			sb.WriteString(decode(ids[start:ii]))
		}
		sb.WriteString(text)
		start = ii + 1
	}
	if start < len(ids) {
		sb.WriteString(decode(ids[start:]))
	}
	return sb.String()
}
