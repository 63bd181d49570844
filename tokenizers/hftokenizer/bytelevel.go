package hftokenizer

import (
	"strings"
	"unicode"
)

// GPT-2 maps every byte to a printable rune, so byte-level BPE vocabularies hold only
// printable strings. Printable latin-1 bytes map to themselves; the rest map to 256 and up,
// in byte order (space becomes 'Ġ').
var (
	byteToRune [256]rune
	runeToByte = make(map[rune]byte, 256)
)

func init() {
	next := rune(256)
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !((b >= '!' && b <= '~') || (b >= 0xa1 && b <= 0xac) || (b >= 0xae && b <= 0xff)) {
			r = next
			next++
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

func byteLevelEncode(text string) string {
	var sb strings.Builder
	sb.Grow(2 * len(text))
	for ii := 0; ii < len(text); ii++ {
		sb.WriteRune(byteToRune[text[ii]])
	}
	return sb.String()
}

// byteLevelDecode reverses byteLevelEncode. Runes outside the mapping are kept as UTF-8.
func byteLevelDecode(text string) string {
	buf := make([]byte, 0, len(text))
	for _, r := range text {
		if b, ok := runeToByte[r]; ok {
			buf = append(buf, b)
		} else {
			buf = append(buf, string(r)...)
		}
	}
	return string(buf)
}

type runeClass int

const (
	classSpace runeClass = iota
	classLetter
	classNumber
	classOther
)

func classify(r rune) runeClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case unicode.IsLetter(r):
		return classLetter
	case unicode.IsNumber(r):
		return classNumber
	}
	return classOther
}

var contractions = []string{"s", "t", "re", "ve", "m", "ll", "d"}

// byteLevelSplit splits text the way GPT-2's pre-tokenization pattern does:
//
//	's|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+
//
// A single space attaches to the following word; longer whitespace runs leave their last
// space for the next word. Go's regexp has no lookahead, hence the hand-written scanner.
func byteLevelSplit(text string) []string {
	runes := []rune(text)
	var pieces []string
	for pos := 0; pos < len(runes); {
		start := pos
		if runes[pos] == '\'' {
			if n := matchContraction(runes[pos+1:]); n > 0 {
				pos += 1 + n
				pieces = append(pieces, string(runes[start:pos]))
				continue
			}
		}

		wordStart := pos
		if runes[pos] == ' ' && pos+1 < len(runes) {
			wordStart++
		}
		if class := classify(runes[wordStart]); class != classSpace {
			pos = wordStart + 1
			for pos < len(runes) && classify(runes[pos]) == class {
				pos++
			}
			pieces = append(pieces, string(runes[start:pos]))
			continue
		}

		// Whitespace run.
		end := pos
		for end < len(runes) && classify(runes[end]) == classSpace {
			end++
		}
		if end < len(runes) && end-pos > 1 {
			end--
		}
		pos = end
		pieces = append(pieces, string(runes[start:pos]))
	}
	return pieces
}

func matchContraction(runes []rune) int {
	for _, c := range contractions {
		if len(runes) >= len(c) && string(runes[:len(c)]) == c {
			return len(c)
		}
	}
	return 0
}
