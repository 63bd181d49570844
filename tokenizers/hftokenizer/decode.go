package hftokenizer

import (
	"strings"
)

// Decode converts a sequence of token IDs back to text. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	return t.added.Decode(ids, t.decodePlain)
}

func (t *Tokenizer) decodePlain(ids []int) string {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if token, ok := t.idToToken[id]; ok {
			tokens = append(tokens, token)
		}
	}
	return t.applyDecoder(tokens, t.spec.Decoder)
}

func (t *Tokenizer) applyDecoder(tokens []string, d *Decoder) string {
	if d == nil {
		return joinSubwords(tokens, t.subwordPrefix(""))
	}
	switch d.Type {
	case "WordPiece":
		return joinSubwords(tokens, t.subwordPrefix(d.Prefix))
	case "ByteLevel":
		return byteLevelDecode(strings.Join(tokens, ""))
	case "Metaspace":
		return strings.TrimLeft(strings.ReplaceAll(strings.Join(tokens, ""), "▁", " "), " ")
	case "BPEDecoder":
		suffix := d.Suffix
		if suffix == "" {
			suffix = t.spec.Model.EndOfWordSuffix
		}
		if suffix == "" {
			return strings.Join(tokens, "")
		}
		return strings.TrimSuffix(strings.ReplaceAll(strings.Join(tokens, ""), suffix, " "), " ")
	case "Sequence":
		// Steps that rewrite token strings are applied in order; the first step that joins
		// tokens into text finishes the decoding.
		for ii := range d.Decoders {
			step := &d.Decoders[ii]
			if step.Type == "Replace" {
				if step.Pattern != nil && step.Pattern.String != "" {
					for jj, token := range tokens {
						tokens[jj] = strings.ReplaceAll(token, step.Pattern.String, step.Content)
					}
				}
				continue
			}
			if step.Type == "ByteFallback" || step.Type == "Fuse" || step.Type == "Strip" {
				continue
			}
			return t.applyDecoder(tokens, step)
		}
		return strings.Join(tokens, "")
	}
	return joinSubwords(tokens, t.subwordPrefix(""))
}

func (t *Tokenizer) subwordPrefix(prefix string) string {
	if prefix == "" {
		prefix = t.spec.Model.ContinuingSubwordPrefix
	}
	if prefix == "" {
		prefix = "##"
	}
	return prefix
}

// joinSubwords joins tokens with spaces, gluing tokens that start with prefix to the previous one.
func joinSubwords(tokens []string, prefix string) string {
	var sb strings.Builder
	for ii, token := range tokens {
		if rest, found := strings.CutPrefix(token, prefix); found {
			sb.WriteString(rest)
			continue
		}
		if ii > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(token)
	}
	return sb.String()
}
