package api

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds the tokenizer configuration, usually read from a model's "tokenizer_config.json".
//
// Special tokens may be given either as plain strings or as objects with a "content" field;
// both forms are normalized to their text.
type Config struct {
	TokenizerClass string
	ModelMaxLength int
	AddBosToken    bool
	AddEosToken    bool

	BosToken  string
	EosToken  string
	UnkToken  string
	PadToken  string
	ClsToken  string
	SepToken  string
	MaskToken string
}

type rawConfig struct {
	TokenizerClass string          `json:"tokenizer_class"`
	ModelMaxLength float64         `json:"model_max_length"`
	AddBosToken    bool            `json:"add_bos_token"`
	AddEosToken    bool            `json:"add_eos_token"`
	BosToken       json.RawMessage `json:"bos_token"`
	EosToken       json.RawMessage `json:"eos_token"`
	UnkToken       json.RawMessage `json:"unk_token"`
	PadToken       json.RawMessage `json:"pad_token"`
	ClsToken       json.RawMessage `json:"cls_token"`
	SepToken       json.RawMessage `json:"sep_token"`
	MaskToken      json.RawMessage `json:"mask_token"`
}

// ParseConfigContent parses the contents of a "tokenizer_config.json" file.
func ParseConfigContent(content []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokenizer config")
	}
	config := &Config{
		TokenizerClass: raw.TokenizerClass,
		AddBosToken:    raw.AddBosToken,
		AddEosToken:    raw.AddEosToken,
	}
	// Some configs use 1e30 as "unlimited".
	if raw.ModelMaxLength > 0 && raw.ModelMaxLength < 1<<31 {
		config.ModelMaxLength = int(raw.ModelMaxLength)
	}
	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"bos_token", raw.BosToken, &config.BosToken},
		{"eos_token", raw.EosToken, &config.EosToken},
		{"unk_token", raw.UnkToken, &config.UnkToken},
		{"pad_token", raw.PadToken, &config.PadToken},
		{"cls_token", raw.ClsToken, &config.ClsToken},
		{"sep_token", raw.SepToken, &config.SepToken},
		{"mask_token", raw.MaskToken, &config.MaskToken},
	}
	for _, field := range fields {
		text, err := tokenText(field.raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "tokenizer config field %q", field.name)
		}
		*field.dst = text
	}
	return config, nil
}

// ParseConfigFile reads and parses a "tokenizer_config.json" file.
func ParseConfigFile(filePath string) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer config %q", filePath)
	}
	return ParseConfigContent(content)
}

// tokenText accepts null, "text" or {"content": "text", ...}.
func tokenText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errors.Errorf("expected string or object with \"content\", got %s", string(raw))
	}
	return obj.Content, nil
}

// Text returns the configured text for the special token, or "" if not configured.
func (c *Config) Text(token SpecialToken) string {
	if c == nil {
		return ""
	}
	switch token {
	case TokBeginningOfSentence:
		return c.BosToken
	case TokEndOfSentence:
		return c.EosToken
	case TokUnknown:
		return c.UnkToken
	case TokPad:
		return c.PadToken
	case TokMask:
		return c.MaskToken
	case TokClassification:
		return c.ClsToken
	}
	return ""
}

// SetText sets the configured text for the special token. Unknown tokens are ignored.
func (c *Config) SetText(token SpecialToken, text string) {
	switch token {
	case TokBeginningOfSentence:
		c.BosToken = text
	case TokEndOfSentence:
		c.EosToken = text
	case TokUnknown:
		c.UnkToken = text
	case TokPad:
		c.PadToken = text
	case TokMask:
		c.MaskToken = text
	case TokClassification:
		c.ClsToken = text
	}
}
