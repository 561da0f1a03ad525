package tokenizer

import (
	"bytes"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/goccy/go-json"
)

// Config summarizes a tokenizer definition: its class, vocabulary size and special tokens.
type Config struct {
	TokenizerClass string
	ModelType      string
	VocabSize      int
	AddedTokens    int
	// ModelMaxLength is 0 when the config leaves the length unbounded.
	ModelMaxLength int64
	AddBOS         bool
	AddEOS         bool
	Legacy         *bool
	ChatTemplate   string
	// TemplateBOS is the BOS id the post-processor prepends, or -1.
	TemplateBOS int

	BOSToken  string
	EOSToken  string
	UNKToken  string
	PADToken  string
	SEPToken  string
	CLSToken  string
	MaskToken string
	// Additional holds additional_special_tokens in declaration order.
	Additional []string
	// SpecialTokens is the sorted set of every token flagged special anywhere in the definition.
	SpecialTokens []string
}

// tokenValue accepts both "<s>" and {"content": "<s>", ...}.
type tokenValue string

func (t *tokenValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = tokenValue(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*t = tokenValue(obj.Content)
	return nil
}

type specialTokenFields struct {
	BOS        tokenValue   `json:"bos_token"`
	EOS        tokenValue   `json:"eos_token"`
	UNK        tokenValue   `json:"unk_token"`
	PAD        tokenValue   `json:"pad_token"`
	SEP        tokenValue   `json:"sep_token"`
	CLS        tokenValue   `json:"cls_token"`
	Mask       tokenValue   `json:"mask_token"`
	Additional []tokenValue `json:"additional_special_tokens"`
}

type tokenizerConfigJSON struct {
	specialTokenFields
	TokenizerClass     string          `json:"tokenizer_class"`
	ModelMaxLength     *float64        `json:"model_max_length"`
	AddBOS             *bool           `json:"add_bos_token"`
	AddEOS             *bool           `json:"add_eos_token"`
	Legacy             *bool           `json:"legacy"`
	ChatTemplate       json.RawMessage `json:"chat_template"`
	AddedTokensDecoder map[string]struct {
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens_decoder"`
}

// Parse builds the Config of a tokenizer from its serialized files, keyed by file name.
func Parse(files map[string][]byte) (Config, error) {
	cfg := Config{TemplateBOS: -1}
	special := make(map[string]struct{})
	mark := func(toks ...string) {
		for _, t := range toks {
			if t != "" {
				special[t] = struct{}{}
			}
		}
	}

	if raw, ok := files[FileTokenizerConfig]; ok {
		var tc tokenizerConfigJSON
		if err := json.Unmarshal(raw, &tc); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", FileTokenizerConfig, err)
		}
		cfg.TokenizerClass = tc.TokenizerClass
		if tc.ModelMaxLength != nil && *tc.ModelMaxLength > 0 && *tc.ModelMaxLength < math.MaxInt32 {
			cfg.ModelMaxLength = int64(*tc.ModelMaxLength)
		}
		if tc.AddBOS != nil {
			cfg.AddBOS = *tc.AddBOS
		}
		if tc.AddEOS != nil {
			cfg.AddEOS = *tc.AddEOS
		}
		cfg.Legacy = tc.Legacy
		tpl, err := chatTemplate(tc.ChatTemplate)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s chat_template: %w", FileTokenizerConfig, err)
		}
		cfg.ChatTemplate = tpl
		cfg.applyFields(tc.specialTokenFields)

		for _, at := range tc.AddedTokensDecoder {
			if at.Special {
				mark(at.Content)
			}
		}
	}

	if raw, ok := files[FileSpecialTokensMap]; ok {
		var sm specialTokenFields
		if err := json.Unmarshal(raw, &sm); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", FileSpecialTokensMap, err)
		}
		cfg.applyFields(sm)
	}

	if tpl, ok := files[FileChatTemplate]; ok && cfg.ChatTemplate == "" {
		cfg.ChatTemplate = string(tpl)
	}

	switch {
	case files[FileTokenizerJSON] != nil:
		sum, err := parseTokenizerJSON(files[FileTokenizerJSON])
		if err != nil {
			return Config{}, err
		}
		cfg.ModelType = sum.ModelType
		cfg.VocabSize = sum.VocabSize
		cfg.AddedTokens = sum.AddedTokens
		cfg.TemplateBOS = sum.TemplateBOS
		if sum.TemplateBOS >= 0 {
			cfg.AddBOS = true
		}
		mark(sum.Special...)
	case files[FileVocabJSON] != nil:
		n, err := vocabJSONSize(FileVocabJSON, files[FileVocabJSON])
		if err != nil {
			return Config{}, err
		}
		cfg.ModelType = "BPE"
		cfg.VocabSize = n
	case files[FileVocabTxt] != nil:
		cfg.ModelType = "WordPiece"
		cfg.VocabSize = vocabTxtSize(files[FileVocabTxt])
	default:
		for _, name := range []string{FileSentencePiece, FileSpiece, FileSentencePieceBPE} {
			raw, ok := files[name]
			if !ok {
				continue
			}
			m, err := readSentencePiece(raw)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", name, err)
			}
			cfg.ModelType = "SentencePiece"
			cfg.VocabSize = m.VocabSize
			mark(m.Special...)
			break
		}
	}

	if raw, ok := files[FileAddedTokens]; ok && files[FileTokenizerJSON] == nil {
		n, err := vocabJSONSize(FileAddedTokens, raw)
		if err != nil {
			return Config{}, err
		}
		cfg.VocabSize = max(cfg.VocabSize, n)
	}

	mark(cfg.BOSToken, cfg.EOSToken, cfg.UNKToken, cfg.PADToken, cfg.SEPToken, cfg.CLSToken, cfg.MaskToken)
	mark(cfg.Additional...)
	cfg.SpecialTokens = slices.Sorted(maps.Keys(special))
	return cfg, nil
}

// applyFields fills empty named tokens from f and merges additional tokens.
func (c *Config) applyFields(f specialTokenFields) {
	set := func(dst *string, v tokenValue) {
		if *dst == "" {
			*dst = string(v)
		}
	}
	set(&c.BOSToken, f.BOS)
	set(&c.EOSToken, f.EOS)
	set(&c.UNKToken, f.UNK)
	set(&c.PADToken, f.PAD)
	set(&c.SEPToken, f.SEP)
	set(&c.CLSToken, f.CLS)
	set(&c.MaskToken, f.Mask)
	for _, t := range f.Additional {
		if t != "" && !slices.Contains(c.Additional, string(t)) {
			c.Additional = append(c.Additional, string(t))
		}
	}
}

// chatTemplate accepts a template string or a list of named templates,
// preferring the one named "default".
func chatTemplate(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var named []struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.Unmarshal(raw, &named); err != nil {
		return "", err
	}
	for _, n := range named {
		if n.Name == "default" {
			return n.Template, nil
		}
	}
	if len(named) > 0 {
		return named[0].Template, nil
	}
	return "", nil
}
