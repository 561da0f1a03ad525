// Package tokenizertest provides small but complete tokenizer definitions for tests.
package tokenizertest

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// Facts about the Llama fixture.
const (
	LlamaVocabSize = 9
	LlamaClass     = "LlamaTokenizer"
)

// LlamaSpecialTokens is the sorted special-token set of the Llama fixture.
var LlamaSpecialTokens = []string{"</s>", "<s>", "<unk>"}

const llamaTokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "<unk>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 1, "content": "<s>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 2, "content": "</s>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": null,
  "pre_tokenizer": {"type": "Whitespace"},
  "post_processor": {
    "type": "TemplateProcessing",
    "single": [
      {"SpecialToken": {"id": "<s>", "type_id": 0}},
      {"Sequence": {"id": "A", "type_id": 0}}
    ],
    "pair": [
      {"SpecialToken": {"id": "<s>", "type_id": 0}},
      {"Sequence": {"id": "A", "type_id": 0}},
      {"Sequence": {"id": "B", "type_id": 1}}
    ],
    "special_tokens": {
      "<s>": {"id": "<s>", "ids": [1], "tokens": ["<s>"]}
    }
  },
  "decoder": null,
  "model": {
    "type": "BPE",
    "dropout": null,
    "unk_token": "<unk>",
    "continuing_subword_prefix": null,
    "end_of_word_suffix": null,
    "fuse_unk": true,
    "byte_fallback": false,
    "vocab": {"<unk>": 0, "<s>": 1, "</s>": 2, "h": 3, "e": 4, "l": 5, "o": 6, "he": 7, "ll": 8},
    "merges": ["h e", "l l"]
  }
}
`

const llamaTokenizerConfig = `{
  "add_bos_token": true,
  "add_eos_token": false,
  "added_tokens_decoder": {
    "0": {"content": "<unk>", "lstrip": false, "normalized": false, "rstrip": false, "single_word": false, "special": true},
    "1": {"content": "<s>", "lstrip": false, "normalized": false, "rstrip": false, "single_word": false, "special": true},
    "2": {"content": "</s>", "lstrip": false, "normalized": false, "rstrip": false, "single_word": false, "special": true}
  },
  "bos_token": {"__type": "AddedToken", "content": "<s>", "lstrip": false, "normalized": false, "rstrip": false, "single_word": false},
  "chat_template": "{% for message in messages %}{{ bos_token + message['content'] }}{% endfor %}",
  "clean_up_tokenization_spaces": false,
  "eos_token": "</s>",
  "legacy": false,
  "model_max_length": 1000000000000000019884624838656,
  "pad_token": null,
  "sp_model_kwargs": {},
  "tokenizer_class": "LlamaTokenizer",
  "unk_token": "<unk>"
}
`

// LlamaFiles returns a Llama-style tokenizer: tokenizer.json, tokenizer_config.json
// and a SentencePiece tokenizer.model. Each call returns fresh slices.
func LlamaFiles() map[string][]byte {
	return map[string][]byte{
		"tokenizer.json":        []byte(llamaTokenizerJSON),
		"tokenizer_config.json": []byte(llamaTokenizerConfig),
		"tokenizer.model":       LlamaSentencePiece(),
	}
}

// SentencePiece model types (sentencepiece_model.proto TrainerSpec.ModelType).
const (
	SentencePieceUnigram = 1
	SentencePieceBPE     = 2
)

// LlamaSentencePiece encodes a BPE SentencePiece ModelProto with the
// fixture's pieces. Its normalizer leaves text unchanged, so "hello"
// encodes to he, ll, o.
func LlamaSentencePiece() []byte {
	return SentencePieceModel(SentencePieceBPE)
}

// SentencePieceModel encodes the fixture's pieces as a ModelProto of the
// given model type.
func SentencePieceModel(modelType uint64) []byte {
	pieces := []struct {
		piece string
		typ   uint64
	}{
		{"<unk>", 2}, {"<s>", 3}, {"</s>", 3},
		{"h", 1}, {"e", 1}, {"l", 1}, {"o", 1}, {"he", 1}, {"ll", 1},
	}
	var out []byte
	for i, p := range pieces {
		var msg []byte
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendString(msg, p.piece)
		msg = protowire.AppendTag(msg, 2, protowire.Fixed32Type)
		msg = protowire.AppendFixed32(msg, math.Float32bits(-float32(i)))
		msg = protowire.AppendTag(msg, 3, protowire.VarintType)
		msg = protowire.AppendVarint(msg, p.typ)
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}

	var trainer []byte
	trainer = protowire.AppendTag(trainer, 3, protowire.VarintType)
	trainer = protowire.AppendVarint(trainer, modelType)
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, trainer)

	// add_dummy_prefix and remove_extra_whitespaces, both off.
	var normalizer []byte
	for _, field := range []protowire.Number{3, 4} {
		normalizer = protowire.AppendTag(normalizer, field, protowire.VarintType)
		normalizer = protowire.AppendVarint(normalizer, protowire.EncodeBool(false))
	}
	out = protowire.AppendTag(out, 3, protowire.BytesType)
	out = protowire.AppendBytes(out, normalizer)
	return out
}

// WriteDir writes files into a fresh temporary directory and returns it.
func WriteDir(t testing.TB, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}
