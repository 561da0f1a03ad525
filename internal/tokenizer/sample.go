package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sugarme/tokenizer/pretrained"
)

// SampleResult is a sample encoding produced by an existing tokenizer implementation.
type SampleResult struct {
	IDs       []int
	Tokens    []string
	VocabSize int
}

// Sample encodes text with the tokenizer saved in dir. tokenizer.json is
// loaded with the pure-Go sugarme tokenizer, which applies the post-processor
// (BOS and friends). Without it, a BPE SentencePiece model is encoded with
// go-sentencepiece, which adds no special tokens.
func Sample(dir, text string) (SampleResult, error) {
	path := filepath.Join(dir, FileTokenizerJSON)
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return sampleTokenizerJSON(path, text)
	case !errors.Is(err, os.ErrNotExist):
		return SampleResult{}, err
	}

	for _, name := range []string{FileSentencePiece, FileSpiece, FileSentencePieceBPE} {
		raw, rerr := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(rerr, os.ErrNotExist) {
			continue
		}
		if rerr != nil {
			return SampleResult{}, rerr
		}
		return sampleSentencePiece(name, raw, text)
	}
	return SampleResult{}, fmt.Errorf("sample needs %s or a SentencePiece model: %w", FileTokenizerJSON, err)
}

func sampleTokenizerJSON(path, text string) (SampleResult, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return SampleResult{}, fmt.Errorf("load %s: %w", path, err)
	}
	enc, err := tk.EncodeSingle(text, true)
	if err != nil {
		return SampleResult{}, fmt.Errorf("encode sample: %w", err)
	}
	return SampleResult{
		IDs:       enc.Ids,
		Tokens:    enc.Tokens,
		VocabSize: tk.GetVocabSize(true),
	}, nil
}

func sampleSentencePiece(name string, raw []byte, text string) (SampleResult, error) {
	proc, err := newProcessor(raw)
	if err != nil {
		return SampleResult{}, fmt.Errorf("load %s: %w", name, err)
	}
	res := SampleResult{VocabSize: proc.ModelInfo().VocabularySize}
	for _, tok := range proc.Encode(text) {
		res.IDs = append(res.IDs, tok.ID)
		res.Tokens = append(res.Tokens, tok.Text)
	}
	return res, nil
}
