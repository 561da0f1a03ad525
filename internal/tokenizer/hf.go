package tokenizer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// tokenizerJSON is the part of tokenizer.json needed for the summary.
type tokenizerJSON struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		Type   string          `json:"type"`
		Vocab  json.RawMessage `json:"vocab"`
		Merges json.RawMessage `json:"merges"`
	} `json:"model"`
	PostProcessor *postProcessor `json:"post_processor"`
}

type postProcessor struct {
	Type          string                      `json:"type"`
	SpecialTokens map[string]templateSpecial `json:"special_tokens"`
	Single        []templatePiece             `json:"single"`
	Processors    []postProcessor             `json:"processors"`
}

type templateSpecial struct {
	ID  string `json:"id"`
	IDs []int  `json:"ids"`
}

type templatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
}

// tokenizerJSONSummary is what parseTokenizerJSON extracts.
type tokenizerJSONSummary struct {
	ModelType   string
	VocabSize   int
	AddedTokens int
	Special     []string
	// TemplateBOS is the id the post-processor prepends, or -1.
	TemplateBOS int
}

func parseTokenizerJSON(data []byte) (tokenizerJSONSummary, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return tokenizerJSONSummary{}, fmt.Errorf("parse %s: %w", FileTokenizerJSON, err)
	}

	sum := tokenizerJSONSummary{TemplateBOS: -1, AddedTokens: len(tj.AddedTokens)}
	maxID := -1

	vocab := bytes.TrimSpace(tj.Model.Vocab)
	switch {
	case len(vocab) == 0 || bytes.Equal(vocab, []byte("null")):
	case vocab[0] == '{':
		var m map[string]int
		if err := json.Unmarshal(vocab, &m); err != nil {
			return tokenizerJSONSummary{}, fmt.Errorf("parse %s vocab: %w", FileTokenizerJSON, err)
		}
		for _, id := range m {
			maxID = max(maxID, id)
		}
	case vocab[0] == '[':
		// Unigram: [[piece, score], ...] indexed by id.
		var pieces []json.RawMessage
		if err := json.Unmarshal(vocab, &pieces); err != nil {
			return tokenizerJSONSummary{}, fmt.Errorf("parse %s vocab: %w", FileTokenizerJSON, err)
		}
		maxID = len(pieces) - 1
	default:
		return tokenizerJSONSummary{}, fmt.Errorf("parse %s: unexpected vocab encoding", FileTokenizerJSON)
	}

	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
		if at.Special {
			sum.Special = append(sum.Special, at.Content)
		}
	}
	sum.VocabSize = maxID + 1

	sum.ModelType = tj.Model.Type
	if sum.ModelType == "" {
		switch {
		case len(vocab) > 0 && vocab[0] == '[':
			sum.ModelType = "Unigram"
		case len(bytes.TrimSpace(tj.Model.Merges)) > 0:
			sum.ModelType = "BPE"
		}
	}

	if tj.PostProcessor != nil {
		sum.TemplateBOS = templateBOS(*tj.PostProcessor)
	}
	return sum, nil
}

// templateBOS finds the special token a TemplateProcessing post-processor
// puts in front of a single sequence.
func templateBOS(pp postProcessor) int {
	if strings.EqualFold(pp.Type, "Sequence") {
		for _, p := range pp.Processors {
			if id := templateBOS(p); id >= 0 {
				return id
			}
		}
		return -1
	}
	if pp.Type != "TemplateProcessing" || len(pp.Single) == 0 || pp.Single[0].SpecialToken == nil {
		return -1
	}
	tok, ok := pp.SpecialTokens[pp.Single[0].SpecialToken.ID]
	if !ok || len(tok.IDs) == 0 {
		return -1
	}
	return tok.IDs[0]
}

// vocabJSONSize returns max id + 1 for a vocab.json / added_tokens.json style map.
func vocabJSONSize(name string, data []byte) (int, error) {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	maxID := -1
	for _, id := range m {
		maxID = max(maxID, id)
	}
	return maxID + 1, nil
}

// vocabTxtSize counts the entries of a WordPiece vocab.txt (one token per line).
func vocabTxtSize(data []byte) int {
	n := bytes.Count(data, []byte("\n"))
	if len(data) > 0 && data[len(data)-1] != '\n' {
		n++
	}
	return n
}
