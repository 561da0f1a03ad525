package tokenizer

import "slices"

// Standard file names of a serialized tokenizer.
const (
	FileTokenizerConfig  = "tokenizer_config.json"
	FileSpecialTokensMap = "special_tokens_map.json"
	FileTokenizerJSON    = "tokenizer.json"
	FileSentencePiece    = "tokenizer.model"
	FileAddedTokens      = "added_tokens.json"
	FileVocabJSON        = "vocab.json"
	FileMerges           = "merges.txt"
	FileVocabTxt         = "vocab.txt"
	FileSpiece           = "spiece.model"
	FileSentencePieceBPE = "sentencepiece.bpe.model"
	FileChatTemplate     = "chat_template.jinja"
)

// StandardFiles lists every file that belongs to a tokenizer, in the order they are fetched.
var StandardFiles = []string{
	FileTokenizerConfig,
	FileSpecialTokensMap,
	FileTokenizerJSON,
	FileSentencePiece,
	FileAddedTokens,
	FileVocabJSON,
	FileMerges,
	FileVocabTxt,
	FileSpiece,
	FileSentencePieceBPE,
	FileChatTemplate,
}

var vocabularyFiles = []string{
	FileTokenizerJSON,
	FileSentencePiece,
	FileVocabJSON,
	FileVocabTxt,
	FileSpiece,
	FileSentencePieceBPE,
}

// SelectFiles filters a repository listing down to the tokenizer file set,
// in StandardFiles order.
func SelectFiles(repoFiles []string) []string {
	present := make(map[string]bool, len(repoFiles))
	for _, f := range repoFiles {
		present[f] = true
	}
	out := make([]string, 0, len(StandardFiles))
	for _, f := range StandardFiles {
		if present[f] {
			out = append(out, f)
		}
	}
	return out
}

// HasVocabulary reports whether names include a file that carries a vocabulary.
func HasVocabulary(names []string) bool {
	for _, n := range names {
		if slices.Contains(vocabularyFiles, n) {
			return true
		}
	}
	return false
}
