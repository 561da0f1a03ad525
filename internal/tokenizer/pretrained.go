package tokenizer

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

// ErrNoVocabulary is returned when a file set carries no vocabulary file.
var ErrNoVocabulary = errors.New("no vocabulary file (" + strings.Join(vocabularyFiles, ", ") + ")")

// Pretrained is a tokenizer definition held in memory: the raw bytes of
// its serialized files plus the parsed summary.
type Pretrained struct {
	Repo     string
	Revision string
	Commit   string
	Files    map[string][]byte
	Config   Config
}

// New parses files into a Pretrained. files is retained, not copied.
func New(repo, revision, commit string, files map[string][]byte) (*Pretrained, error) {
	if !HasVocabulary(slices.Collect(maps.Keys(files))) {
		return nil, ErrNoVocabulary
	}
	cfg, err := Parse(files)
	if err != nil {
		return nil, err
	}
	return &Pretrained{
		Repo:     repo,
		Revision: revision,
		Commit:   commit,
		Files:    files,
		Config:   cfg,
	}, nil
}

// FileNames returns the names of the held files, sorted.
func (p *Pretrained) FileNames() []string {
	return slices.Sorted(maps.Keys(p.Files))
}

// Size is the total number of bytes across all files.
func (p *Pretrained) Size() int64 {
	var n int64
	for _, b := range p.Files {
		n += int64(len(b))
	}
	return n
}

// LoadDir reads the standard tokenizer files found in dir.
func LoadDir(dir string) (*Pretrained, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	files := make(map[string][]byte)
	for _, name := range StandardFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files[name] = data
	}
	p, err := New("", "", "", files)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}
	return p, nil
}

// Mismatch describes how two definitions differ in vocabulary or special tokens.
type Mismatch struct {
	VocabSize     [2]int
	MissingTokens []string
	ExtraTokens   []string
}

func (m *Mismatch) Error() string {
	msg := "tokenizer mismatch:"
	if m.VocabSize[0] != m.VocabSize[1] {
		msg += fmt.Sprintf(" vocab size %d != %d;", m.VocabSize[0], m.VocabSize[1])
	}
	if len(m.MissingTokens) > 0 {
		msg += fmt.Sprintf(" missing special tokens %q;", m.MissingTokens)
	}
	if len(m.ExtraTokens) > 0 {
		msg += fmt.Sprintf(" extra special tokens %q;", m.ExtraTokens)
	}
	return msg[:len(msg)-1]
}

// Compare checks that other has the same vocabulary size and special-token set as p.
func (p *Pretrained) Compare(other *Pretrained) error {
	m := &Mismatch{VocabSize: [2]int{p.Config.VocabSize, other.Config.VocabSize}}
	for _, t := range p.Config.SpecialTokens {
		if !slices.Contains(other.Config.SpecialTokens, t) {
			m.MissingTokens = append(m.MissingTokens, t)
		}
	}
	for _, t := range other.Config.SpecialTokens {
		if !slices.Contains(p.Config.SpecialTokens, t) {
			m.ExtraTokens = append(m.ExtraTokens, t)
		}
	}
	if m.VocabSize[0] == m.VocabSize[1] && len(m.MissingTokens) == 0 && len(m.ExtraTokens) == 0 {
		return nil
	}
	return m
}

// specialTokensMapJSON is written in key order; empty fields are omitted.
type specialTokensMapJSON struct {
	Additional []string `json:"additional_special_tokens,omitempty"`
	BOS        string   `json:"bos_token,omitempty"`
	CLS        string   `json:"cls_token,omitempty"`
	EOS        string   `json:"eos_token,omitempty"`
	Mask       string   `json:"mask_token,omitempty"`
	PAD        string   `json:"pad_token,omitempty"`
	SEP        string   `json:"sep_token,omitempty"`
	UNK        string   `json:"unk_token,omitempty"`
}

// SpecialTokensMap renders special_tokens_map.json for cfg. The output is
// stable for a given Config.
func SpecialTokensMap(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	err := enc.Encode(specialTokensMapJSON{
		Additional: cfg.Additional,
		BOS:        cfg.BOSToken,
		CLS:        cfg.CLSToken,
		EOS:        cfg.EOSToken,
		Mask:       cfg.MaskToken,
		PAD:        cfg.PADToken,
		SEP:        cfg.SEPToken,
		UNK:        cfg.UNKToken,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
