package tokenizer

import (
	"bytes"
	"errors"
	"fmt"

	sentencepiece "github.com/eliben/go-sentencepiece"
	"google.golang.org/protobuf/encoding/protowire"
)

// SentencePiece piece types (sentencepiece_model.proto).
const (
	pieceNormal  = 1
	pieceUnknown = 2
	pieceControl = 3
)

// spmModel is what tokfetch reads from a SentencePiece ModelProto.
type spmModel struct {
	VocabSize int
	Special   []string
	// proc is nil for models go-sentencepiece cannot encode with: unigram
	// models, and normalizers that add a dummy prefix or strip whitespace.
	proc *sentencepiece.Processor
}

// readSentencePiece loads raw with go-sentencepiece when it can and lists
// the unknown and control pieces, which the processor does not expose.
func readSentencePiece(raw []byte) (spmModel, error) {
	special, pieces, err := spmPieces(raw)
	if err != nil {
		return spmModel{}, fmt.Errorf("sentencepiece model: %w", err)
	}
	m := spmModel{VocabSize: pieces, Special: special}
	if proc, err := newProcessor(raw); err == nil {
		m.proc = proc
		m.VocabSize = proc.ModelInfo().VocabularySize
	}
	return m, nil
}

// newProcessor wraps sentencepiece.NewProcessor, which panics on models
// that leave the normalizer options unset.
func newProcessor(raw []byte) (proc *sentencepiece.Processor, err error) {
	defer func() {
		if r := recover(); r != nil {
			proc, err = nil, fmt.Errorf("unsupported sentencepiece model: %v", r)
		}
	}()
	return sentencepiece.NewProcessor(bytes.NewReader(raw))
}

// spmPieces reads the repeated pieces field (1) of a ModelProto.
func spmPieces(raw []byte) (special []string, pieces int, err error) {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		raw = raw[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, 0, protowire.ParseError(n)
			}
			raw = raw[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		raw = raw[n:]
		piece, kind, err := spmPiece(msg)
		if err != nil {
			return nil, 0, fmt.Errorf("piece %d: %w", pieces, err)
		}
		if kind == pieceUnknown || kind == pieceControl {
			special = append(special, piece)
		}
		pieces++
	}
	if pieces == 0 {
		return nil, 0, errors.New("no pieces")
	}
	return special, pieces, nil
}

// spmPiece reads piece (1) and type (3) from a SentencePiece message.
func spmPiece(msg []byte) (piece string, kind uint64, err error) {
	kind = pieceNormal
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return "", 0, protowire.ParseError(n)
		}
		msg = msg[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(msg)
			piece = string(v)
		case num == 3 && typ == protowire.VarintType:
			kind, n = protowire.ConsumeVarint(msg)
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return "", 0, protowire.ParseError(n)
		}
		msg = msg[n:]
	}
	return piece, kind, nil
}
