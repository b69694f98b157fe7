package tokenizer

import (
	"fmt"

	sentencepiece "github.com/eliben/go-sentencepiece"
)

// SentencePiece wraps a trained SentencePiece model.
type SentencePiece struct {
	proc *sentencepiece.Processor
	info *sentencepiece.ModelInfo
}

// LoadSentencePiece reads a .model protobuf.
func LoadSentencePiece(path string) (*SentencePiece, error) {
	proc, err := sentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("load sentencepiece model %s: %w", path, err)
	}
	return &SentencePiece{proc: proc, info: proc.ModelInfo()}, nil
}

func (s *SentencePiece) EncodeAsIDs(text string) []int {
	toks := s.proc.Encode(text)
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = t.ID
	}
	return ids
}

func (s *SentencePiece) DecodeIDs(ids []int) string {
	return s.proc.Decode(ids)
}

func (s *SentencePiece) Specials() Specials {
	return Specials{
		BOS: s.info.BeginningOfSentenceID,
		EOS: s.info.EndOfSentenceID,
		Unk: s.info.UnknownID,
		Pad: s.info.PadID,
	}
}

func (s *SentencePiece) VocabSize() int {
	return s.info.VocabularySize
}
