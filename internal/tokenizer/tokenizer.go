// Package tokenizer maps transcripts to sub-word ids and back.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSpecialMismatch reports configured special indices that disagree with
// the loaded vocabulary.
var ErrSpecialMismatch = errors.New("special token indices do not match the tokenizer")

// Tokenizer converts between words and token ids.
type Tokenizer interface {
	EncodeAsIDs(text string) []int
	DecodeIDs(ids []int) string
	Specials() Specials
	VocabSize() int
}

// Specials are the ids a vocabulary reserves; -1 marks an absent token.
type Specials struct {
	BOS, EOS, Unk, Pad int
}

// Indices are the special ids a model is configured with.
type Indices struct {
	BOS, EOS, Blank, Unk int
}

// CheckSpecials verifies the configured indices against tok. A vocabulary
// without its own bos/eos (or with every special on id 0) shares id 0 for all
// of them, so the configuration must use 0 throughout.
func CheckSpecials(tok Tokenizer, idx Indices) error {
	s := tok.Specials()
	shared := (s.BOS < 0 && s.EOS < 0) || (s.BOS == 0 && s.EOS == 0 && s.Unk <= 0)
	if shared {
		if idx.BOS != 0 || idx.EOS != 0 || idx.Blank != 0 || idx.Unk != 0 {
			return fmt.Errorf("%w: tokenizer shares index 0 for its specials, but bos=%d eos=%d blank=%d unk=%d",
				ErrSpecialMismatch, idx.BOS, idx.EOS, idx.Blank, idx.Unk)
		}
		return nil
	}
	if idx.BOS != s.BOS || idx.EOS != s.EOS {
		return fmt.Errorf("%w: tokenizer bos=%d eos=%d, configured bos=%d eos=%d",
			ErrSpecialMismatch, s.BOS, s.EOS, idx.BOS, idx.EOS)
	}
	if s.Unk >= 0 && idx.Unk != s.Unk {
		return fmt.Errorf("%w: tokenizer unk=%d, configured unk=%d", ErrSpecialMismatch, s.Unk, idx.Unk)
	}
	if idx.Blank < 0 || idx.Blank >= tok.VocabSize() {
		return fmt.Errorf("%w: blank=%d outside vocabulary of %d", ErrSpecialMismatch, idx.Blank, tok.VocabSize())
	}
	return nil
}

// Encoded carries the three target variants of one transcript.
type Encoded struct {
	TokensBOS []int
	TokensEOS []int
	Tokens    []int
}

// EncodeTargets tokenizes words and derives the bos-prefixed and eos-suffixed
// sequences.
func EncodeTargets(tok Tokenizer, words string, bos, eos int) Encoded {
	ids := tok.EncodeAsIDs(words)
	withBOS := make([]int, 0, len(ids)+1)
	withBOS = append(withBOS, bos)
	withBOS = append(withBOS, ids...)
	withEOS := make([]int, 0, len(ids)+1)
	withEOS = append(withEOS, ids...)
	withEOS = append(withEOS, eos)
	return Encoded{TokensBOS: withBOS, TokensEOS: withEOS, Tokens: ids}
}

// DecodeWords decodes each id sequence into a list of words.
func DecodeWords(tok Tokenizer, seqs [][]int) [][]string {
	out := make([][]string, len(seqs))
	for i, ids := range seqs {
		out[i] = strings.Fields(tok.DecodeIDs(ids))
	}
	return out
}

// Open loads a SentencePiece model when modelPath is set and otherwise
// falls back to a greedy tokenizer over the .vocab listing.
func Open(modelPath, vocabPath string) (Tokenizer, error) {
	if modelPath != "" {
		return LoadSentencePiece(modelPath)
	}
	if vocabPath != "" {
		return LoadVocab(vocabPath)
	}
	return nil, errors.New("tokenizer: neither a model nor a vocab file is configured")
}
