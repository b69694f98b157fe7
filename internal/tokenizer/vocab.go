package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

const wordBoundary = "▁"

// Vocab is a greedy longest-match tokenizer over a SentencePiece .vocab
// listing, where the line number is the piece id.
type Vocab struct {
	pieces   []string
	ids      map[string]int
	specials Specials
	maxLen   int
}

// LoadVocab reads "piece<TAB>score" lines.
func LoadVocab(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}
	defer func() { _ = f.Close() }()
	var pieces []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		piece, _, _ := strings.Cut(line, "\t")
		pieces = append(pieces, piece)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("load vocab: %w", err)
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("load vocab: %s is empty", path)
	}
	return NewVocab(pieces), nil
}

// NewVocab builds a tokenizer from pieces in id order.
func NewVocab(pieces []string) *Vocab {
	v := &Vocab{
		pieces:   pieces,
		ids:      make(map[string]int, len(pieces)),
		specials: Specials{BOS: -1, EOS: -1, Unk: -1, Pad: -1},
	}
	for i, p := range pieces {
		switch p {
		case "<s>":
			v.specials.BOS = i
		case "</s>":
			v.specials.EOS = i
		case "<unk>":
			v.specials.Unk = i
		case "<pad>":
			v.specials.Pad = i
		default:
			if _, dup := v.ids[p]; !dup {
				v.ids[p] = i
			}
			if n := utf8.RuneCountInString(p); n > v.maxLen {
				v.maxLen = n
			}
		}
	}
	return v
}

func (v *Vocab) EncodeAsIDs(text string) []int {
	var ids []int
	for _, word := range strings.Fields(text) {
		runes := []rune(wordBoundary + word)
		for pos := 0; pos < len(runes); {
			matched := false
			for n := min(v.maxLen, len(runes)-pos); n > 0; n-- {
				if id, ok := v.ids[string(runes[pos:pos+n])]; ok {
					ids = append(ids, id)
					pos += n
					matched = true
					break
				}
			}
			if !matched {
				unk := v.specials.Unk
				if unk < 0 {
					unk = 0
				}
				ids = append(ids, unk)
				pos++
			}
		}
	}
	return ids
}

func (v *Vocab) DecodeIDs(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.pieces) {
			continue
		}
		switch id {
		case v.specials.BOS, v.specials.EOS, v.specials.Pad:
			continue
		case v.specials.Unk:
			sb.WriteString(" ⁇ ")
			continue
		}
		sb.WriteString(v.pieces[id])
	}
	return strings.TrimSpace(strings.ReplaceAll(sb.String(), wordBoundary, " "))
}

func (v *Vocab) Specials() Specials { return v.specials }

func (v *Vocab) VocabSize() int { return len(v.pieces) }
