// Package decode implements beam search over an attention decoder with
// optional language-model fusion.
package decode

import (
	"math"
	"sort"
)

// Scorer returns next-token log-probabilities given the prefix decoded so
// far. The prefix always starts with the bos token.
type Scorer func(prefix []int) []float64

// Hypothesis is a finished decode without its bos and eos tokens.
type Hypothesis struct {
	Tokens []int
	Score  float64
}

// Searcher holds the beam search settings.
type Searcher struct {
	BOS            int
	EOS            int
	BeamSize       int
	MinDecodeRatio float64
	MaxDecodeRatio float64
	// EOSThreshold allows eos only when its log-prob exceeds the best
	// log-prob times this factor.
	EOSThreshold float64
	LMWeight     float64
}

type beam struct {
	prefix []int
	score  float64
}

type candidate struct {
	parent int
	token  int
	score  float64
}

// Search decodes one utterance whose encoder output has frames steps. lm may
// be nil.
func (s Searcher) Search(am, lm Scorer, frames int) Hypothesis {
	size := max(s.BeamSize, 1)
	minSteps := int(float64(frames) * s.MinDecodeRatio)
	maxSteps := max(int(float64(frames)*s.MaxDecodeRatio), 1)

	alive := []beam{{prefix: []int{s.BOS}}}
	var finished []Hypothesis
	for step := 0; step < maxSteps && len(alive) > 0 && len(finished) < size; step++ {
		var cands []candidate
		for i, b := range alive {
			scores := s.combine(am, lm, b.prefix)
			allowEOS := step >= minSteps && s.eosAllowed(scores)
			for tok, lp := range scores {
				if tok == s.EOS && !allowEOS {
					continue
				}
				if math.IsInf(lp, -1) || math.IsNaN(lp) {
					continue
				}
				cands = append(cands, candidate{parent: i, token: tok, score: b.score + lp})
			}
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
		if len(cands) > size {
			cands = cands[:size]
		}
		next := make([]beam, 0, len(cands))
		for _, c := range cands {
			parent := alive[c.parent].prefix
			if c.token == s.EOS {
				toks := append([]int(nil), parent[1:]...)
				finished = append(finished, Hypothesis{Tokens: toks, Score: c.score / float64(step+1)})
				continue
			}
			prefix := make([]int, len(parent)+1)
			copy(prefix, parent)
			prefix[len(parent)] = c.token
			next = append(next, beam{prefix: prefix, score: c.score})
		}
		alive = next
	}
	if len(finished) == 0 {
		for _, b := range alive {
			steps := max(len(b.prefix)-1, 1)
			finished = append(finished, Hypothesis{
				Tokens: append([]int(nil), b.prefix[1:]...),
				Score:  b.score / float64(steps),
			})
		}
	}
	if len(finished) == 0 {
		return Hypothesis{}
	}
	best := finished[0]
	for _, h := range finished[1:] {
		if h.Score > best.Score {
			best = h
		}
	}
	return best
}

func (s Searcher) combine(am, lm Scorer, prefix []int) []float64 {
	scores := am(prefix)
	if lm == nil || s.LMWeight == 0 {
		return scores
	}
	out := make([]float64, len(scores))
	lmScores := lm(prefix)
	for i, v := range scores {
		out[i] = v + s.LMWeight*lmScores[i]
	}
	return out
}

func (s Searcher) eosAllowed(scores []float64) bool {
	if s.EOS < 0 || s.EOS >= len(scores) {
		return false
	}
	if s.EOSThreshold <= 0 {
		return true
	}
	best := math.Inf(-1)
	for _, v := range scores {
		best = max(best, v)
	}
	return scores[s.EOS] >= s.EOSThreshold*best
}
