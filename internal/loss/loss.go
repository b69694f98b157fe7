// Package loss implements the sequence NLL and CTC objectives and their
// weighted blend.
package loss

import (
	"fmt"

	"seqasr/internal/tensor"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyctc"
)

// NLL is the mean negative log-likelihood over every target token of the
// batch. logProbs[i] holds len(targets[i]) rows of vocab log-probabilities.
func NLL(logProbs []anydiff.Res, targets [][]int, vocab int) anydiff.Res {
	var costs []anydiff.Res
	tokens := 0
	for i, lp := range logProbs {
		u := len(targets[i])
		if u == 0 {
			continue
		}
		if lp.Output().Len() != u*vocab {
			panic(fmt.Sprintf("utterance %d: %d log-probs for %d targets", i, lp.Output().Len(), u))
		}
		oneHot := make([]float64, u*vocab)
		for j, id := range targets[i] {
			oneHot[j*vocab+id] = 1
		}
		costs = append(costs, anynet.DotCost{}.Cost(tensor.Const(oneHot), lp, u))
		tokens += u
	}
	if tokens == 0 {
		return tensor.Const([]float64{0})
	}
	total := anydiff.Sum(anydiff.Concat(costs...))
	return anydiff.Scale(total, tensor.Num(1/float64(tokens)))
}

// CTC is the batch mean of each utterance's CTC cost divided by its target
// length. logProbs[i] holds frames rows of vocab log-probabilities in which
// column blank is the blank symbol.
func CTC(logProbs []anydiff.Res, targets [][]int, vocab, blank int) anydiff.Res {
	if len(logProbs) == 0 {
		return tensor.Const([]float64{0})
	}
	frames := make([]int, len(logProbs))
	maxT := 0
	for i, lp := range logProbs {
		frames[i] = lp.Output().Len() / vocab
		maxT = max(maxT, frames[i])
	}
	moved := make([]anydiff.Res, len(logProbs))
	for i, lp := range logProbs {
		moved[i] = blankLast(lp, frames[i], vocab, blank)
	}
	var steps []*anyseq.ResBatch
	for t := 0; t < maxT; t++ {
		present := make([]bool, len(logProbs))
		var packed []anydiff.Res
		for i := range logProbs {
			if t < frames[i] {
				present[i] = true
				packed = append(packed, anydiff.Slice(moved[i], t*vocab, (t+1)*vocab))
			}
		}
		steps = append(steps, &anyseq.ResBatch{Packed: anydiff.Concat(packed...), Present: present})
	}
	labels := make([][]int, len(targets))
	weights := make([]float64, len(targets))
	for i, seq := range targets {
		labels[i] = RemapLabels(seq, blank)
		weights[i] = 1 / float64(max(len(labels[i]), 1)) / float64(len(targets))
	}
	costs := anyctc.Cost(anyseq.ResSeq(tensor.Creator, steps), labels)
	return anydiff.Sum(anydiff.Mul(costs, tensor.Const(weights)))
}

// RemapLabels shifts token ids into the layout where blank is the last
// column. Tokens equal to blank cannot be emitted and are dropped.
func RemapLabels(seq []int, blank int) []int {
	out := make([]int, 0, len(seq))
	for _, id := range seq {
		switch {
		case id < blank:
			out = append(out, id)
		case id > blank:
			out = append(out, id-1)
		}
	}
	return out
}

func blankLast(lp anydiff.Res, frames, vocab, blank int) anydiff.Res {
	if blank == vocab-1 {
		return lp
	}
	var parts []anydiff.Res
	for t := 0; t < frames; t++ {
		row := t * vocab
		if blank > 0 {
			parts = append(parts, anydiff.Slice(lp, row, row+blank))
		}
		parts = append(parts,
			anydiff.Slice(lp, row+blank+1, row+vocab),
			anydiff.Slice(lp, row+blank, row+blank+1))
	}
	return anydiff.Concat(parts...)
}

// Blend mixes the two objectives as (1-w)*seq + w*ctc.
func Blend(seq, ctc anydiff.Res, w float64) anydiff.Res {
	return anydiff.Add(anydiff.Scale(seq, tensor.Num(1-w)), anydiff.Scale(ctc, tensor.Num(w)))
}

// Value reads a scalar loss.
func Value(l anydiff.Res) float64 {
	return tensor.Scalar(l)
}
