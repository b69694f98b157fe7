package brain

import (
	"seqasr/internal/dataio"
	"seqasr/internal/loss"
	"seqasr/internal/tensor"
	"seqasr/internal/tokenizer"

	"github.com/unixpickle/anydiff"
)

// Predictions is the output of a forward pass. PCTC is only set while the
// CTC head trains and PTokens only outside training.
type Predictions struct {
	WavLens []float64
	Frames  []int
	PSeq    []anydiff.Res
	PCTC    []anydiff.Res
	PTokens [][]int
}

// ComputeForward runs augmentation (training only), features, normalization,
// the encoder and the attention decoder over a batch. Outside training it
// also beam-searches every utterance.
func (a *ASR) ComputeForward(b *dataio.Batch, stage Stage) *Predictions {
	wavs := b.Sig.Rows()
	wavLens := append([]float64(nil), b.Sig.Lens...)
	bos := b.TokensBOS.Rows()

	if stage == Train {
		if a.env != nil {
			noisy := a.env.Apply(wavs)
			wavs = append(wavs, noisy...)
			wavLens = append(wavLens, wavLens...)
			bos = append(bos, bos...)
		}
		if a.td != nil {
			wavs = a.td.Apply(wavs)
		}
	}

	feats := make([][][]float64, len(wavs))
	for i, w := range wavs {
		feats[i] = a.fbank.Compute(w)
	}
	a.Normalizer.Apply(feats, stage == Train, a.Counter.Current)

	pred := &Predictions{
		WavLens: wavLens,
		Frames:  make([]int, len(feats)),
		PSeq:    make([]anydiff.Res, len(feats)),
	}
	ctc := a.ctcActive(stage)
	if ctc {
		pred.PCTC = make([]anydiff.Res, len(feats))
	}
	if stage != Train {
		pred.PTokens = make([][]int, len(feats))
	}
	searcher := a.searcher
	if stage == Test {
		searcher.BeamSize = a.cfg.Decoding.TestBeamSize
	}
	for i, f := range feats {
		enc, t := a.Model.Encode(f)
		pred.Frames[i] = t
		pred.PSeq[i] = a.Model.DecodeLogProbs(bos[i], enc, t)
		if ctc {
			pred.PCTC[i] = a.Model.CTCLogProbs(enc, t)
		}
		if stage != Train {
			pred.PTokens[i] = searcher.Search(a.acousticScorer(enc, t), a.lmScorer(), t).Tokens
		}
	}
	return pred
}

func (a *ASR) acousticScorer(enc anydiff.Res, t int) func([]int) []float64 {
	v := a.Model.Vocab
	return func(prefix []int) []float64 {
		out := a.Model.DecodeLogProbs(prefix, enc, t).Output()
		n := out.Len()
		return tensor.Floats(out.Slice(n-v, n))
	}
}

func (a *ASR) lmScorer() func([]int) []float64 {
	if !a.lmReady {
		return nil
	}
	return a.LM.Next
}

// ComputeObjectives computes the NLL loss, blended with CTC while the CTC
// head trains. Outside training the decoded words are scored for WER and
// CER.
func (a *ASR) ComputeObjectives(pred *Predictions, b *dataio.Batch, stage Stage) anydiff.Res {
	tokens := b.Tokens.Rows()
	tokensEOS := b.TokensEOS.Rows()
	if stage == Train && a.env != nil {
		tokens = append(tokens, tokens...)
		tokensEOS = append(tokensEOS, tokensEOS...)
	}

	vocab := a.Model.Vocab
	l := loss.NLL(pred.PSeq, tokensEOS, vocab)
	if pred.PCTC != nil {
		ctc := loss.CTC(pred.PCTC, tokens, vocab, a.cfg.Tokenizer.BlankIndex)
		l = loss.Blend(l, ctc, a.cfg.Training.CTCWeight)
	}

	if stage != Train {
		predicted := tokenizer.DecodeWords(a.tok, pred.PTokens)
		target := tokenizer.DecodeWords(a.tok, tokens)
		a.wer.Append(b.IDs, predicted, target)
		a.cer.Append(b.IDs, predicted, target)
	}
	return l
}
