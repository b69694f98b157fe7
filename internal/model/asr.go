package model

import (
	"math/rand"

	"seqasr/internal/tensor"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
)

// Dims sizes an ASR model.
type Dims struct {
	Features      int
	Vocab         int
	EncoderLayers int
	EncoderDim    int
	EmbeddingDim  int
	AttentionDim  int
	DecoderDim    int
}

// ASR is the encoder, embedding, attention decoder and the two output
// projections.
type ASR struct {
	Vocab  int
	Enc    *Encoder
	Emb    *Embedding
	Dec    *AttentionDecoder
	SeqLin *anynet.FC
	CTCLin *anynet.FC
}

// NewASR builds a randomly initialised model.
func NewASR(seed int64, d Dims) *ASR {
	rng := rand.New(rand.NewSource(seed))
	enc := NewEncoder(d.Features, d.EncoderDim, max(d.EncoderLayers, 1))
	dec := NewAttentionDecoder(d.EmbeddingDim, enc.OutDim(), d.AttentionDim, d.DecoderDim)
	return &ASR{
		Vocab:  d.Vocab,
		Enc:    enc,
		Emb:    NewEmbedding(rng, d.Vocab, d.EmbeddingDim),
		Dec:    dec,
		SeqLin: anynet.NewFC(tensor.Creator, dec.OutDim(), d.Vocab),
		CTCLin: anynet.NewFC(tensor.Creator, enc.OutDim(), d.Vocab),
	}
}

// Encode maps t feature rows to t encoded rows.
func (m *ASR) Encode(feats [][]float64) (anydiff.Res, int) {
	t := len(feats)
	return m.Enc.Apply(tensor.Const(tensor.Flatten(feats)), t), t
}

// DecodeLogProbs returns len(inputs) rows of vocabulary log-probabilities,
// row i predicting the token after inputs[:i+1].
func (m *ASR) DecodeLogProbs(inputs []int, enc anydiff.Res, t int) anydiff.Res {
	u := len(inputs)
	h := m.Dec.Apply(m.Emb.Lookup(inputs), u, enc, t)
	return anydiff.LogSoftmax(m.SeqLin.Apply(h, u), m.Vocab)
}

// CTCLogProbs returns t rows of log-probabilities over the vocabulary for
// the CTC objective.
func (m *ASR) CTCLogProbs(enc anydiff.Res, t int) anydiff.Res {
	return anydiff.LogSoftmax(m.CTCLin.Apply(enc, t), m.Vocab)
}

func (m *ASR) NamedParameters() []Param {
	var out []Param
	out = append(out, prefixed("enc", m.Enc.NamedParameters())...)
	out = append(out, prefixed("emb", m.Emb.NamedParameters())...)
	out = append(out, prefixed("dec", m.Dec.NamedParameters())...)
	out = append(out, fcParams("seq_lin", m.SeqLin)...)
	out = append(out, fcParams("ctc_lin", m.CTCLin)...)
	return out
}

// LM is a neural language model over token ids.
type LM struct {
	Vocab int
	Emb   *Embedding
	Cur   *anynet.FC
	Hist  *anynet.FC
	Out   *anynet.FC
}

// NewLM builds a randomly initialised language model.
func NewLM(seed int64, vocab, embDim, hidden int) *LM {
	rng := rand.New(rand.NewSource(seed))
	c := tensor.Creator
	return &LM{
		Vocab: vocab,
		Emb:   NewEmbedding(rng, vocab, embDim),
		Cur:   anynet.NewFC(c, embDim, hidden),
		Hist:  anynet.NewFC(c, embDim, hidden),
		Out:   anynet.NewFC(c, hidden, vocab),
	}
}

// LogProbs returns one row of next-token log-probabilities per prefix
// position.
func (l *LM) LogProbs(prefix []int) anydiff.Res {
	u := len(prefix)
	emb := l.Emb.Lookup(prefix)
	hist := causalMean(emb, u, l.Emb.Dim)
	h := anydiff.Tanh(anydiff.Add(l.Cur.Apply(emb, u), l.Hist.Apply(hist, u)))
	return anydiff.LogSoftmax(l.Out.Apply(h, u), l.Vocab)
}

// Next returns the log-probabilities of the token following prefix.
func (l *LM) Next(prefix []int) []float64 {
	out := l.LogProbs(prefix)
	n := out.Output().Len()
	return tensor.Floats(out.Output().Slice(n-l.Vocab, n))
}

func (l *LM) NamedParameters() []Param {
	var out []Param
	out = append(out, prefixed("emb", l.Emb.NamedParameters())...)
	out = append(out, fcParams("cur", l.Cur)...)
	out = append(out, fcParams("hist", l.Hist)...)
	out = append(out, fcParams("out", l.Out)...)
	return out
}
