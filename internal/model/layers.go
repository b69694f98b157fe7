// Package model defines the acoustic model and the language model on top of
// anydiff. Every function works on one utterance at a time; a sequence of n
// rows of width d is a flat vector of length n*d.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"seqasr/internal/tensor"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// Param is a trainable variable and its state-dict name.
type Param struct {
	Name string
	Var  *anydiff.Var
}

// Module exposes its parameters by name.
type Module interface {
	NamedParameters() []Param
}

// Vars lists the variables of m.
func Vars(m Module) []*anydiff.Var {
	params := m.NamedParameters()
	out := make([]*anydiff.Var, len(params))
	for i, p := range params {
		out[i] = p.Var
	}
	return out
}

func fcParams(prefix string, fc *anynet.FC) []Param {
	return []Param{
		{Name: prefix + ".weight", Var: fc.Weights},
		{Name: prefix + ".bias", Var: fc.Biases},
	}
}

// Embedding maps token ids to rows of a lookup table.
type Embedding struct {
	Vocab, Dim int
	Table      *anydiff.Var
}

// NewEmbedding draws the table from a unit normal.
func NewEmbedding(rng *rand.Rand, vocab, dim int) *Embedding {
	v := tensor.Creator.MakeVector(vocab * dim)
	anyvec.Rand(v, anyvec.Normal, rng)
	return &Embedding{Vocab: vocab, Dim: dim, Table: anydiff.NewVar(v)}
}

// Lookup returns len(ids) rows.
func (e *Embedding) Lookup(ids []int) anydiff.Res {
	rows := make([]anydiff.Res, len(ids))
	for i, id := range ids {
		if id < 0 || id >= e.Vocab {
			panic(fmt.Sprintf("token id %d outside vocabulary of %d", id, e.Vocab))
		}
		rows[i] = anydiff.Slice(e.Table, id*e.Dim, (id+1)*e.Dim)
	}
	return anydiff.Concat(rows...)
}

func (e *Embedding) NamedParameters() []Param {
	return []Param{{Name: "weight", Var: e.Table}}
}

// causalMean averages each row with every row before it.
func causalMean(rows anydiff.Res, n, width int) anydiff.Res {
	weights := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			weights[i*n+j] = 1 / float64(i+1)
		}
	}
	avg := &anydiff.Matrix{Data: tensor.Const(weights), Rows: n, Cols: n}
	in := &anydiff.Matrix{Data: rows, Rows: n, Cols: width}
	return anydiff.MatMul(false, false, avg, in).Data
}

// Encoder is a frame-wise stack of tanh layers.
type Encoder struct {
	Layers []*anynet.FC
}

// NewEncoder stacks layers from inDim to dim.
func NewEncoder(inDim, dim, layers int) *Encoder {
	e := &Encoder{}
	for i := 0; i < layers; i++ {
		in := dim
		if i == 0 {
			in = inDim
		}
		e.Layers = append(e.Layers, anynet.NewFC(tensor.Creator, in, dim))
	}
	return e
}

// OutDim is the width of the encoded frames.
func (e *Encoder) OutDim() int {
	return e.Layers[len(e.Layers)-1].OutCount
}

// Apply encodes t frames.
func (e *Encoder) Apply(feats anydiff.Res, t int) anydiff.Res {
	net := anynet.Net{}
	for _, l := range e.Layers {
		net = append(net, l, anynet.Tanh)
	}
	return net.Apply(feats, t)
}

func (e *Encoder) NamedParameters() []Param {
	var out []Param
	for i, l := range e.Layers {
		out = append(out, fcParams(fmt.Sprintf("layer%d", i), l)...)
	}
	return out
}

// AttentionDecoder attends over the encoded frames from every decoder
// position. A position's query mixes its own embedding with the running mean
// of the embeddings so far.
type AttentionDecoder struct {
	AttnDim  int
	QueryEmb *anynet.FC
	QueryCtx *anynet.FC
	Key      *anynet.FC
	OutQuery *anynet.FC
	OutCtx   *anynet.FC
}

// NewAttentionDecoder sizes the decoder for embedding width embDim and
// encoder width encDim.
func NewAttentionDecoder(embDim, encDim, attnDim, outDim int) *AttentionDecoder {
	c := tensor.Creator
	return &AttentionDecoder{
		AttnDim:  attnDim,
		QueryEmb: anynet.NewFC(c, embDim, attnDim),
		QueryCtx: anynet.NewFC(c, embDim, attnDim),
		Key:      anynet.NewFC(c, encDim, attnDim),
		OutQuery: anynet.NewFC(c, attnDim, outDim),
		OutCtx:   anynet.NewFC(c, encDim, outDim),
	}
}

// OutDim is the width of each decoder output row.
func (d *AttentionDecoder) OutDim() int { return d.OutQuery.OutCount }

// Apply decodes u embedded positions against t encoded frames.
func (d *AttentionDecoder) Apply(emb anydiff.Res, u int, enc anydiff.Res, t int) anydiff.Res {
	embDim := emb.Output().Len() / u
	encDim := enc.Output().Len() / t
	hist := causalMean(emb, u, embDim)
	q := anydiff.Tanh(anydiff.Add(d.QueryEmb.Apply(emb, u), d.QueryCtx.Apply(hist, u)))
	k := d.Key.Apply(enc, t)

	scores := anydiff.MatMul(false, true,
		&anydiff.Matrix{Data: q, Rows: u, Cols: d.AttnDim},
		&anydiff.Matrix{Data: k, Rows: t, Cols: d.AttnDim},
	).Data
	scores = anydiff.Scale(scores, tensor.Num(1/math.Sqrt(float64(d.AttnDim))))
	attn := anydiff.Exp(anydiff.LogSoftmax(scores, t))
	ctx := anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: attn, Rows: u, Cols: t},
		&anydiff.Matrix{Data: enc, Rows: t, Cols: encDim},
	).Data
	return anydiff.Tanh(anydiff.Add(d.OutQuery.Apply(q, u), d.OutCtx.Apply(ctx, u)))
}

func (d *AttentionDecoder) NamedParameters() []Param {
	var out []Param
	out = append(out, fcParams("query_emb", d.QueryEmb)...)
	out = append(out, fcParams("query_ctx", d.QueryCtx)...)
	out = append(out, fcParams("key", d.Key)...)
	out = append(out, fcParams("out_query", d.OutQuery)...)
	out = append(out, fcParams("out_ctx", d.OutCtx)...)
	return out
}

func prefixed(prefix string, params []Param) []Param {
	out := make([]Param, len(params))
	for i, p := range params {
		out[i] = Param{Name: prefix + "." + p.Name, Var: p.Var}
	}
	return out
}
