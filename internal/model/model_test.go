package model

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"seqasr/internal/tensor"
)

func testDims() Dims {
	return Dims{Features: 6, Vocab: 7, EncoderLayers: 2, EncoderDim: 5, EmbeddingDim: 4, AttentionDim: 3, DecoderDim: 5}
}

func testFeats(t int) [][]float64 {
	out := make([][]float64, t)
	for i := range out {
		out[i] = make([]float64, 6)
		for j := range out[i] {
			out[i][j] = math.Sin(float64(i*6 + j))
		}
	}
	return out
}

func TestDecodeLogProbsNormalized(t *testing.T) {
	m := NewASR(1, testDims())
	enc, frames := m.Encode(testFeats(9))
	if enc.Output().Len() != 9*5 {
		t.Fatalf("encoded length %d", enc.Output().Len())
	}
	out := tensor.Floats(m.DecodeLogProbs([]int{0, 3, 4}, enc, frames).Output())
	rows := tensor.Rows(out, 7)
	if len(rows) != 3 {
		t.Fatalf("rows %d", len(rows))
	}
	for i, r := range rows {
		var total float64
		for _, v := range r {
			total += math.Exp(v)
		}
		if math.Abs(total-1) > 1e-9 {
			t.Fatalf("row %d sums to %v", i, total)
		}
	}
	ctc := tensor.Floats(m.CTCLogProbs(enc, frames).Output())
	if len(ctc) != 9*7 {
		t.Fatalf("ctc length %d", len(ctc))
	}
}

func TestDecoderIsCausal(t *testing.T) {
	m := NewASR(2, testDims())
	enc, frames := m.Encode(testFeats(5))
	a := tensor.Floats(m.DecodeLogProbs([]int{0, 1, 2}, enc, frames).Output())
	b := tensor.Floats(m.DecodeLogProbs([]int{0, 1, 6}, enc, frames).Output())
	for i := 0; i < 14; i++ {
		if a[i] != b[i] {
			t.Fatalf("earlier positions must not see later tokens (index %d)", i)
		}
	}
	if a[14] == b[14] {
		t.Fatalf("last position should depend on its own token")
	}
}

func TestLMNext(t *testing.T) {
	lm := NewLM(3, 7, 4, 6)
	next := lm.Next([]int{0, 2})
	if len(next) != 7 {
		t.Fatalf("next length %d", len(next))
	}
	var total float64
	for _, v := range next {
		total += math.Exp(v)
	}
	if math.Abs(total-1) > 1e-9 {
		t.Fatalf("sum %v", total)
	}
}

func TestStateRoundTrip(t *testing.T) {
	a := NewASR(1, testDims())
	b := NewASR(2, testDims())
	path := filepath.Join(t.TempDir(), "model.ckpt")
	if err := SaveState(path, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := LoadState(path, b); err != nil {
		t.Fatalf("load: %v", err)
	}
	pa, pb := a.NamedParameters(), b.NamedParameters()
	for i := range pa {
		va, vb := tensor.Floats(pa[i].Var.Vector), tensor.Floats(pb[i].Var.Vector)
		for j := range va {
			if va[j] != vb[j] {
				t.Fatalf("%s differs after load", pa[i].Name)
			}
		}
	}
}

func TestStrictLoadRejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	lmPath := filepath.Join(dir, "lm.ckpt")
	if err := SaveState(lmPath, NewLM(1, 7, 4, 6)); err != nil {
		t.Fatal(err)
	}
	m := NewASR(1, testDims())
	before := tensor.Floats(m.SeqLin.Weights.Vector)
	if err := LoadState(lmPath, m); !errors.Is(err, ErrStrictLoad) {
		t.Fatalf("expected strict load error, got %v", err)
	}
	after := tensor.Floats(m.SeqLin.Weights.Vector)
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("failed load must not modify parameters")
		}
	}

	bigger := testDims()
	bigger.Vocab = 9
	path := filepath.Join(dir, "big.ckpt")
	if err := SaveState(path, NewASR(1, bigger)); err != nil {
		t.Fatal(err)
	}
	if err := LoadState(path, m); !errors.Is(err, ErrStrictLoad) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
}

func TestNamedParametersUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range NewASR(1, testDims()).NamedParameters() {
		if seen[p.Name] {
			t.Fatalf("duplicate parameter name %s", p.Name)
		}
		seen[p.Name] = true
	}
	if !seen["enc.layer1.weight"] || !seen["ctc_lin.bias"] {
		t.Fatalf("unexpected names: %v", seen)
	}
}
