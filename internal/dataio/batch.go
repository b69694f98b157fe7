package dataio

import "math"

// PaddedSignal holds zero-padded waveforms with lengths relative to the
// widest row.
type PaddedSignal struct {
	Data [][]float64
	Lens []float64
}

// PadSignals pads rows to a common width.
func PadSignals(rows [][]float64) PaddedSignal {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	out := PaddedSignal{Data: make([][]float64, len(rows)), Lens: make([]float64, len(rows))}
	for i, r := range rows {
		out.Data[i] = make([]float64, width)
		copy(out.Data[i], r)
		out.Lens[i] = relLen(len(r), width)
	}
	return out
}

// Unpad returns the valid part of row i.
func (p PaddedSignal) Unpad(i int) []float64 {
	return p.Data[i][:absLen(p.Lens[i], len(p.Data[i]))]
}

// Rows returns every row without padding.
func (p PaddedSignal) Rows() [][]float64 {
	out := make([][]float64, len(p.Data))
	for i := range p.Data {
		out[i] = p.Unpad(i)
	}
	return out
}

// Concat stacks q under p.
func (p PaddedSignal) Concat(q PaddedSignal) PaddedSignal {
	return PadSignals(append(p.Rows(), q.Rows()...))
}

// PaddedTokens holds token sequences padded with zeros.
type PaddedTokens struct {
	Data [][]int
	Lens []float64
}

// PadTokens pads rows to a common width.
func PadTokens(rows [][]int) PaddedTokens {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	out := PaddedTokens{Data: make([][]int, len(rows)), Lens: make([]float64, len(rows))}
	for i, r := range rows {
		out.Data[i] = make([]int, width)
		copy(out.Data[i], r)
		out.Lens[i] = relLen(len(r), width)
	}
	return out
}

// Unpad returns the valid part of row i.
func (p PaddedTokens) Unpad(i int) []int {
	return p.Data[i][:absLen(p.Lens[i], len(p.Data[i]))]
}

// Rows returns every row without padding.
func (p PaddedTokens) Rows() [][]int {
	out := make([][]int, len(p.Data))
	for i := range p.Data {
		out[i] = p.Unpad(i)
	}
	return out
}

// Concat stacks q under p.
func (p PaddedTokens) Concat(q PaddedTokens) PaddedTokens {
	return PadTokens(append(p.Rows(), q.Rows()...))
}

func relLen(n, width int) float64 {
	if width == 0 {
		return 1
	}
	return float64(n) / float64(width)
}

func absLen(rel float64, width int) int {
	n := int(math.Round(rel * float64(width)))
	return min(max(n, 0), width)
}

// Batch is a padded group of utterances.
type Batch struct {
	IDs       []string
	Words     []string
	Sig       PaddedSignal
	TokensBOS PaddedTokens
	TokensEOS PaddedTokens
	Tokens    PaddedTokens
}

// NewBatch pads items into a batch.
func NewBatch(items []Item) *Batch {
	b := &Batch{
		IDs:   make([]string, len(items)),
		Words: make([]string, len(items)),
	}
	sigs := make([][]float64, len(items))
	bos := make([][]int, len(items))
	eos := make([][]int, len(items))
	plain := make([][]int, len(items))
	for i, it := range items {
		b.IDs[i] = it.ID
		b.Words[i] = it.Words
		sigs[i] = it.Signal
		bos[i] = it.TokensBOS
		eos[i] = it.TokensEOS
		plain[i] = it.Tokens
	}
	b.Sig = PadSignals(sigs)
	b.TokensBOS = PadTokens(bos)
	b.TokensEOS = PadTokens(eos)
	b.Tokens = PadTokens(plain)
	return b
}

// Size is the number of utterances.
func (b *Batch) Size() int { return len(b.IDs) }
