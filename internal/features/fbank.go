// Package features turns waveforms into normalized log-mel filterbank frames.
package features

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FbankOptions configures Fbank.
type FbankOptions struct {
	SampleRate  int
	NFFT        int
	WinLengthMS float64
	HopLengthMS float64
	NMels       int
	TopDB       float64
	// LeftFrames and RightFrames splice neighbouring frames into each row.
	LeftFrames  int
	RightFrames int
}

// Fbank computes log-mel filterbank energies over centred, hamming-windowed
// STFT frames.
type Fbank struct {
	opts    FbankOptions
	win     int
	hop     int
	window  []float64
	filters [][]float64
}

// NewFbank precomputes the window and mel filters.
func NewFbank(opts FbankOptions) *Fbank {
	win := int(math.Round(float64(opts.SampleRate) * opts.WinLengthMS / 1000))
	hop := int(math.Round(float64(opts.SampleRate) * opts.HopLengthMS / 1000))
	if opts.NFFT < win {
		opts.NFFT = win
	}
	if hop < 1 {
		hop = 1
	}
	f := &Fbank{opts: opts, win: win, hop: hop}
	f.window = make([]float64, win)
	for i := range f.window {
		f.window[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(win))
	}
	f.filters = melFilters(opts.NMels, opts.NFFT, opts.SampleRate)
	return f
}

// Dim is the width of each output row, context frames included.
func (f *Fbank) Dim() int {
	return f.opts.NMels * (1 + f.opts.LeftFrames + f.opts.RightFrames)
}

// Frames returns how many rows Compute yields for n samples.
func (f *Fbank) Frames(n int) int {
	return 1 + n/f.hop
}

// Compute returns one row of log-mel energies per frame.
func (f *Fbank) Compute(samples []float64) [][]float64 {
	nfft := f.opts.NFFT
	padded := reflectPad(samples, nfft/2)
	nFrames := f.Frames(len(samples))
	fft := fourier.NewFFT(nfft)
	frame := make([]float64, nfft)
	coeffs := make([]complex128, nfft/2+1)
	power := make([]float64, nfft/2+1)

	out := make([][]float64, nFrames)
	maxDB := math.Inf(-1)
	offset := (nfft - f.win) / 2
	for t := 0; t < nFrames; t++ {
		for i := range frame {
			frame[i] = 0
		}
		start := t * f.hop
		for i := 0; i < f.win; i++ {
			if idx := start + offset + i; idx < len(padded) {
				frame[offset+i] = padded[idx] * f.window[i]
			}
		}
		coeffs = fft.Coefficients(coeffs, frame)
		for k, c := range coeffs {
			a := cmplx.Abs(c)
			power[k] = a * a
		}
		row := make([]float64, f.opts.NMels)
		for m, filt := range f.filters {
			var e float64
			for k, w := range filt {
				e += w * power[k]
			}
			row[m] = 10 * math.Log10(math.Max(e, 1e-10))
			if row[m] > maxDB {
				maxDB = row[m]
			}
		}
		out[t] = row
	}
	if f.opts.TopDB > 0 {
		floor := maxDB - f.opts.TopDB
		for _, row := range out {
			for i, v := range row {
				if v < floor {
					row[i] = floor
				}
			}
		}
	}
	return f.splice(out)
}

func (f *Fbank) splice(rows [][]float64) [][]float64 {
	l, r := f.opts.LeftFrames, f.opts.RightFrames
	if l == 0 && r == 0 {
		return rows
	}
	out := make([][]float64, len(rows))
	for t := range rows {
		row := make([]float64, 0, f.Dim())
		for c := t - l; c <= t+r; c++ {
			idx := c
			if idx < 0 {
				idx = 0
			} else if idx >= len(rows) {
				idx = len(rows) - 1
			}
			row = append(row, rows[idx]...)
		}
		out[t] = row
	}
	return out
}

func reflectPad(x []float64, pad int) []float64 {
	out := make([]float64, len(x)+2*pad)
	copy(out[pad:], x)
	if len(x) < 2 {
		return out
	}
	for i := 0; i < pad; i++ {
		src := pad - i
		if src < len(x) {
			out[i] = x[src]
		}
		src = len(x) - 2 - i
		if src >= 0 {
			out[pad+len(x)+i] = x[src]
		}
	}
	return out
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }

func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilters builds triangular filters spanning 0 Hz to Nyquist.
func melFilters(nMels, nfft, sampleRate int) [][]float64 {
	bins := nfft/2 + 1
	lo, hi := hzToMel(0), hzToMel(float64(sampleRate)/2)
	centers := make([]float64, nMels+2)
	for i := range centers {
		centers[i] = melToHz(lo + (hi-lo)*float64(i)/float64(nMels+1))
	}
	binHz := float64(sampleRate) / float64(nfft)
	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		left, center, right := centers[m], centers[m+1], centers[m+2]
		filt := make([]float64, bins)
		for k := 0; k < bins; k++ {
			hz := float64(k) * binHz
			switch {
			case hz > left && hz <= center:
				filt[k] = (hz - left) / (center - left)
			case hz > center && hz < right:
				filt[k] = (right - hz) / (right - center)
			}
		}
		filters[m] = filt
	}
	return filters
}
