package audio

// Resample converts samples between rates by linear interpolation.
func Resample(in []float64, srcSR, dstSR int) []float64 {
	if srcSR == dstSR || len(in) == 0 {
		out := make([]float64, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(dstSR) / float64(srcSR)
	outLen := int(float64(len(in))*ratio + 0.9999)
	out := make([]float64, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

// Conform returns s at the wanted rate.
func Conform(s Signal, rate int) Signal {
	if s.SampleRate == rate {
		return s
	}
	return Signal{Samples: Resample(s.Samples, s.SampleRate, rate), SampleRate: rate}
}
