package augment

import (
	"math"
	"testing"
)

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestEnvCorruptKeepsShapeAndAddsNoise(t *testing.T) {
	e := NewEnvCorrupt(1, 10, 10, 1, 1)
	in := [][]float64{ones(100), ones(80)}
	out := e.Apply(in)
	if len(out) != 2 || len(out[0]) != 100 || len(out[1]) != 80 {
		t.Fatalf("shape changed")
	}
	if in[0][0] != 1 {
		t.Fatalf("input mutated")
	}
	var diff float64
	for i := range out[0] {
		diff += math.Abs(out[0][i] - 1)
	}
	if diff == 0 {
		t.Fatalf("expected corruption")
	}
}

func TestMixAtSNR(t *testing.T) {
	clean := ones(1000)
	noise := make([]float64, 1000)
	for i := range noise {
		if i%2 == 0 {
			noise[i] = 3
		} else {
			noise[i] = -3
		}
	}
	mixAtSNR(clean, noise, 20)
	// Noise at 20 dB below an RMS of 1 has amplitude 0.1.
	if math.Abs(clean[0]-1.1) > 1e-9 || math.Abs(clean[1]-0.9) > 1e-9 {
		t.Fatalf("unexpected mix: %v %v", clean[0], clean[1])
	}
}

func TestTimeDomainSpeedAndDrop(t *testing.T) {
	d := NewTimeDomain(3, 16000, []int{110}, 1, 1, 1)
	out := d.Apply([][]float64{ones(1600)})
	if len(out[0]) != 1760 {
		t.Fatalf("speed perturb length %d", len(out[0]))
	}
	zeros := 0
	for _, v := range out[0] {
		if v == 0 {
			zeros++
		}
	}
	if zeros != 16 {
		t.Fatalf("expected one 16-sample chunk dropped, got %d zeros", zeros)
	}
}
