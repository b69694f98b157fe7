package augment

import (
	"math/rand"
	"sync"

	"seqasr/internal/audio"
)

// TimeDomain applies speed perturbation and chunk dropping.
type TimeDomain struct {
	SampleRate int
	// Speeds are percentages of the original speed to pick from.
	Speeds []int
	// DropCount chunks of DropMinMS to DropMaxMS milliseconds are zeroed.
	DropCount            int
	DropMinMS, DropMaxMS float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTimeDomain seeds its own random source.
func NewTimeDomain(seed int64, sampleRate int, speeds []int, dropCount int, dropMinMS, dropMaxMS float64) *TimeDomain {
	return &TimeDomain{
		SampleRate: sampleRate,
		Speeds:     speeds,
		DropCount:  dropCount,
		DropMinMS:  dropMinMS,
		DropMaxMS:  dropMaxMS,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Apply returns augmented copies. One speed is drawn per batch, so every
// utterance is stretched by the same factor.
func (d *TimeDomain) Apply(wavs [][]float64) [][]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	speed := 100
	if len(d.Speeds) > 0 {
		speed = d.Speeds[d.rng.Intn(len(d.Speeds))]
	}
	out := make([][]float64, len(wavs))
	for i, w := range wavs {
		var x []float64
		if speed != 100 && speed > 0 {
			x = audio.Resample(w, d.SampleRate, d.SampleRate*speed/100)
		} else {
			x = append([]float64(nil), w...)
		}
		d.dropChunks(x)
		out[i] = x
	}
	return out
}

func (d *TimeDomain) dropChunks(x []float64) {
	if d.DropCount <= 0 || len(x) == 0 {
		return
	}
	minLen := int(d.DropMinMS * float64(d.SampleRate) / 1000)
	maxLen := int(d.DropMaxMS * float64(d.SampleRate) / 1000)
	if maxLen < minLen {
		maxLen = minLen
	}
	for c := 0; c < d.DropCount; c++ {
		n := minLen
		if maxLen > minLen {
			n += d.rng.Intn(maxLen - minLen + 1)
		}
		if n <= 0 {
			continue
		}
		if n > len(x) {
			n = len(x)
		}
		start := d.rng.Intn(len(x) - n + 1)
		for i := start; i < start+n; i++ {
			x[i] = 0
		}
	}
}
