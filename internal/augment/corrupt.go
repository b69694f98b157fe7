// Package augment corrupts training waveforms with noise, babble, speed
// changes and dropped chunks.
package augment

import (
	"math"
	"math/rand"
	"sync"
)

// EnvCorrupt adds white noise and babble at random SNRs.
type EnvCorrupt struct {
	SNRLow, SNRHigh float64
	BabbleProb      float64
	BabbleSpeakers  int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEnvCorrupt seeds its own random source.
func NewEnvCorrupt(seed int64, snrLow, snrHigh, babbleProb float64, babbleSpeakers int) *EnvCorrupt {
	return &EnvCorrupt{
		SNRLow:         snrLow,
		SNRHigh:        snrHigh,
		BabbleProb:     babbleProb,
		BabbleSpeakers: babbleSpeakers,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// Apply returns corrupted copies of wavs. Babble for an utterance is built
// from the other utterances of the same batch.
func (e *EnvCorrupt) Apply(wavs [][]float64) [][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]float64, len(wavs))
	for i, w := range wavs {
		noisy := append([]float64(nil), w...)
		if len(wavs) > 1 && e.BabbleSpeakers > 0 && e.rng.Float64() < e.BabbleProb {
			babble := make([]float64, len(w))
			speakers := e.BabbleSpeakers
			if speakers > len(wavs)-1 {
				speakers = len(wavs) - 1
			}
			for k := 1; k <= speakers; k++ {
				other := wavs[(i+k)%len(wavs)]
				for j := range babble {
					if j < len(other) {
						babble[j] += other[j]
					}
				}
			}
			mixAtSNR(noisy, babble, e.snr())
		}
		noise := make([]float64, len(w))
		for j := range noise {
			noise[j] = e.rng.NormFloat64()
		}
		mixAtSNR(noisy, noise, e.snr())
		out[i] = noisy
	}
	return out
}

func (e *EnvCorrupt) snr() float64 {
	return e.SNRLow + e.rng.Float64()*(e.SNRHigh-e.SNRLow)
}

// mixAtSNR adds noise into clean, scaled so clean sits snr dB above it.
func mixAtSNR(clean, noise []float64, snr float64) {
	cleanRMS, noiseRMS := rms(clean), rms(noise)
	if cleanRMS == 0 || noiseRMS == 0 {
		return
	}
	scale := cleanRMS / math.Pow(10, snr/20) / noiseRMS
	for i := range clean {
		clean[i] += scale * noise[i]
	}
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var s float64
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s / float64(len(x)))
}
