package features

import (
	"fmt"
	"math"
	"os"
	"sync"

	"seqasr/internal/tensor"

	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// Normalizer applies global mean and variance normalization. Statistics are
// a running average of per-sentence statistics over training batches.
type Normalizer struct {
	// UpdateUntilEpoch stops statistic updates from this epoch on.
	UpdateUntilEpoch int

	mu    sync.Mutex
	mean  []float64
	std   []float64
	count int
}

// NewNormalizer returns a normalizer with no statistics yet.
func NewNormalizer(updateUntilEpoch int) *Normalizer {
	return &Normalizer{UpdateUntilEpoch: updateUntilEpoch}
}

// Count is the number of batches folded into the statistics.
func (n *Normalizer) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

// Stats returns copies of the current mean and std.
func (n *Normalizer) Stats() (mean, std []float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]float64(nil), n.mean...), append([]float64(nil), n.std...)
}

// Apply normalizes feats in place. When train is set, the batch statistics
// are folded in first: always for the first batch and afterwards only while
// epoch < UpdateUntilEpoch.
func (n *Normalizer) Apply(feats [][][]float64, train bool, epoch int) {
	if len(feats) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if train {
		mean, std := batchStats(feats)
		if mean != nil {
			switch {
			case n.count == 0:
				n.mean, n.std = mean, std
			case epoch < n.UpdateUntilEpoch:
				w := 1 / float64(n.count+1)
				for i := range n.mean {
					n.mean[i] = (1-w)*n.mean[i] + w*mean[i]
					n.std[i] = (1-w)*n.std[i] + w*std[i]
				}
			}
			n.count++
		}
	}
	if n.mean == nil {
		return
	}
	for _, utt := range feats {
		for _, row := range utt {
			for i := range row {
				if i < len(n.mean) {
					row[i] = (row[i] - n.mean[i]) / n.std[i]
				}
			}
		}
	}
}

// batchStats averages the per-sentence mean and std of each feature.
func batchStats(feats [][][]float64) (mean, std []float64) {
	var dim, used int
	for _, utt := range feats {
		if len(utt) > 0 {
			dim = len(utt[0])
			break
		}
	}
	if dim == 0 {
		return nil, nil
	}
	mean = make([]float64, dim)
	std = make([]float64, dim)
	for _, utt := range feats {
		if len(utt) == 0 {
			continue
		}
		used++
		m := make([]float64, dim)
		for _, row := range utt {
			for i, v := range row {
				m[i] += v
			}
		}
		for i := range m {
			m[i] /= float64(len(utt))
		}
		for i := range m {
			var v float64
			for _, row := range utt {
				d := row[i] - m[i]
				v += d * d
			}
			s := math.Sqrt(v / float64(len(utt)))
			mean[i] += m[i]
			std[i] += math.Max(s, 1e-10)
		}
	}
	for i := range mean {
		mean[i] /= float64(used)
		std[i] /= float64(used)
	}
	return mean, std
}

// Save writes the statistics to path.
func (n *Normalizer) Save(path string) error {
	n.mu.Lock()
	mean, std, count := n.mean, n.std, n.count
	n.mu.Unlock()
	if mean == nil {
		mean, std = []float64{}, []float64{}
	}
	data, err := serializer.SerializeAny(
		&anyvecsave.S{Vector: tensor.Vector(mean)},
		&anyvecsave.S{Vector: tensor.Vector(std)},
		serializer.Int(count),
	)
	if err != nil {
		return essentials.AddCtx("save normalizer", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load replaces the statistics with those stored at path. A normalizer that
// already has statistics only accepts a file of the same width.
func (n *Normalizer) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return essentials.AddCtx("load normalizer", err)
	}
	var mean, std *anyvecsave.S
	var count serializer.Int
	if err := serializer.DeserializeAny(data, &mean, &std, &count); err != nil {
		return essentials.AddCtx("load normalizer", err)
	}
	m, s := tensor.Floats(mean.Vector), tensor.Floats(std.Vector)
	if len(m) != len(s) {
		return fmt.Errorf("load normalizer: mean has %d entries but std has %d", len(m), len(s))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mean != nil && len(n.mean) != len(m) {
		return fmt.Errorf("load normalizer: width %d does not match %d", len(m), len(n.mean))
	}
	if len(m) == 0 {
		m, s = nil, nil
	}
	n.mean, n.std, n.count = m, s, int(count)
	return nil
}
