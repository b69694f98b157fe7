// Package schedule holds the epoch counter and learning-rate annealing.
package schedule

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// NewBob anneals a value by AnnealFactor whenever the relative improvement of
// the tracked metric falls below ImprovementThreshold and patience is spent.
type NewBob struct {
	Value                float64   `toml:"value"`
	ImprovementThreshold float64   `toml:"improvement_threshold"`
	AnnealFactor         float64   `toml:"annealing_factor"`
	Patient              int       `toml:"patient"`
	CurrentPatient       int       `toml:"current_patient"`
	MetricValues         []float64 `toml:"metric_values"`
}

// NewNewBob starts annealing from initial.
func NewNewBob(initial, threshold, factor float64, patient int) *NewBob {
	return &NewBob{
		Value:                initial,
		ImprovementThreshold: threshold,
		AnnealFactor:         factor,
		Patient:              patient,
		CurrentPatient:       patient,
	}
}

// Step records metric and returns the value before and after annealing.
func (n *NewBob) Step(metric float64) (old, updated float64) {
	old = n.Value
	updated = old
	if len(n.MetricValues) > 0 {
		prev := n.MetricValues[len(n.MetricValues)-1]
		improvement := 0.0
		if prev != 0 {
			improvement = (prev - metric) / prev
		}
		if improvement < n.ImprovementThreshold {
			if n.CurrentPatient == 0 {
				updated *= n.AnnealFactor
				n.CurrentPatient = n.Patient
			} else {
				n.CurrentPatient--
			}
		}
	}
	n.MetricValues = append(n.MetricValues, metric)
	n.Value = updated
	return old, updated
}

// Save writes the scheduler state.
func (n *NewBob) Save(path string) error {
	return saveTOML(path, n)
}

// Load restores the scheduler state.
func (n *NewBob) Load(path string) error {
	return loadTOML(path, n)
}

func saveTOML(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func loadTOML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
