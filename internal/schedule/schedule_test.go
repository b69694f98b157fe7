package schedule

import (
	"math"
	"path/filepath"
	"testing"
)

func TestNewBobAnnealsOnPlateau(t *testing.T) {
	n := NewNewBob(1.0, 0.0025, 0.8, 0)
	steps := []struct {
		metric   float64
		old, new float64
	}{
		{20, 1.0, 1.0},    // first value, nothing to compare
		{15, 1.0, 1.0},    // 25% better
		{14.99, 1.0, 0.8}, // below threshold
		{16, 0.8, 0.64},   // worse
	}
	for i, s := range steps {
		old, updated := n.Step(s.metric)
		if math.Abs(old-s.old) > 1e-12 || math.Abs(updated-s.new) > 1e-12 {
			t.Fatalf("step %d: got %v -> %v, want %v -> %v", i, old, updated, s.old, s.new)
		}
	}
}

func TestNewBobPatience(t *testing.T) {
	n := NewNewBob(1.0, 0.01, 0.5, 1)
	n.Step(10)
	if _, v := n.Step(10); v != 1.0 {
		t.Fatalf("patience should absorb first plateau, got %v", v)
	}
	if _, v := n.Step(10); v != 0.5 {
		t.Fatalf("second plateau should anneal, got %v", v)
	}
	if n.CurrentPatient != 1 {
		t.Fatalf("patience not reset: %d", n.CurrentPatient)
	}
}

func TestNewBobSaveLoad(t *testing.T) {
	n := NewNewBob(1.0, 0.0025, 0.8, 0)
	n.Step(20)
	n.Step(20)
	path := filepath.Join(t.TempDir(), "lr_annealing.toml")
	if err := n.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	m := NewNewBob(1.0, 0.0025, 0.8, 0)
	if err := m.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Value != 0.8 || len(m.MetricValues) != 2 {
		t.Fatalf("restored %+v", m)
	}
}

func TestEpochCounter(t *testing.T) {
	e := NewEpochCounter(2)
	var seen []int
	for {
		ep, ok := e.Next()
		if !ok {
			break
		}
		seen = append(seen, ep)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("epochs %v", seen)
	}
	path := filepath.Join(t.TempDir(), "counter.toml")
	if err := e.Save(path); err != nil {
		t.Fatal(err)
	}
	f := NewEpochCounter(5)
	if err := f.Load(path); err != nil {
		t.Fatal(err)
	}
	if f.Current != 2 || f.Limit != 5 {
		t.Fatalf("loaded %+v", f)
	}
	if ep, ok := f.Next(); !ok || ep != 3 {
		t.Fatalf("resume at %d %v", ep, ok)
	}
}
