// Package tensor holds the float64 anyvec helpers shared by the model,
// loss and normalizer code.
package tensor

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

// Creator is the vector backend used everywhere. CTC needs float64 data.
var Creator anyvec.Creator = anyvec64.CurrentCreator()

// Vector copies data into a new vector.
func Vector(data []float64) anyvec.Vector {
	return Creator.MakeVectorData(Creator.MakeNumericList(data))
}

// Const wraps data as a constant autodiff node.
func Const(data []float64) anydiff.Res {
	return anydiff.NewConst(Vector(data))
}

// Floats returns a copy of v's contents.
func Floats(v anyvec.Vector) []float64 {
	src := v.Data().([]float64)
	out := make([]float64, len(src))
	copy(out, src)
	return out
}

// Scalar reads the single value of a one-element result.
func Scalar(r anydiff.Res) float64 {
	return r.Output().Data().([]float64)[0]
}

// Num converts x to the backend numeric type.
func Num(x float64) anyvec.Numeric {
	return Creator.MakeNumeric(x)
}

// Flatten packs rows into one row-major slice.
func Flatten(rows [][]float64) []float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

// Rows splits a row-major slice into rows of width cols.
func Rows(data []float64, cols int) [][]float64 {
	if cols == 0 {
		return nil
	}
	out := make([][]float64, len(data)/cols)
	for i := range out {
		out[i] = data[i*cols : (i+1)*cols]
	}
	return out
}
