// Package scaler rescales a batch feature matrix column by column.
package scaler

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Kind selects the rescaling strategy.
type Kind string

const (
	ZScore Kind = "zscore"
	MinMax Kind = "minmax"
)

// ParseKind validates a configured scaler name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case ZScore, MinMax:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown scaler %q (want %s or %s)", s, ZScore, MinMax)
}

// Standardizer holds the per-column statistics learned from one batch.
// A Standardizer must not be reused across batches.
type Standardizer struct {
	kind   Kind
	offset []float64
	scale  []float64
}

// New returns an unfitted Standardizer.
func New(kind Kind) *Standardizer {
	return &Standardizer{kind: kind}
}

// Fit learns column statistics from x. Constant columns get a unit scale.
func (s *Standardizer) Fit(x mat.Matrix) {
	r, c := x.Dims()
	s.offset = make([]float64, c)
	s.scale = make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, x)
		switch s.kind {
		case MinMax:
			lo, hi := floats.Min(col), floats.Max(col)
			s.offset[j] = lo
			s.scale[j] = hi - lo
		default:
			s.offset[j], s.scale[j] = stat.PopMeanStdDev(col, nil)
		}
		if s.scale[j] == 0 {
			s.scale[j] = 1
		}
	}
}

// Transform returns a rescaled copy of x using the fitted statistics.
func (s *Standardizer) Transform(x mat.Matrix) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.offset[j]) / s.scale[j]
	}, x)
	return out
}

// FitTransform fits on x and returns its rescaled copy.
func (s *Standardizer) FitTransform(x mat.Matrix) *mat.Dense {
	s.Fit(x)
	return s.Transform(x)
}
