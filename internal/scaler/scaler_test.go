package scaler

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestZScore(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{
		1, 5,
		2, 5,
		3, 5,
		4, 5,
	})
	out := New(ZScore).FitTransform(x)

	col := mat.Col(nil, 0, out)
	mean, std := stat.PopMeanStdDev(col, nil)
	assert.InDelta(t, 0, mean, 1e-12)
	assert.InDelta(t, 1, std, 1e-12)

	for _, v := range mat.Col(nil, 1, out) {
		assert.Zero(t, v, "constant column maps to zero")
	}
	assert.Equal(t, 1.0, x.At(0, 0), "input left untouched")
}

func TestMinMax(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{
		10, 7,
		20, 7,
		30, 7,
	})
	out := New(MinMax).FitTransform(x)
	assert.Equal(t, []float64{0, 0.5, 1}, mat.Col(nil, 0, out))
	assert.Equal(t, []float64{0, 0, 0}, mat.Col(nil, 1, out))
}

func TestStatisticsDoNotLeakAcrossBatches(t *testing.T) {
	a := mat.NewDense(2, 1, []float64{0, 100})
	b := mat.NewDense(2, 1, []float64{0, 1})

	outA := New(MinMax).FitTransform(a)
	outB := New(MinMax).FitTransform(b)
	assert.Equal(t, outA.RawMatrix().Data, outB.RawMatrix().Data)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("minmax")
	require.NoError(t, err)
	assert.Equal(t, MinMax, k)
	_, err = ParseKind("robust")
	assert.Error(t, err)
}

func TestZScoreSingleRow(t *testing.T) {
	out := New(ZScore).FitTransform(mat.NewDense(1, 2, []float64{3, 4}))
	for _, v := range out.RawMatrix().Data {
		assert.False(t, math.IsNaN(v))
		assert.Zero(t, v)
	}
}
