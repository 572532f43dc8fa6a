// Package detector implements the unsupervised anomaly detectors of the ensemble.
//
// Every detector is fitted and scored on the same standardized batch and
// exposes the same contract: one boolean per row plus the continuous score
// that produced it. Detectors hold per-batch state and must be constructed
// fresh for each batch.
package detector

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// ErrInsufficientSamples is returned when a batch is too small for a detector.
var ErrInsufficientSamples = errors.New("insufficient samples")

// Result is one detector's verdict over a batch, aligned with the input rows.
type Result struct {
	Flags     []bool
	Scores    []float64
	Threshold float64
}

// Count returns the number of flagged rows.
func (r Result) Count() int {
	n := 0
	for _, f := range r.Flags {
		if f {
			n++
		}
	}
	return n
}

// Detector fits on x and labels every row of x.
type Detector interface {
	Kind() model.DetectorKind
	FitAndScore(x *mat.Dense) (Result, error)
}

// Config carries the tunables of all three detectors.
type Config struct {
	Seed int64 `mapstructure:"seed"`

	Contamination float64 `mapstructure:"contamination"`
	Trees         int     `mapstructure:"trees"`
	SubsampleSize int     `mapstructure:"subsample_size"`

	Eps       float64 `mapstructure:"eps"`
	MinPoints int     `mapstructure:"min_points"`

	HiddenWidth      int     `mapstructure:"hidden_width"`
	Bottleneck       int     `mapstructure:"bottleneck"`
	Epochs           int     `mapstructure:"epochs"`
	BatchSize        int     `mapstructure:"batch_size"`
	LearningRate     float64 `mapstructure:"learning_rate"`
	ValidationSplit  float64 `mapstructure:"validation_split"`
	Percentile       float64 `mapstructure:"percentile"`
	OutputActivation string  `mapstructure:"output_activation"`
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		Seed:             42,
		Contamination:    0.05,
		Trees:            100,
		SubsampleSize:    256,
		Eps:              0.5,
		MinPoints:        5,
		HiddenWidth:      16,
		Bottleneck:       8,
		Epochs:           50,
		BatchSize:        32,
		LearningRate:     0.001,
		ValidationSplit:  0.2,
		Percentile:       95,
		OutputActivation: ActivationLinear,
	}
}

// percentile returns the p-th percentile of values using linear interpolation
// between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	pos := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}

// flagAbove marks every score strictly greater than threshold.
func flagAbove(scores []float64, threshold float64) []bool {
	flags := make([]bool, len(scores))
	for i, s := range scores {
		flags[i] = s > threshold
	}
	return flags
}
