package detector

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// Outcome collects the channels of one ensemble run.
type Outcome struct {
	Results   map[model.DetectorKind]Result
	Skipped   []model.DetectorKind
	Durations map[model.DetectorKind]time.Duration
}

// Ran reports whether kind produced a result for the batch.
func (o Outcome) Ran(kind model.DetectorKind) bool {
	_, ok := o.Results[kind]
	return ok
}

// Flagged reports whether any detector flagged row i.
func (o Outcome) Flagged(i int) bool {
	for _, r := range o.Results {
		if r.Flags[i] {
			return true
		}
	}
	return false
}

// Ensemble runs the three detectors independently over the same matrix.
type Ensemble struct {
	cfg    Config
	logger *zap.Logger
	build  func(Config) []Detector
}

// NewEnsemble returns an ensemble that builds fresh detectors for every Run.
func NewEnsemble(cfg Config, logger *zap.Logger) *Ensemble {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ensemble{cfg: cfg, logger: logger, build: defaultDetectors}
}

func defaultDetectors(cfg Config) []Detector {
	return []Detector{NewIsolationForest(cfg), NewDBSCAN(cfg), NewAutoencoder(cfg)}
}

// Run fits and scores every detector on its own copy of x. A detector that
// cannot run on the batch is skipped; the others still execute.
func (e *Ensemble) Run(x *mat.Dense) Outcome {
	out := Outcome{
		Results:   make(map[model.DetectorKind]Result),
		Durations: make(map[model.DetectorKind]time.Duration),
	}
	var n int
	if x != nil {
		n, _ = x.Dims()
	}
	for _, det := range e.build(e.cfg) {
		kind := det.Kind()
		if n == 0 {
			out.Skipped = append(out.Skipped, kind)
			continue
		}
		start := time.Now()
		res, err := det.FitAndScore(mat.DenseCopyOf(x))
		out.Durations[kind] = time.Since(start)
		if err != nil {
			level := e.logger.Error
			if errors.Is(err, ErrInsufficientSamples) {
				level = e.logger.Warn
			}
			level("detector skipped for batch", zap.String("detector", string(kind)), zap.Int("rows", n), zap.Error(err))
			out.Skipped = append(out.Skipped, kind)
			continue
		}
		e.logger.Debug("detector finished",
			zap.String("detector", string(kind)),
			zap.Int("flagged", res.Count()),
			zap.Float64("threshold", res.Threshold),
			zap.Duration("took", out.Durations[kind]),
		)
		if ae, ok := det.(*Autoencoder); ok && len(ae.ValidationLoss) > 0 {
			e.logger.Debug("autoencoder validation loss", zap.Float64("final", ae.ValidationLoss[len(ae.ValidationLoss)-1]))
		}
		out.Results[kind] = res
	}
	return out
}
