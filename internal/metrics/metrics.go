// Package metrics records per-run counters on a private prometheus registry
// and exports them in the node_exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

const namespace = "log_anomaly"

// File outcomes.
const (
	FileProcessed = "processed"
	FileEmpty     = "empty"
	FileUnknown   = "unknown_format"
	FileHidden    = "hidden"
	FileFailed    = "failed"
)

// Narrative outcomes.
const (
	NarrativeOK          = "ok"
	NarrativeUnavailable = "unavailable"
)

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	linesParsed      *prometheus.CounterVec
	linesSkipped     *prometheus.CounterVec
	files            *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	detectorSkipped  *prometheus.CounterVec
	detectorDuration *prometheus.HistogramVec
	narratives       *prometheus.CounterVec
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		linesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_parsed_total",
			Help:      "Lines that matched their format grammar.",
		}, []string{"format"}),
		linesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_skipped_total",
			Help:      "Lines dropped because they did not match their format grammar.",
		}, []string{"format"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Input batches by outcome.",
		}, []string{"outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Records flagged, per detector.",
		}, []string{"detector"}),
		detectorSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_skipped_total",
			Help:      "Batches a detector could not run on.",
		}, []string{"detector"}),
		detectorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_duration_seconds",
			Help:      "Time spent fitting and scoring one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"detector"}),
		narratives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "narrative_requests_total",
			Help:      "Narrative requests by outcome.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(
		r.linesParsed,
		r.linesSkipped,
		r.files,
		r.anomalies,
		r.detectorSkipped,
		r.detectorDuration,
		r.narratives,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Lines counts the parsed and skipped lines of one batch.
func (r *Recorder) Lines(format model.FormatTag, parsed, skipped int) {
	if r == nil {
		return
	}
	r.linesParsed.WithLabelValues(string(format)).Add(float64(parsed))
	r.linesSkipped.WithLabelValues(string(format)).Add(float64(skipped))
}

// File counts one input by outcome, e.g. FileProcessed.
func (r *Recorder) File(outcome string) {
	if r == nil {
		return
	}
	r.files.WithLabelValues(outcome).Inc()
}

// Detector records one detector run, or a skip when ran is false.
func (r *Recorder) Detector(kind model.DetectorKind, ran bool, flagged int, took time.Duration) {
	if r == nil {
		return
	}
	if !ran {
		r.detectorSkipped.WithLabelValues(string(kind)).Inc()
		return
	}
	r.anomalies.WithLabelValues(string(kind)).Add(float64(flagged))
	r.detectorDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

// Narrative counts one narrative request by outcome.
func (r *Recorder) Narrative(outcome string) {
	if r == nil {
		return
	}
	r.narratives.WithLabelValues(outcome).Inc()
}

// WriteTextfile atomically writes the current values to path.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
