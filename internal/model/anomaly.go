package model

// FeatureVector is the numeric row derived from exactly one LogRecord.
type FeatureVector struct {
	IPFrequency         int     `json:"ip_frequency"`
	StatusCode          int     `json:"status_code"`
	StatusCodeClass     int     `json:"status_code_class"`
	UserAgentLength     int     `json:"user_agent_length"`
	InterArrivalSeconds float64 `json:"inter_arrival_seconds"`
	SuspiciousPathFlag  int     `json:"suspicious_path_flag"`

	PID           int `json:"pid"`
	MessageLength int `json:"message_length"`
}

// DetectorKind names one channel of the ensemble.
type DetectorKind string

const (
	DetectorIsolation      DetectorKind = "isolation"
	DetectorClustering     DetectorKind = "clustering"
	DetectorReconstruction DetectorKind = "reconstruction"
)

// DetectorKinds lists the ensemble channels in reporting order.
var DetectorKinds = []DetectorKind{DetectorIsolation, DetectorClustering, DetectorReconstruction}

// DetectorVerdict is one detector's opinion on one record.
type DetectorVerdict struct {
	Anomaly bool    `json:"anomaly"`
	Score   float64 `json:"score"`
	// Ran is false when the detector was skipped for the whole batch.
	Ran bool `json:"ran"`
}

// Narrative statuses.
const (
	NarrativeOK          = "ok"
	NarrativeUnavailable = "unavailable"
)

// AnomalyResult is one record flagged by at least one detector.
type AnomalyResult struct {
	LineNumber          int             `json:"line_number"`
	SourceFile          string          `json:"source_file"`
	Format              FormatTag       `json:"format"`
	Isolation           DetectorVerdict `json:"isolation"`
	Clustering          DetectorVerdict `json:"clustering"`
	Reconstruction      DetectorVerdict `json:"reconstruction"`
	SeverityScore       int             `json:"severity_score"`
	DisplayScore        int             `json:"display_score"`
	ContributingReasons []string        `json:"contributing_reasons"`
	Features            FeatureVector   `json:"features"`
	Record              LogRecord       `json:"record"`
	Narrative           string          `json:"narrative,omitempty"`
	NarrativeStatus     string          `json:"narrative_status,omitempty"`
}

// Verdict returns the channel for kind.
func (r *AnomalyResult) Verdict(kind DetectorKind) *DetectorVerdict {
	switch kind {
	case DetectorIsolation:
		return &r.Isolation
	case DetectorClustering:
		return &r.Clustering
	case DetectorReconstruction:
		return &r.Reconstruction
	}
	return nil
}

// FlaggedBy reports whether the given detector marked this record.
func (r AnomalyResult) FlaggedBy(kind DetectorKind) bool {
	v := r.Verdict(kind)
	return v != nil && v.Anomaly
}

// FileReport summarises one batch.
type FileReport struct {
	SourceFile   string                   `json:"source_file"`
	Format       FormatTag                `json:"format"`
	TotalLines   int                      `json:"total_lines"`
	ParsedLines  int                      `json:"parsed_lines"`
	SkippedLines int                      `json:"skipped_lines"`
	Thresholds   map[DetectorKind]float64 `json:"thresholds,omitempty"`
	Skipped      []DetectorKind           `json:"skipped_detectors,omitempty"`
	Anomalies    []AnomalyResult          `json:"-"`
	Warning      string                   `json:"warning,omitempty"`
}

// AnomalyCount returns how many records the given detector flagged.
func (fr FileReport) AnomalyCount(kind DetectorKind) int {
	n := 0
	for _, a := range fr.Anomalies {
		if a.FlaggedBy(kind) {
			n++
		}
	}
	return n
}
