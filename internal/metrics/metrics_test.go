package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.Lines(model.FormatAccess, 10, 2)
	r.File(FileProcessed)
	r.File(FileUnknown)
	r.Detector(model.DetectorIsolation, true, 3, 20*time.Millisecond)
	r.Detector(model.DetectorClustering, false, 0, 0)
	r.Narrative(NarrativeUnavailable)

	path := filepath.Join(t.TempDir(), "inspector.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `log_anomaly_lines_parsed_total{format="access"} 10`)
	assert.Contains(t, out, `log_anomaly_lines_skipped_total{format="access"} 2`)
	assert.Contains(t, out, `log_anomaly_files_total{outcome="unknown_format"} 1`)
	assert.Contains(t, out, `log_anomaly_anomalies_total{detector="isolation"} 3`)
	assert.Contains(t, out, `log_anomaly_detector_skipped_total{detector="clustering"} 1`)
	assert.Contains(t, out, `log_anomaly_detector_duration_seconds_count{detector="isolation"} 1`)
	assert.Contains(t, out, `log_anomaly_narrative_requests_total{outcome="unavailable"} 1`)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Lines(model.FormatError, 1, 1)
		r.File(FileEmpty)
		r.Detector(model.DetectorReconstruction, true, 1, time.Second)
		r.Narrative(NarrativeOK)
	})
	assert.NoError(t, r.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
	assert.Nil(t, r.Registry())
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.File(FileProcessed)

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.NotEqual(t, "log_anomaly_files_total", f.GetName())
	}
}
