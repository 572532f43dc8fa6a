// Package report writes ranked anomalies as newline delimited JSON, one
// directory per input batch, plus a run summary.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/parser"
)

// File names inside each batch directory.
const (
	CombinedFile = "anomalies.ndjson"
	SummaryFile  = "summary.json"
)

// DetectorFile returns the per-detector output file name.
func DetectorFile(kind model.DetectorKind) string {
	return "anomalies_" + string(kind) + ".ndjson"
}

// Options configures a Writer. With an empty Dir nothing is written to disk.
type Options struct {
	Dir         string
	PerDetector bool
	Query       string
	RunID       string
	Stdout      io.Writer
}

// FileSummary is one batch's entry in summary.json.
type FileSummary struct {
	model.FileReport
	Flagged     int                        `json:"anomalies"`
	PerDetector map[model.DetectorKind]int `json:"per_detector"`
	OutputDir   string                     `json:"output_dir,omitempty"`
}

// Summary is the run level report.
type Summary struct {
	RunID          string        `json:"run_id,omitempty"`
	Files          []FileSummary `json:"files"`
	TotalAnomalies int           `json:"total_anomalies"`
}

// Writer emits the reports of one run.
type Writer struct {
	opts   Options
	logger *zap.Logger
}

// NewWriter returns a Writer; a nil logger discards log output.
func NewWriter(opts Options, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{opts: opts, logger: logger}
}

// Write emits every report in order and returns the summary it wrote.
// Anomalies are filtered by the configured query before anything is written.
func (w *Writer) Write(reports []model.FileReport) (Summary, error) {
	summary := Summary{RunID: w.opts.RunID, Files: make([]FileSummary, 0, len(reports))}
	stems := make(map[string]bool)

	var stdout *json.Encoder
	var buffered *bufio.Writer
	if w.opts.Stdout != nil {
		buffered = bufio.NewWriter(w.opts.Stdout)
		stdout = json.NewEncoder(buffered)
	}

	for _, fr := range reports {
		kept, err := Filter(fr.Anomalies, w.opts.Query)
		if err != nil {
			return summary, err
		}
		fr.Anomalies = kept

		fs := FileSummary{
			FileReport:  fr,
			Flagged:     len(kept),
			PerDetector: make(map[model.DetectorKind]int, len(model.DetectorKinds)),
		}
		for _, kind := range model.DetectorKinds {
			fs.PerDetector[kind] = fr.AnomalyCount(kind)
		}

		if w.opts.Dir != "" && fr.Warning == "" {
			dir := filepath.Join(w.opts.Dir, uniqueStem(stems, fr.SourceFile))
			if err := w.writeBatch(dir, kept); err != nil {
				return summary, err
			}
			fs.OutputDir = dir
		}
		if stdout != nil {
			for _, a := range kept {
				if err := stdout.Encode(a); err != nil {
					return summary, err
				}
			}
		}
		summary.Files = append(summary.Files, fs)
		summary.TotalAnomalies += len(kept)
	}

	if buffered != nil {
		if err := buffered.Flush(); err != nil {
			return summary, err
		}
	}
	if w.opts.Dir != "" {
		if err := writeJSON(filepath.Join(w.opts.Dir, SummaryFile), summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (w *Writer) writeBatch(dir string, anomalies []model.AnomalyResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	n, err := writeNDJSON(filepath.Join(dir, CombinedFile), anomalies)
	if err != nil {
		return err
	}
	w.logger.Debug("wrote anomalies",
		zap.String("dir", dir),
		zap.Int("count", len(anomalies)),
		zap.String("size", humanize.Bytes(uint64(n))),
	)
	if !w.opts.PerDetector {
		return nil
	}
	for _, kind := range model.DetectorKinds {
		var flagged []model.AnomalyResult
		for _, a := range anomalies {
			if a.FlaggedBy(kind) {
				flagged = append(flagged, a)
			}
		}
		if _, err := writeNDJSON(filepath.Join(dir, DetectorFile(kind)), flagged); err != nil {
			return err
		}
	}
	return nil
}

// countingWriter tracks bytes written for the debug log.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func writeNDJSON(path string, anomalies []model.AnomalyResult) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: f}
	bw := bufio.NewWriter(cw)
	enc := json.NewEncoder(bw)
	for _, a := range anomalies {
		if err := enc.Encode(a); err != nil {
			f.Close()
			return 0, fmt.Errorf("encode %s: %w", path, err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return 0, err
	}
	return cw.n, f.Close()
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Stem derives a directory name from a file path or log group name.
func Stem(source string) string {
	name := parser.StripCompression(filepath.Base(source))
	if ext := filepath.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}
	if strings.Contains(source, "/") && !strings.Contains(filepath.Base(source), ".") {
		// log group names such as /aws/nginx/access keep their hierarchy
		name = strings.ReplaceAll(strings.Trim(source, "/"), "/", "_")
	}
	if name == "" || name == "." {
		name = "batch"
	}
	return name
}

// uniqueStem returns the stem of source, suffixed with -2, -3, ... until it
// names a directory not used yet in this run.
func uniqueStem(used map[string]bool, source string) string {
	stem := Stem(source)
	candidate := stem
	for n := 2; used[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d", stem, n)
	}
	used[candidate] = true
	return candidate
}
