package inspector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/config"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/detector"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/features"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/metrics"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/narrative"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/parser"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/scaler"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/severity"
)

var (
	// ErrEmptyBatch means no line of a batch matched its grammar.
	ErrEmptyBatch = errors.New("empty or invalid batch")
	// ErrNoUsableFiles aborts a run whose input holds no classifiable log file.
	ErrNoUsableFiles = errors.New("no usable log files")
)

const (
	warnEmpty   = "empty or invalid file"
	warnUnknown = "unknown log format"
)

// Inspector runs the detection pipeline over independent batches.
type Inspector struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Recorder
	explainer narrative.Explainer
	ranker    *severity.Ranker
	workers   int
}

// New creates an Inspector. metrics and explainer may be nil; narratives are
// requested only when cfg.Narrative.Enabled is set and an explainer is given.
func New(cfg config.Config, logger *zap.Logger, rec *metrics.Recorder, explainer narrative.Explainer) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Narrative.Enabled {
		explainer = nil
	}
	return &Inspector{
		cfg:       cfg,
		logger:    logger,
		metrics:   rec,
		explainer: explainer,
		ranker:    severity.NewRanker(cfg.Severity),
		workers:   max(cfg.Input.Workers, 1),
	}
}

// SetWorkers sets the number of batches processed concurrently.
func (in *Inspector) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	in.workers = n
}

// task loads one batch; it runs on a worker.
type task struct {
	source string
	format model.FormatTag
	load   func() (parser.Batch, error)
}

// InspectDir processes every classifiable file directly inside dir, in name
// order. Hidden and unknown files are skipped with a log entry. It fails with
// ErrNoUsableFiles when nothing in dir can be processed.
func (in *Inspector) InspectDir(ctx context.Context, dir string) ([]model.FileReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var tasks []task
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		if parser.IsHidden(name) && !in.cfg.Input.IncludeHidden {
			in.logger.Info("skipping hidden file", zap.String("file", name))
			in.metrics.File(metrics.FileHidden)
			continue
		}
		format := parser.Classify(name)
		if format == model.FormatUnknown {
			in.logger.Warn(warnUnknown+", skipping file", zap.String("file", name))
			in.metrics.File(metrics.FileUnknown)
			continue
		}
		if info, err := e.Info(); err == nil {
			in.logger.Debug("queued file",
				zap.String("file", name),
				zap.String("format", string(format)),
				zap.String("size", humanize.Bytes(uint64(info.Size()))),
			)
		}
		tasks = append(tasks, task{
			source: name,
			format: format,
			load: func() (parser.Batch, error) {
				rc, err := parser.Open(path)
				if err != nil {
					return parser.Batch{}, err
				}
				defer rc.Close()
				return parser.ReadBatch(rc, name, format)
			},
		})
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoUsableFiles, dir)
	}
	return in.run(ctx, tasks)
}

// InspectBatches processes batches that were already parsed, such as
// CloudWatch log groups.
func (in *Inspector) InspectBatches(ctx context.Context, batches []parser.Batch) ([]model.FileReport, error) {
	var tasks []task
	for _, b := range batches {
		if !b.Format.Valid() {
			in.logger.Warn(warnUnknown+", skipping batch", zap.String("source", b.Source))
			in.metrics.File(metrics.FileUnknown)
			continue
		}
		tasks = append(tasks, task{
			source: b.Source,
			format: b.Format,
			load:   func() (parser.Batch, error) { return b, nil },
		})
	}
	if len(tasks) == 0 {
		return nil, ErrNoUsableFiles
	}
	return in.run(ctx, tasks)
}

// run processes tasks on the worker pool and returns reports in task order.
// Per-batch failures are recorded on the report and never abort the run.
func (in *Inspector) run(ctx context.Context, tasks []task) ([]model.FileReport, error) {
	start := time.Now()
	reports := make([]model.FileReport, len(tasks))
	idxChan := make(chan int, len(tasks))
	for i := range tasks {
		idxChan <- i
	}
	close(idxChan)

	workers := min(in.workers, len(tasks))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxChan {
				if ctx.Err() != nil {
					return
				}
				reports[i] = in.runTask(ctx, tasks[i])
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lines, anomalies int
	for _, r := range reports {
		lines += r.TotalLines
		anomalies += len(r.Anomalies)
	}
	in.logger.Info("inspection finished",
		zap.Int("batches", len(reports)),
		zap.String("lines", humanize.Comma(int64(lines))),
		zap.Int("anomalies", anomalies),
		zap.Duration("took", time.Since(start)),
	)
	return reports, nil
}

func (in *Inspector) runTask(ctx context.Context, t task) model.FileReport {
	batch, err := t.load()
	if err != nil {
		in.logger.Warn("failed to read batch, skipping", zap.String("file", t.source), zap.Error(err))
		in.metrics.File(metrics.FileFailed)
		return model.FileReport{SourceFile: t.source, Format: t.format, Warning: err.Error()}
	}
	report, err := in.ProcessBatch(ctx, batch)
	if err != nil && !errors.Is(err, ErrEmptyBatch) {
		in.logger.Warn("failed to process batch", zap.String("file", t.source), zap.Error(err))
		in.metrics.File(metrics.FileFailed)
		report.Warning = err.Error()
	}
	return report
}

// ProcessBatch runs the whole pipeline over one batch: features, scaling,
// the detector ensemble, aggregation, ranking and optional narratives. Every
// statistic is fitted on this batch alone. A batch without records yields an
// empty report and ErrEmptyBatch.
func (in *Inspector) ProcessBatch(ctx context.Context, b parser.Batch) (model.FileReport, error) {
	report := model.FileReport{
		SourceFile:   b.Source,
		Format:       b.Format,
		TotalLines:   b.TotalLines,
		ParsedLines:  len(b.Records),
		SkippedLines: b.Skipped,
	}
	in.metrics.Lines(b.Format, len(b.Records), b.Skipped)
	log := in.logger.With(zap.String("file", b.Source), zap.String("format", string(b.Format)))

	if len(b.Records) == 0 {
		log.Warn(warnEmpty, zap.Int("lines", b.TotalLines), zap.Int("skipped", b.Skipped))
		in.metrics.File(metrics.FileEmpty)
		report.Warning = warnEmpty
		return report, ErrEmptyBatch
	}

	kind, err := scaler.ParseKind(in.cfg.Scaler)
	if err != nil {
		return report, err
	}
	vectors := features.Extract(b.Records, b.Format)
	x := scaler.New(kind).FitTransform(features.Matrix(vectors, b.Format))
	outcome := detector.NewEnsemble(in.cfg.Detector, log).Run(x)

	report.Thresholds = make(map[model.DetectorKind]float64, len(outcome.Results))
	for _, k := range model.DetectorKinds {
		res, ran := outcome.Results[k]
		if ran {
			report.Thresholds[k] = res.Threshold
		}
		in.metrics.Detector(k, ran, res.Count(), outcome.Durations[k])
	}
	report.Skipped = outcome.Skipped

	report.Anomalies = in.aggregate(b.Records, vectors, outcome)
	severity.Rank(report.Anomalies)
	in.narrate(ctx, log, report.Anomalies)

	in.metrics.File(metrics.FileProcessed)
	log.Info("batch processed",
		zap.Int("parsed", report.ParsedLines),
		zap.Int("skipped", report.SkippedLines),
		zap.Int("anomalies", len(report.Anomalies)),
	)
	return report, nil
}

// aggregate builds one result per record flagged by any detector, keeping
// every channel's verdict and score.
func (in *Inspector) aggregate(records []model.LogRecord, vectors []model.FeatureVector, outcome detector.Outcome) []model.AnomalyResult {
	var results []model.AnomalyResult
	for i, rec := range records {
		if !outcome.Flagged(i) {
			continue
		}
		score, reasons := in.ranker.Score(rec, vectors[i])
		r := model.AnomalyResult{
			LineNumber:          rec.LineNumber,
			SourceFile:          rec.SourceFile,
			Format:              rec.Format,
			SeverityScore:       score,
			DisplayScore:        severity.DisplayScore(score),
			ContributingReasons: reasons,
			Features:            vectors[i],
			Record:              rec,
		}
		for kind, res := range outcome.Results {
			v := r.Verdict(kind)
			v.Ran = true
			v.Anomaly = res.Flags[i]
			v.Score = res.Scores[i]
		}
		results = append(results, r)
	}
	return results
}

// narrate attaches narratives to results at or above the configured severity.
// A failed request marks the narrative unavailable; the result is kept.
func (in *Inspector) narrate(ctx context.Context, log *zap.Logger, results []model.AnomalyResult) {
	if in.explainer == nil {
		return
	}
	for i := range results {
		r := &results[i]
		if r.SeverityScore < in.cfg.Narrative.MinSeverity {
			continue
		}
		text, err := in.explainer.Explain(ctx, narrative.BuildPrompt(*r))
		if err != nil {
			log.Warn("narrative unavailable", zap.Int("line", r.LineNumber), zap.Error(err))
			r.NarrativeStatus = model.NarrativeUnavailable
			in.metrics.Narrative(metrics.NarrativeUnavailable)
			continue
		}
		r.Narrative = text
		r.NarrativeStatus = model.NarrativeOK
		in.metrics.Narrative(metrics.NarrativeOK)
	}
}
