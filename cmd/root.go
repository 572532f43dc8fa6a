package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/client"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/config"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/inspector"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/logging"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/metrics"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/narrative"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/parser"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/report"
)

// DefaultInputDir is scanned when no directory is given.
const DefaultInputDir = "share_logs"

// GroupFetcher returns the events of several log groups in a time window.
type GroupFetcher interface {
	FetchGroups(ctx context.Context, groups []string, filter string, start, end time.Time, workers int) ([]client.GroupEvents, error)
}

type fetcherFactory func(ctx context.Context, o *Options) (GroupFetcher, error)

func newCloudWatchFetcher(ctx context.Context, o *Options) (GroupFetcher, error) {
	cw, err := client.NewCloudWatchClient(ctx, o.BuildCloudWatchOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CloudWatch client: %w", err)
	}
	return cw, nil
}

type app struct {
	configPath string
	cloudwatch Options
	newFetcher fetcherFactory
	stdout     io.Writer
}

// run is the state of one invocation, built once the configuration is known.
type run struct {
	id        string
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Recorder
	inspector *inspector.Inspector
}

// NewRootCommand returns the log-anomaly-inspector command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, newCloudWatchFetcher)
}

func newRootCommand(out io.Writer, newFetcher fetcherFactory) *cobra.Command {
	a := &app{newFetcher: newFetcher, stdout: out}

	root := &cobra.Command{
		Use:           "log-anomaly-inspector",
		Short:         "Flag and rank anomalous entries in web server and application logs",
		Long:          "log-anomaly-inspector scores every parsed log line with an isolation forest, DBSCAN and an autoencoder, ranks flagged lines by security severity and writes them as NDJSON.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	d := config.Default()
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML configuration file (default: ./loganomaly.yaml when present)")
	pf.Int("workers", d.Input.Workers, "Batches processed in parallel")
	pf.Bool("include-hidden", d.Input.IncludeHidden, "Also process files whose name begins with a dot")
	pf.String("out", d.Output.Dir, "Output directory (empty disables file output)")
	pf.Bool("stdout", d.Output.Stdout, "Also write anomalies to stdout as NDJSON")
	pf.String("query", d.Output.Query, "JMESPath expression; only matching anomalies are written")
	pf.Bool("per-detector", d.Output.PerDetector, "Also write one NDJSON file per detector")
	pf.String("scaler", d.Scaler, "Feature scaling: zscore or minmax")
	pf.Int64("seed", d.Detector.Seed, "Random seed for the detectors")
	pf.Float64("contamination", d.Detector.Contamination, "Expected anomaly share for the isolation forest")
	pf.Float64("eps", d.Detector.Eps, "DBSCAN neighbourhood radius")
	pf.Int("min-points", d.Detector.MinPoints, "DBSCAN minimum neighbourhood size")
	pf.Int("epochs", d.Detector.Epochs, "Autoencoder training epochs")
	pf.Bool("narrative", d.Narrative.Enabled, "Request narrative explanations for severe anomalies")
	pf.Int("min-severity", d.Narrative.MinSeverity, "Minimum severity score that gets a narrative")
	pf.String("log-level", d.Logging.Level, "Log level: debug, info, warn or error")
	pf.String("log-format", d.Logging.Format, "Log encoding: console or json")
	pf.String("log-file", d.Logging.File, "Also write JSON logs to this rotated file")
	pf.String("metrics-textfile", d.Metrics.Textfile, "Write run metrics in Prometheus text format to this path")

	root.AddCommand(newScanCmd(a), newCloudWatchCmd(a))
	return root
}

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [dir]",
		Short: "Inspect every log file in a directory",
		Long:  "scan classifies each file directly inside dir (default " + DefaultInputDir + ") as access, error or myfiles by name and inspects it as one batch. Compressed .gz and .zst files are read transparently.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := DefaultInputDir
			if len(args) == 1 {
				dir = args[0]
			}
			r, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer r.close()
			r.logger.Info("scanning directory", zap.String("dir", dir))
			reports, err := r.inspector.InspectDir(cmd.Context(), dir)
			if err != nil {
				return err
			}
			return a.finish(r, reports)
		},
	}
}

func newCloudWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloudwatch",
		Short: "Inspect CloudWatch log groups, one batch per group",
		Long:  "cloudwatch fetches every event of each log group in the time window (default: the last 24 hours) and inspects each group as one batch. AWS credentials come from the default sources, --profile or AWS_PROFILE.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o := &a.cloudwatch
			if err := o.Validate(); err != nil {
				return err
			}
			start, end, err := ResolveTimeWindow(o.StartRFC3339, o.EndRFC3339, time.Now())
			if err != nil {
				return err
			}
			r, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer r.close()

			ctx := cmd.Context()
			fetcher, err := a.newFetcher(ctx, o)
			if err != nil {
				return err
			}
			groups := ParseGroupsCSV(o.GroupsCSV)
			r.logger.Info("fetching log groups",
				zap.Strings("groups", groups),
				zap.Time("start", start),
				zap.Time("end", end),
			)
			fetched, err := fetcher.FetchGroups(ctx, groups, o.FilterPattern, start, end, min(o.Concurrency, len(groups)))
			if err != nil {
				return err
			}

			batches := make([]parser.Batch, 0, len(fetched))
			var failed []model.FileReport
			for _, g := range fetched {
				format := o.GroupFormat(g.Group)
				if g.Err != nil {
					r.logger.Warn("failed to fetch log group, skipping", zap.String("group", g.Group), zap.Error(g.Err))
					r.metrics.File(metrics.FileFailed)
					failed = append(failed, model.FileReport{SourceFile: g.Group, Format: format, Warning: g.Err.Error()})
					continue
				}
				if format == model.FormatUnknown {
					r.logger.Warn("unknown log format, skipping log group", zap.String("group", g.Group))
					r.metrics.File(metrics.FileUnknown)
					continue
				}
				b, err := parser.ReadBatch(g.Reader(), g.Group, format)
				if err != nil {
					return fmt.Errorf("read group %s: %w", g.Group, err)
				}
				batches = append(batches, b)
			}
			reports, err := r.inspector.InspectBatches(ctx, batches)
			if err != nil {
				return err
			}
			return a.finish(r, append(reports, failed...))
		},
	}
	cmd.Flags().SortFlags = false
	a.cloudwatch.RegisterFlags(cmd.Flags())
	return cmd
}

// setup loads the configuration and builds the collaborators of one run.
func (a *app) setup(cmd *cobra.Command) (*run, error) {
	cfg, err := config.Load(a.configPath, cmd.Flags())
	if err != nil {
		return nil, &UsageError{Err: err}
	}
	base, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, &UsageError{Err: err}
	}
	id := uuid.NewString()
	logger := base.With(zap.String("run_id", id))
	rec := metrics.NewRecorder()

	var explainer narrative.Explainer
	if cfg.Narrative.Enabled {
		explainer = narrative.NewClient(cfg.Narrative, logger.Named("narrative"))
	}
	return &run{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		metrics:   rec,
		inspector: inspector.New(cfg, logger, rec, explainer),
	}, nil
}

// finish writes the reports and the metrics textfile.
func (a *app) finish(r *run, reports []model.FileReport) error {
	opts := report.Options{
		Dir:         r.cfg.Output.Dir,
		PerDetector: r.cfg.Output.PerDetector,
		Query:       r.cfg.Output.Query,
		RunID:       r.id,
	}
	if r.cfg.Output.Stdout {
		opts.Stdout = a.stdout
	}
	summary, err := report.NewWriter(opts, r.logger).Write(reports)
	if err != nil {
		return fmt.Errorf("write reports: %w", err)
	}
	r.logger.Info("run finished",
		zap.Int("batches", len(summary.Files)),
		zap.Int("anomalies", summary.TotalAnomalies),
		zap.String("out", r.cfg.Output.Dir),
	)
	if err := r.metrics.WriteTextfile(r.cfg.Metrics.Textfile); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func (r *run) close() {
	// Sync reports EINVAL on terminals.
	_ = r.logger.Sync()
}
