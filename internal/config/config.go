// Package config loads the immutable run configuration. Sources are layered
// as built-in defaults, then an optional YAML file, then LOGANOMALY_*
// environment variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/detector"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/logging"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/narrative"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/scaler"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/severity"
)

// EnvPrefix is prepended to every environment override, e.g.
// LOGANOMALY_DETECTOR_CONTAMINATION.
const EnvPrefix = "LOGANOMALY"

// DefaultFileName is looked up in the working directory when no config file
// is named. Unlike an explicit path, it may be absent.
const DefaultFileName = "loganomaly"

// Config is the full run configuration. It is built once and not mutated.
type Config struct {
	Detector  detector.Config  `mapstructure:"detector"`
	Scaler    string           `mapstructure:"scaler"`
	Severity  severity.Config  `mapstructure:"severity"`
	Input     InputConfig      `mapstructure:"input"`
	Output    OutputConfig     `mapstructure:"output"`
	Narrative narrative.Config `mapstructure:"narrative"`
	Logging   logging.Config   `mapstructure:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// InputConfig controls how input batches are picked up and processed.
type InputConfig struct {
	Workers       int  `mapstructure:"workers"`
	IncludeHidden bool `mapstructure:"include_hidden"`
}

// OutputConfig controls where and how anomalies are written.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	Stdout      bool   `mapstructure:"stdout"`
	Query       string `mapstructure:"query"`
	PerDetector bool   `mapstructure:"per_detector"`
}

// MetricsConfig names the optional Prometheus textfile.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Detector:  detector.DefaultConfig(),
		Scaler:    string(scaler.ZScore),
		Severity:  severity.DefaultConfig(),
		Input:     InputConfig{Workers: 1},
		Output:    OutputConfig{Dir: "results", PerDetector: true},
		Narrative: narrative.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
	}
}

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"workers":          "input.workers",
	"include-hidden":   "input.include_hidden",
	"out":              "output.dir",
	"stdout":           "output.stdout",
	"query":            "output.query",
	"per-detector":     "output.per_detector",
	"scaler":           "scaler",
	"seed":             "detector.seed",
	"contamination":    "detector.contamination",
	"eps":              "detector.eps",
	"min-points":       "detector.min_points",
	"epochs":           "detector.epochs",
	"narrative":        "narrative.enabled",
	"min-severity":     "narrative.min_severity",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
	"log-file":         "logging.file",
	"metrics-textfile": "metrics.textfile",
}

// Load reads path, or ./loganomaly.yaml when path is empty, and overlays environment variables and the
// flags in fs that were explicitly set. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("scaler", d.Scaler)

	v.SetDefault("detector.seed", d.Detector.Seed)
	v.SetDefault("detector.contamination", d.Detector.Contamination)
	v.SetDefault("detector.trees", d.Detector.Trees)
	v.SetDefault("detector.subsample_size", d.Detector.SubsampleSize)
	v.SetDefault("detector.eps", d.Detector.Eps)
	v.SetDefault("detector.min_points", d.Detector.MinPoints)
	v.SetDefault("detector.hidden_width", d.Detector.HiddenWidth)
	v.SetDefault("detector.bottleneck", d.Detector.Bottleneck)
	v.SetDefault("detector.epochs", d.Detector.Epochs)
	v.SetDefault("detector.batch_size", d.Detector.BatchSize)
	v.SetDefault("detector.learning_rate", d.Detector.LearningRate)
	v.SetDefault("detector.validation_split", d.Detector.ValidationSplit)
	v.SetDefault("detector.percentile", d.Detector.Percentile)
	v.SetDefault("detector.output_activation", d.Detector.OutputActivation)

	v.SetDefault("severity.long_gap_seconds", d.Severity.LongGapSeconds)
	v.SetDefault("severity.min_ip_frequency", d.Severity.MinIPFrequency)
	v.SetDefault("severity.long_user_agent", d.Severity.LongUserAgent)
	v.SetDefault("severity.suspicious_path_points", d.Severity.SuspiciousPathScore)
	v.SetDefault("severity.long_gap_points", d.Severity.LongGapScore)
	v.SetDefault("severity.rare_ip_points", d.Severity.RareIPScore)
	v.SetDefault("severity.error_status_points", d.Severity.ErrorStatusScore)
	v.SetDefault("severity.long_user_agent_points", d.Severity.LongUserAgentScore)

	v.SetDefault("input.workers", d.Input.Workers)
	v.SetDefault("input.include_hidden", d.Input.IncludeHidden)

	v.SetDefault("output.dir", d.Output.Dir)
	v.SetDefault("output.stdout", d.Output.Stdout)
	v.SetDefault("output.query", d.Output.Query)
	v.SetDefault("output.per_detector", d.Output.PerDetector)

	v.SetDefault("narrative.enabled", d.Narrative.Enabled)
	v.SetDefault("narrative.endpoint", d.Narrative.Endpoint)
	v.SetDefault("narrative.deployment", d.Narrative.Deployment)
	v.SetDefault("narrative.api_key", d.Narrative.APIKey)
	v.SetDefault("narrative.api_version", d.Narrative.APIVersion)
	v.SetDefault("narrative.max_attempts", d.Narrative.MaxAttempts)
	v.SetDefault("narrative.delay", d.Narrative.Delay)
	v.SetDefault("narrative.backoff", d.Narrative.Backoff)
	v.SetDefault("narrative.timeout", d.Narrative.Timeout)
	v.SetDefault("narrative.rate_per_second", d.Narrative.RatePerSecond)
	v.SetDefault("narrative.min_severity", d.Narrative.MinSeverity)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
}

// Validate returns every violation joined into one error.
func (c Config) Validate() error {
	var errs []error
	if _, err := scaler.ParseKind(c.Scaler); err != nil {
		errs = append(errs, err)
	}

	d := c.Detector
	if d.Contamination <= 0 || d.Contamination >= 0.5 {
		errs = append(errs, fmt.Errorf("detector.contamination must be in (0, 0.5), got %v", d.Contamination))
	}
	if d.Trees < 1 {
		errs = append(errs, errors.New("detector.trees must be at least 1"))
	}
	if d.SubsampleSize < 2 {
		errs = append(errs, errors.New("detector.subsample_size must be at least 2"))
	}
	if d.Eps <= 0 {
		errs = append(errs, errors.New("detector.eps must be positive"))
	}
	if d.MinPoints < 1 {
		errs = append(errs, errors.New("detector.min_points must be at least 1"))
	}
	if d.HiddenWidth < 1 || d.Epochs < 1 || d.BatchSize < 1 {
		errs = append(errs, errors.New("detector.hidden_width, epochs and batch_size must be at least 1"))
	}
	if d.LearningRate <= 0 {
		errs = append(errs, errors.New("detector.learning_rate must be positive"))
	}
	if d.ValidationSplit <= 0 || d.ValidationSplit >= 1 {
		errs = append(errs, fmt.Errorf("detector.validation_split must be in (0, 1), got %v", d.ValidationSplit))
	}
	if d.Percentile <= 0 || d.Percentile >= 100 {
		errs = append(errs, fmt.Errorf("detector.percentile must be in (0, 100), got %v", d.Percentile))
	}
	if d.OutputActivation != detector.ActivationLinear && d.OutputActivation != detector.ActivationSigmoid {
		errs = append(errs, fmt.Errorf("detector.output_activation: unknown activation %q", d.OutputActivation))
	}

	if c.Input.Workers < 1 {
		errs = append(errs, errors.New("input.workers must be at least 1"))
	}
	if c.Output.Dir == "" && !c.Output.Stdout {
		errs = append(errs, errors.New("output.dir is required unless output.stdout is set"))
	}
	if err := c.Narrative.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
