package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/pflag"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/client"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/parser"
)

// Options holds the CloudWatch source options after parsing flags and env defaults.
type Options struct {
	GroupsCSV     string
	Region        string
	Profile       string
	FilterPattern string
	Format        string
	StartRFC3339  string
	EndRFC3339    string
	Concurrency   int
}

// UsageError marks invalid invocations; the binary exits with status 2.
type UsageError struct{ Err error }

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// Validate checks relationships and required flags.
func (o *Options) Validate() error {
	var errs []error
	if len(ParseGroupsCSV(o.GroupsCSV)) == 0 {
		errs = append(errs, usageErrorf("no log groups provided (use --groups or LOG_GROUP_NAMES)"))
	}
	if o.Format != "" {
		if _, err := parser.ParseFormat(o.Format); err != nil {
			errs = append(errs, usageErrorf("invalid --format %q: want access, error or myfiles", o.Format))
		}
	}
	if o.Concurrency < 1 {
		errs = append(errs, usageErrorf("--concurrency must be at least 1"))
	}
	return errors.Join(errs...)
}

// RegisterFlags adds the CloudWatch flags to fs with environment-backed defaults.
func (o *Options) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.GroupsCSV, "groups", os.Getenv("LOG_GROUP_NAMES"), "Comma-separated CloudWatch log group names (or set LOG_GROUP_NAMES)")
	fs.StringVar(&o.Region, "region", os.Getenv("AWS_REGION"), "AWS region (optional; falls back to AWS defaults)")
	fs.StringVar(&o.Profile, "profile", "", "AWS shared config profile (or set AWS_PROFILE)")
	fs.StringVar(&o.FilterPattern, "filter-pattern", "", "CloudWatch Logs filter pattern; plain terms are quoted and matched literally, {...}, [...] and ?term patterns are passed through (default: every event)")
	fs.StringVar(&o.Format, "format", "", "Log format of every group: access, error or myfiles (default: classify by group name)")
	fs.StringVar(&o.StartRFC3339, "start", "", "Start time RFC3339 (e.g., 2025-08-30T15:04:05Z)")
	fs.StringVar(&o.EndRFC3339, "end", "", "End time RFC3339 (e.g., 2025-08-31T15:04:05Z)")
	fs.IntVar(&o.Concurrency, "concurrency", 4, "Log groups fetched in parallel")
}

// BuildCloudWatchOptions returns the AWS config options for the selected
// region and credentials.
func (o *Options) BuildCloudWatchOptions() []func(*awsconfig.LoadOptions) error {
	return client.NewCloudWatchOptions(client.AuthOptions{Region: o.Region, Profile: ResolveProfile(o.Profile)})
}

// GroupFormat returns the format for a log group: the --format override, or
// the classifier applied to the group name.
func (o *Options) GroupFormat(group string) model.FormatTag {
	if o.Format != "" {
		if f, err := parser.ParseFormat(o.Format); err == nil {
			return f
		}
	}
	return parser.Classify(group)
}

// ParseGroupsCSV turns a comma-separated groups string into slice, trimming empties.
func ParseGroupsCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	var groups []string
	for _, g := range strings.Split(csv, ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// ResolveProfile returns the profile from flag or AWS_PROFILE env, or empty.
func ResolveProfile(flagProfile string) string {
	if flagProfile != "" {
		return flagProfile
	}
	return os.Getenv("AWS_PROFILE")
}

// DefaultTimeWindow returns the [start, end] timestamps for last 24 hours.
func DefaultTimeWindow() (time.Time, time.Time) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	return start, end
}

// ResolveTimeWindow computes the [start,end] from optional RFC3339 strings.
// Rules:
// - both empty: last 24h ending at now
// - only start: end = start + 24h, capped at now
// - only end: start = end - 24h
// - both set: validate start <= end
func ResolveTimeWindow(startStr, endStr string, now time.Time) (time.Time, time.Time, error) {
	if startStr == "" && endStr == "" {
		return now.Add(-24 * time.Hour), now, nil
	}
	var start time.Time
	var end time.Time
	var err error
	if startStr != "" {
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, usageErrorf("invalid --start: %v", err)
		}
	}
	if endStr != "" {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, usageErrorf("invalid --end: %v", err)
		}
	}
	if startStr != "" && endStr == "" {
		end = start.Add(24 * time.Hour)
		if end.After(now) {
			end = now
		}
	} else if startStr == "" && endStr != "" {
		start = end.Add(-24 * time.Hour)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, ErrStartAfterEnd
	}
	return start, end, nil
}

// ErrStartAfterEnd represents an invalid time window where start > end.
var ErrStartAfterEnd = &timeRangeError{"start is after end"}

type timeRangeError struct{ s string }

func (e *timeRangeError) Error() string { return e.s }

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue *UsageError
	if errors.As(err, &ue) || errors.Is(err, ErrStartAfterEnd) {
		return 2
	}
	return 1
}
