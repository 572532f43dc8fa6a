package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/client"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/inspector"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
	"github.com/Nao-Mk2/log-anomaly-inspector/internal/report"
)

const probeLine = `10.0.0.5 - - [10/Oct/2023:13:55:36 +0000] "GET /../etc/passwd HTTP/1.1" 404 0 "-" "curl/7.68.0"`

func accessLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf(`192.168.1.%d - - [10/Oct/2023:13:50:%02d +0000] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0 (X11; Linux x86_64)"`,
			10+i%4, i)
	}
	return append(lines, probeLine)
}

type fakeFetcher struct {
	groups    []string
	workers   int
	events    map[string][]string
	groupErrs map[string]error
	err       error
}

func (f *fakeFetcher) FetchGroups(_ context.Context, groups []string, _ string, _, _ time.Time, workers int) ([]client.GroupEvents, error) {
	f.groups = groups
	f.workers = workers
	if f.err != nil {
		return nil, f.err
	}
	out := make([]client.GroupEvents, 0, len(groups))
	for _, g := range groups {
		ge := client.GroupEvents{Group: g, Err: f.groupErrs[g]}
		for _, msg := range f.events[g] {
			ge.Events = append(ge.Events, client.Event{LogGroup: g, Message: msg})
		}
		out = append(out, ge)
	}
	return out, nil
}

func execute(t *testing.T, f *fakeFetcher, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out, func(context.Context, *Options) (GroupFetcher, error) {
		if f == nil {
			return nil, errors.New("no fetcher")
		}
		return f, nil
	})
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error", "--epochs", "5"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestScanCommand(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "results")
	metricsPath := filepath.Join(t.TempDir(), "run.prom")
	require.NoError(t, os.WriteFile(filepath.Join(in, "access.log"), []byte(strings.Join(accessLines(40), "\n")+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), []byte("hello\n"), 0o644))

	_, err := execute(t, nil, "scan", in, "--out", out, "--metrics-textfile", metricsPath)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, report.SummaryFile))
	require.NoError(t, err)
	var summary report.Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.NotEmpty(t, summary.RunID)
	require.Len(t, summary.Files, 1, "unknown files are not reported")
	assert.Equal(t, "access.log", summary.Files[0].SourceFile)
	assert.Positive(t, summary.TotalAnomalies)
	assert.FileExists(t, filepath.Join(out, "access", report.CombinedFile))

	prom, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "log_anomaly_files_total")
}

func TestScanCommandErrors(t *testing.T) {
	t.Run("no output", func(t *testing.T) {
		_, err := execute(t, nil, "scan", t.TempDir(), "--out", "")
		// --out "" without --stdout is rejected before scanning.
		require.Error(t, err)
		assert.Equal(t, 2, ExitCode(err))
	})
	t.Run("empty directory", func(t *testing.T) {
		_, err := execute(t, nil, "scan", t.TempDir(), "--out", t.TempDir())
		require.ErrorIs(t, err, inspector.ErrNoUsableFiles)
		assert.Equal(t, 1, ExitCode(err))
	})
	t.Run("missing config file", func(t *testing.T) {
		_, err := execute(t, nil, "scan", t.TempDir(), "--config", filepath.Join(t.TempDir(), "typo.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
		assert.Equal(t, 2, ExitCode(err))
	})
	t.Run("invalid scaler", func(t *testing.T) {
		_, err := execute(t, nil, "scan", t.TempDir(), "--scaler", "robust")
		require.Error(t, err)
		assert.Equal(t, 2, ExitCode(err))
	})
}

func TestCloudWatchCommand(t *testing.T) {
	t.Setenv("LOG_GROUP_NAMES", "")
	f := &fakeFetcher{events: map[string][]string{
		"/aws/web/access":    accessLines(40),
		"/aws/lambda/orders": {"START RequestId: 1"},
	}}

	stdout, err := execute(t, f, "cloudwatch",
		"--groups", "/aws/web/access,/aws/lambda/orders",
		"--start", "2025-08-30T00:00:00Z",
		"--end", "2025-08-30T12:00:00Z",
		"--out", "", "--stdout",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"/aws/web/access", "/aws/lambda/orders"}, f.groups)
	assert.Equal(t, 2, f.workers, "workers are bounded by the number of groups")

	var probe *model.AnomalyResult
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		var r model.AnomalyResult
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		assert.Equal(t, "/aws/web/access", r.SourceFile)
		if r.LineNumber == 41 {
			probe = &r
		}
	}
	require.NotNil(t, probe)
	assert.GreaterOrEqual(t, probe.SeverityScore, 8)
}

func TestCloudWatchCommandSkipsFailedGroup(t *testing.T) {
	t.Setenv("LOG_GROUP_NAMES", "")
	out := t.TempDir()
	f := &fakeFetcher{
		events:    map[string][]string{"/good/access": accessLines(40)},
		groupErrs: map[string]error{"/bad/access": errors.New("search /bad/access: AccessDenied")},
	}

	_, err := execute(t, f, "cloudwatch", "--groups", "/good/access,/bad/access", "--out", out)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, report.SummaryFile))
	require.NoError(t, err)
	var summary report.Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Len(t, summary.Files, 2)
	assert.Equal(t, "/good/access", summary.Files[0].SourceFile)
	assert.Positive(t, summary.Files[0].Flagged)
	assert.Equal(t, "/bad/access", summary.Files[1].SourceFile)
	assert.Contains(t, summary.Files[1].Warning, "AccessDenied")
	assert.NoDirExists(t, filepath.Join(out, "bad_access"))
}

func TestCloudWatchCommandErrors(t *testing.T) {
	t.Setenv("LOG_GROUP_NAMES", "")

	t.Run("missing groups", func(t *testing.T) {
		_, err := execute(t, &fakeFetcher{}, "cloudwatch")
		require.Error(t, err)
		assert.Equal(t, 2, ExitCode(err))
	})
	t.Run("start after end", func(t *testing.T) {
		_, err := execute(t, &fakeFetcher{}, "cloudwatch", "--groups", "g", "--start", "2025-08-31T00:00:00Z", "--end", "2025-08-30T00:00:00Z")
		require.ErrorIs(t, err, ErrStartAfterEnd)
		assert.Equal(t, 2, ExitCode(err))
	})
	t.Run("fetch failure", func(t *testing.T) {
		_, err := execute(t, &fakeFetcher{err: errors.New("throttled")}, "cloudwatch", "--groups", "/aws/web/access", "--out", t.TempDir())
		require.Error(t, err)
		assert.Equal(t, 1, ExitCode(err))
	})
	t.Run("no classifiable group", func(t *testing.T) {
		_, err := execute(t, &fakeFetcher{}, "cloudwatch", "--groups", "/aws/lambda/orders", "--out", t.TempDir())
		require.ErrorIs(t, err, inspector.ErrNoUsableFiles)
	})
}
