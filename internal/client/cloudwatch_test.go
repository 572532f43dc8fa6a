package client_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/client"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// mockLogsAPI implements client.LogsAPI for testing.
type mockLogsAPI struct {
	responses []*cloudwatchlogs.FilterLogEventsOutput
	inputs    []*cloudwatchlogs.FilterLogEventsInput
	err       error
	call      int
}

func (m *mockLogsAPI) FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	if m.call < len(m.responses) {
		r := m.responses[m.call]
		m.call++
		return r, nil
	}
	// Default empty page if not enough responses provided
	m.call++
	return &cloudwatchlogs.FilterLogEventsOutput{}, nil
}

// groupLogsAPI serves one page per group and is safe for concurrent use.
type groupLogsAPI struct {
	mu     sync.Mutex
	events map[string][]types.FilteredLogEvent
	errs   map[string]error
}

func (g *groupLogsAPI) FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := aws.ToString(in.LogGroupName)
	if err := g.errs[name]; err != nil {
		return nil, err
	}
	return &cloudwatchlogs.FilterLogEventsOutput{Events: g.events[name]}, nil
}

func TestSearchGroup(t *testing.T) {
	ts1 := int64(1700000000123) // milliseconds
	ts2 := int64(1700000000456)

	tests := []struct {
		name           string
		group          string
		filter         string
		startMs        int64
		endMs          int64
		mock           *mockLogsAPI
		wantEvents     []client.Event
		wantCalls      int
		wantErr        bool
		assertInputIdx []int // which recorded inputs to assert basic params on
	}{
		{
			name:    "single page returns events",
			group:   "nginx-access",
			filter:  "GET",
			startMs: 0,
			endMs:   2000000000000,
			mock: &mockLogsAPI{responses: []*cloudwatchlogs.FilterLogEventsOutput{
				{
					Events: []types.FilteredLogEvent{
						{Timestamp: aws.Int64(ts1), LogStreamName: aws.String("s1"), Message: aws.String("hello")},
						{Timestamp: aws.Int64(ts2), LogStreamName: aws.String("s2"), Message: aws.String("world")},
					},
				},
			}},
			wantEvents: []client.Event{
				{Timestamp: time.UnixMilli(ts1), LogGroup: "nginx-access", LogStream: "s1", Message: "hello"},
				{Timestamp: time.UnixMilli(ts2), LogGroup: "nginx-access", LogStream: "s2", Message: "world"},
			},
			wantCalls:      1,
			assertInputIdx: []int{0},
		},
		{
			name:    "paginates until token repeats",
			group:   "nginx-error",
			filter:  "error",
			startMs: 1000,
			endMs:   9999,
			mock: &mockLogsAPI{responses: []*cloudwatchlogs.FilterLogEventsOutput{
				{
					Events: []types.FilteredLogEvent{
						{Timestamp: aws.Int64(ts1), LogStreamName: aws.String("a"), Message: aws.String("m1")},
					},
					NextToken: aws.String("A"),
				},
				{
					Events: []types.FilteredLogEvent{
						{Timestamp: aws.Int64(ts2), LogStreamName: aws.String("b"), Message: aws.String("m2")},
					},
					// Same token as previous -> stop
					NextToken: aws.String("A"),
				},
			}},
			wantEvents: []client.Event{
				{Timestamp: time.UnixMilli(ts1), LogGroup: "nginx-error", LogStream: "a", Message: "m1"},
				{Timestamp: time.UnixMilli(ts2), LogGroup: "nginx-error", LogStream: "b", Message: "m2"},
			},
			wantCalls:      2,
			assertInputIdx: []int{0, 1},
		},
		{
			name:    "propagates api error",
			group:   "group-x",
			filter:  "INFO",
			startMs: 1,
			endMs:   2,
			mock:    &mockLogsAPI{err: errors.New("boom")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cwc := client.NewWithAPI(tt.mock)

			got, err := cwc.SearchGroup(context.Background(), tt.group, tt.filter, tt.startMs, tt.endMs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if tt.wantCalls != 0 && tt.mock.call != tt.wantCalls {
				t.Fatalf("FilterLogEvents calls = %d, want %d", tt.mock.call, tt.wantCalls)
			}

			if len(got) != len(tt.wantEvents) {
				t.Fatalf("events len = %d, want %d", len(got), len(tt.wantEvents))
			}
			for i := range tt.wantEvents {
				if !got[i].Timestamp.Equal(tt.wantEvents[i].Timestamp) ||
					got[i].LogGroup != tt.wantEvents[i].LogGroup ||
					got[i].LogStream != tt.wantEvents[i].LogStream ||
					got[i].Message != tt.wantEvents[i].Message {
					t.Fatalf("event[%d] = %+v, want %+v", i, got[i], tt.wantEvents[i])
				}
			}

			for _, idx := range tt.assertInputIdx {
				if idx >= len(tt.mock.inputs) {
					t.Fatalf("missing recorded input at idx %d", idx)
				}
				in := tt.mock.inputs[idx]
				if aws.ToString(in.LogGroupName) != tt.group {
					t.Fatalf("LogGroupName = %q, want %q", aws.ToString(in.LogGroupName), tt.group)
				}
				if want := `"` + tt.filter + `"`; aws.ToString(in.FilterPattern) != want {
					t.Fatalf("FilterPattern = %q, want %q", aws.ToString(in.FilterPattern), want)
				}
				if aws.ToInt64(in.StartTime) != tt.startMs || aws.ToInt64(in.EndTime) != tt.endMs {
					t.Fatalf("Start/End = (%d,%d), want (%d,%d)", aws.ToInt64(in.StartTime), aws.ToInt64(in.EndTime), tt.startMs, tt.endMs)
				}
			}
		})
	}
}

func TestSearchGroupEmptyFilterOmitsPattern(t *testing.T) {
	m := &mockLogsAPI{}
	if _, err := client.NewWithAPI(m).SearchGroup(context.Background(), "g", "", 0, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.inputs[0].FilterPattern != nil {
		t.Fatalf("FilterPattern = %q, want nil", aws.ToString(m.inputs[0].FilterPattern))
	}
}

func TestFetchGroupsKeepsOrderAndSortsEvents(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	api := &groupLogsAPI{events: map[string][]types.FilteredLogEvent{
		"access": {
			{Timestamp: aws.Int64(base.Add(2 * time.Minute).UnixMilli()), LogStreamName: aws.String("s1"), Message: aws.String("late")},
			{Timestamp: aws.Int64(base.Add(time.Minute).UnixMilli()), LogStreamName: aws.String("s2"), Message: aws.String("early")},
		},
		"error": {
			{Timestamp: aws.Int64(base.UnixMilli()), LogStreamName: aws.String("s1"), Message: aws.String("only")},
		},
	}}

	got, err := client.NewWithAPI(api).FetchGroups(context.Background(), []string{"error", "access"}, "", base.Add(-time.Hour), base.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Group != "error" || got[1].Group != "access" {
		t.Fatalf("unexpected group order: %+v", got)
	}
	if got[1].Events[0].Message != "early" || got[1].Events[1].Message != "late" {
		t.Fatalf("events not sorted by timestamp: %+v", got[1].Events)
	}
}

func TestFetchGroupsKeepsGoodGroupsWhenOneFails(t *testing.T) {
	api := &groupLogsAPI{
		events: map[string][]types.FilteredLogEvent{
			"/good/access": {{Timestamp: aws.Int64(1), Message: aws.String("ok")}},
		},
		errs: map[string]error{"/bad/access": errors.New("AccessDenied")},
	}
	got, err := client.NewWithAPI(api).FetchGroups(context.Background(), []string{"/good/access", "/bad/access"}, "", time.Now().Add(-time.Hour), time.Now(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d groups, want 2", len(got))
	}
	if got[0].Err != nil || len(got[0].Events) != 1 {
		t.Fatalf("good group = %+v, want one event and no error", got[0])
	}
	if got[1].Err == nil || got[1].Group != "/bad/access" {
		t.Fatalf("bad group = %+v, want recorded error", got[1])
	}
}

func TestFetchGroupsFailsWhenEveryGroupFails(t *testing.T) {
	api := &groupLogsAPI{errs: map[string]error{
		"a": errors.New("denied"),
		"b": errors.New("not found"),
	}}
	_, err := client.NewWithAPI(api).FetchGroups(context.Background(), []string{"a", "b"}, "", time.Now().Add(-time.Hour), time.Now(), 2)
	if !errors.Is(err, client.ErrNoGroupFetched) {
		t.Fatalf("err = %v, want ErrNoGroupFetched", err)
	}
}

func TestFetchGroupsHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.NewWithAPI(&groupLogsAPI{}).FetchGroups(ctx, []string{"a"}, "", time.Now().Add(-time.Hour), time.Now(), 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestQuoteFilter(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"GET /admin", `"GET /admin"`},
		{`"already quoted"`, `"already quoted"`},
		{"{ $.status = 500 }", "{ $.status = 500 }"},
		{"[ip, user, status=404]", "[ip, user, status=404]"},
		{"?ERROR ?WARN", "?ERROR ?WARN"},
	}
	for _, tt := range tests {
		if got := client.QuoteFilter(tt.in); got != tt.want {
			t.Fatalf("QuoteFilter(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGroupEventsReaderFoldsNewlines(t *testing.T) {
	g := client.GroupEvents{Group: "g", Events: []client.Event{
		{Message: "first\nsecond"},
		{Message: "third\r\n"},
	}}
	data, err := io.ReadAll(g.Reader())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "first second\nthird\n"; string(data) != want {
		t.Fatalf("Reader() = %q, want %q", data, want)
	}
}

func TestNewCloudWatchOptions(t *testing.T) {
	tests := []struct {
		name    string
		options client.AuthOptions
		env     map[string]string // key -> value, value="" means unset
		wantLen int
	}{
		{
			name:    "no region or profile, no env",
			options: client.AuthOptions{},
			wantLen: 0,
		},
		{
			name:    "with region",
			options: client.AuthOptions{Region: "us-east-1"},
			wantLen: 1,
		},
		{
			name:    "with profile flag",
			options: client.AuthOptions{Profile: "my-profile"},
			wantLen: 1,
		},
		{
			name:    "with AWS_PROFILE env",
			options: client.AuthOptions{},
			env:     map[string]string{"AWS_PROFILE": "env-profile"},
			wantLen: 1,
		},
		{
			name:    "profile flag overrides AWS_PROFILE",
			options: client.AuthOptions{Profile: "flag-profile"},
			env:     map[string]string{"AWS_PROFILE": "env-profile"},
			wantLen: 1,
		},
		{
			name:    "with static creds",
			options: client.AuthOptions{},
			env:     map[string]string{"AWS_ACCESS_KEY_ID": "key", "AWS_SECRET_ACCESS_KEY": "secret"},
			wantLen: 1,
		},
		{
			name:    "incomplete static creds are ignored",
			options: client.AuthOptions{},
			env:     map[string]string{"AWS_ACCESS_KEY_ID": "key"},
			wantLen: 0,
		},
		{
			name:    "profile overrides static creds",
			options: client.AuthOptions{Profile: "my-profile"},
			env:     map[string]string{"AWS_ACCESS_KEY_ID": "key", "AWS_SECRET_ACCESS_KEY": "secret"},
			wantLen: 1,
		},
		{
			name:    "with region and profile",
			options: client.AuthOptions{Region: "us-west-2", Profile: "another-profile"},
			wantLen: 2,
		},
		{
			name:    "with region and static creds",
			options: client.AuthOptions{Region: "us-west-2"},
			env:     map[string]string{"AWS_ACCESS_KEY_ID": "key", "AWS_SECRET_ACCESS_KEY": "secret"},
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"AWS_PROFILE", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY"} {
				t.Setenv(k, tt.env[k])
			}

			opts := client.NewCloudWatchOptions(tt.options)
			if len(opts) != tt.wantLen {
				t.Errorf("NewCloudWatchOptions() returned %d options, want %d", len(opts), tt.wantLen)
			}
		})
	}
}
