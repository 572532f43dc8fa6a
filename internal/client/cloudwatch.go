package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"golang.org/x/sync/errgroup"
)

// LogsAPI is the subset of CloudWatch Logs API we use.
type LogsAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// Event is one CloudWatch log event.
type Event struct {
	Timestamp time.Time
	LogGroup  string
	LogStream string
	Message   string
}

// ErrNoGroupFetched is returned by FetchGroups when every group failed.
var ErrNoGroupFetched = errors.New("no log group could be fetched")

// GroupEvents holds every event fetched from one log group, oldest first.
// Err records why the group could not be fetched; Events is then empty.
type GroupEvents struct {
	Group  string
	Events []Event
	Err    error
}

// Reader renders the events as newline separated lines, one per event.
// Line breaks inside a message are folded into spaces.
func (g GroupEvents) Reader() io.Reader {
	var b strings.Builder
	for _, e := range g.Events {
		b.WriteString(foldLines(e.Message))
		b.WriteByte('\n')
	}
	return strings.NewReader(b.String())
}

func foldLines(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// AuthOptions selects the AWS region and credentials source.
type AuthOptions struct {
	Region  string
	Profile string
}

// NewCloudWatchOptions builds config load options. A profile from the flag or
// AWS_PROFILE wins over static AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY
// credentials; with neither, the SDK default chain applies.
func NewCloudWatchOptions(o AuthOptions) []func(*config.LoadOptions) error {
	var opts []func(*config.LoadOptions) error
	if o.Region != "" {
		opts = append(opts, config.WithRegion(o.Region))
	}
	profile := o.Profile
	if profile == "" {
		profile = os.Getenv("AWS_PROFILE")
	}
	key, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	switch {
	case profile != "":
		opts = append(opts, config.WithSharedConfigProfile(profile))
	case key != "" && secret != "":
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, os.Getenv("AWS_SESSION_TOKEN")),
		))
	}
	return opts
}

// CloudWatchClient fetches log events group by group.
type CloudWatchClient struct {
	client LogsAPI
}

// NewCloudWatchClient loads AWS configuration with the given options and
// returns a client backed by the CloudWatch Logs service.
func NewCloudWatchClient(ctx context.Context, opts ...func(*config.LoadOptions) error) (*CloudWatchClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &CloudWatchClient{client: cloudwatchlogs.NewFromConfig(cfg)}, nil
}

// NewWithAPI wraps an existing LogsAPI implementation.
func NewWithAPI(api LogsAPI) *CloudWatchClient {
	return &CloudWatchClient{client: api}
}

// SearchGroup returns every event of one group matching filter in
// [startMs, endMs]. An empty filter matches everything.
func (c *CloudWatchClient) SearchGroup(ctx context.Context, group, filter string, startMs, endMs int64) ([]Event, error) {
	var events []Event
	var next *string
	for {
		in := &cloudwatchlogs.FilterLogEventsInput{
			LogGroupName: aws.String(group),
			StartTime:    aws.Int64(startMs),
			EndTime:      aws.Int64(endMs),
			NextToken:    next,
		}
		if filter != "" {
			in.FilterPattern = aws.String(QuoteFilter(filter))
		}
		out, err := c.client.FilterLogEvents(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, e := range out.Events {
			events = append(events, Event{
				Timestamp: time.UnixMilli(aws.ToInt64(e.Timestamp)),
				LogGroup:  group,
				LogStream: aws.ToString(e.LogStreamName),
				Message:   aws.ToString(e.Message),
			})
		}
		if out.NextToken == nil || (next != nil && aws.ToString(out.NextToken) == aws.ToString(next)) {
			break
		}
		next = out.NextToken
	}
	return events, nil
}

// FetchGroups searches the groups concurrently, at most workers at a time,
// and returns them in the order given. Events within a group are sorted by
// timestamp. A group that fails keeps its error in GroupEvents.Err and the
// others are still fetched; ErrNoGroupFetched is returned only when every
// group failed.
func (c *CloudWatchClient) FetchGroups(ctx context.Context, groups []string, filter string, start, end time.Time, workers int) ([]GroupEvents, error) {
	out := make([]GroupEvents, len(groups))
	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for i, group := range groups {
		g.Go(func() error {
			out[i] = GroupEvents{Group: group}
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				return nil
			}
			events, err := c.SearchGroup(ctx, group, filter, start.UnixMilli(), end.UnixMilli())
			if err != nil {
				out[i].Err = fmt.Errorf("search %s: %w", group, err)
				return nil
			}
			sort.SliceStable(events, func(a, b int) bool {
				if events[a].Timestamp.Equal(events[b].Timestamp) {
					return events[a].LogStream < events[b].LogStream
				}
				return events[a].Timestamp.Before(events[b].Timestamp)
			})
			out[i].Events = events
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var errs []error
	for _, ge := range out {
		if ge.Err != nil {
			errs = append(errs, ge.Err)
		}
	}
	if len(groups) > 0 && len(errs) == len(groups) {
		return nil, fmt.Errorf("%w: %w", ErrNoGroupFetched, errors.Join(errs...))
	}
	return out, nil
}

// QuoteFilter wraps a plain term in double quotes so CloudWatch matches it
// literally instead of splitting it on special characters. Patterns that are
// already quoted, JSON ({...}) or space-delimited ([...]) selectors, and
// ?term alternations are passed through unchanged.
func QuoteFilter(fp string) string {
	if fp == "" {
		return fp
	}
	if len(fp) >= 2 && fp[0] == '"' && fp[len(fp)-1] == '"' {
		return fp
	}
	switch fp[0] {
	case '{', '[', '?':
		return fp
	}
	return "\"" + fp + "\""
}
