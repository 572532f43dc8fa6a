// Package narrative asks an Azure OpenAI chat deployment to describe an
// anomaly in prose. Failures never affect detection results; callers mark the
// anomaly's narrative as unavailable and move on.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// Backoff strategies between attempts.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

const maxBackoff = 30 * time.Second

// ErrUnavailable matches every *UnavailableError.
var ErrUnavailable = errors.New("narrative unavailable")

// UnavailableError is returned once the retry budget is spent or the service
// rejects the request outright.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("narrative unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Config describes the chat endpoint and the retry policy.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	Endpoint      string        `mapstructure:"endpoint"`
	Deployment    string        `mapstructure:"deployment"`
	APIKey        string        `mapstructure:"api_key"`
	APIVersion    string        `mapstructure:"api_version"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Delay         time.Duration `mapstructure:"delay"`
	Backoff       string        `mapstructure:"backoff"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	MinSeverity   int           `mapstructure:"min_severity"`
}

// DefaultConfig leaves narratives disabled.
func DefaultConfig() Config {
	return Config{
		Deployment:    "gpt-4o",
		APIVersion:    "2023-05-15",
		MaxAttempts:   3,
		Delay:         2 * time.Second,
		Backoff:       BackoffFixed,
		Timeout:       30 * time.Second,
		RatePerSecond: 1,
		MinSeverity:   5,
	}
}

// Validate checks the settings needed when narratives are enabled.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("narrative.max_attempts must be at least 1"))
	}
	if c.Delay < 0 {
		errs = append(errs, errors.New("narrative.delay must not be negative"))
	}
	if c.Backoff != BackoffFixed && c.Backoff != BackoffExponential {
		errs = append(errs, fmt.Errorf("narrative.backoff: unknown strategy %q", c.Backoff))
	}
	if c.Enabled {
		if c.Endpoint == "" {
			errs = append(errs, errors.New("narrative.endpoint is required when narratives are enabled"))
		}
		if c.APIKey == "" {
			errs = append(errs, errors.New("narrative.api_key is required when narratives are enabled"))
		}
		if c.Deployment == "" {
			errs = append(errs, errors.New("narrative.deployment is required when narratives are enabled"))
		}
	}
	return errors.Join(errs...)
}

// Explainer turns a prompt into narrative text.
type Explainer interface {
	Explain(ctx context.Context, prompt string) (string, error)
}

// Client calls the chat completions endpoint of one deployment.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	parsers fastjson.ParserPool
	logger  *zap.Logger
}

// NewClient builds a client paced by cfg.RatePerSecond. A non-positive rate
// disables pacing.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Explain sends prompt and returns the first choice's message content.
// Transient failures (transport errors, 429, 5xx) are retried up to
// MaxAttempts times; any other failure returns immediately. Every failure is
// an *UnavailableError.
func (c *Client) Explain(ctx context.Context, prompt string) (string, error) {
	attempts := max(c.cfg.MaxAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &UnavailableError{Attempts: attempt, Err: err}
		}
		text, err := c.send(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if attempt == attempts-1 || !isRetryable(err) {
			return "", &UnavailableError{Attempts: attempt + 1, Err: err}
		}
		wait := c.backoff(attempt)
		c.logger.Debug("narrative request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", &UnavailableError{Attempts: attempt + 1, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
	return "", &UnavailableError{Attempts: attempts, Err: lastErr}
}

// backoff returns the delay after the given 0-based attempt.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.Delay
	if c.cfg.Backoff != BackoffExponential {
		return d
	}
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("chat completions returned %d: %s", e.code, e.body)
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, errEmptyContent)
}

var errEmptyContent = errors.New("response carried no message content")

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) url() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"), c.cfg.Deployment, c.cfg.APIVersion)
}

func (c *Client) send(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string][]chatMessage{
		"messages": {
			{Role: "system", Content: "You are a security analyst reviewing web server logs."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	p := c.parsers.Get()
	defer c.parsers.Put(p)
	v, err := p.ParseBytes(data)
	if err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	content := v.GetStringBytes("choices", "0", "message", "content")
	if len(content) == 0 {
		return "", errEmptyContent
	}
	return string(content), nil
}

// BuildPrompt serializes the anomaly, including its parsed record fields,
// into the question sent to the service.
func BuildPrompt(result model.AnomalyResult) string {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", result))
	}
	return fmt.Sprintf("Analyze the following anomaly from a log of type %s and assess what should be done:\n%s",
		result.Format, data)
}
