// Package clinical reads daily log completion from the clinical records API.
package clinical

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Opts holds configuration for the clinical API client.
type Opts struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retries int
}

// Option configures the client.
type Option func(*Opts)

func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetries sets how many times an idempotent lookup is retried.
func WithRetries(n int) Option {
	return func(o *Opts) { o.Retries = n }
}

// Client asks the clinical API whether a patient logged anything on a day.
type Client struct {
	http *resty.Client
}

type completionResponse struct {
	Completed bool `json:"completed"`
}

// NewClient returns a client, or an error when no base URL is configured.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Timeout: 10 * time.Second, Retries: 2}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("clinical API base URL must be provided")
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Client{http: rc}, nil
}

// LogCompleted reports whether the patient has at least one vital, food or
// medication entry on day (YYYY-MM-DD, UTC).
func (c *Client) LogCompleted(ctx context.Context, patientID, day string) (bool, error) {
	var out completionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("date", day).
		SetResult(&out).
		Get("/patients/" + url.PathEscape(patientID) + "/log-completion")
	if err != nil {
		return false, fmt.Errorf("clinical API request for %s: %w", patientID, err)
	}
	if resp.IsError() {
		slog.Warn("clinical.Client.LogCompleted: non-2xx", "patient_id", patientID, "status", resp.StatusCode())
		return false, fmt.Errorf("clinical API returned status %d for %s", resp.StatusCode(), patientID)
	}
	return out.Completed, nil
}
