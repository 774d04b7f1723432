package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Cloud API defaults.
const (
	DefaultLanguage     = "en_US"
	DefaultTimeout      = 15 * time.Second
	DefaultRatePerSec   = 20
	DefaultBreakerTrips = 5
)

// CloudOpts holds configuration for the WhatsApp Cloud API client.
type CloudOpts struct {
	BaseURL      string
	Token        string
	Language     string
	Timeout      time.Duration
	RatePerSec   float64
	BreakerTrips uint32
	BreakerOpen  time.Duration
	HTTPClient   *http.Client
}

// CloudOption configures the Cloud client.
type CloudOption func(*CloudOpts)

// WithBaseURL sets the endpoint under which /messages is posted, usually
// https://graph.facebook.com/<version>/<phone-number-id>.
func WithBaseURL(url string) CloudOption {
	return func(o *CloudOpts) { o.BaseURL = url }
}

func WithToken(token string) CloudOption {
	return func(o *CloudOpts) { o.Token = token }
}

func WithLanguage(code string) CloudOption {
	return func(o *CloudOpts) { o.Language = code }
}

func WithTimeout(d time.Duration) CloudOption {
	return func(o *CloudOpts) { o.Timeout = d }
}

// WithRateLimit caps outbound messages per second.
func WithRateLimit(perSec float64) CloudOption {
	return func(o *CloudOpts) { o.RatePerSec = perSec }
}

// WithBreaker sets how many consecutive transport failures open the circuit
// and how long it stays open.
func WithBreaker(trips uint32, open time.Duration) CloudOption {
	return func(o *CloudOpts) {
		o.BreakerTrips = trips
		o.BreakerOpen = open
	}
}

func WithHTTPClient(c *http.Client) CloudOption {
	return func(o *CloudOpts) { o.HTTPClient = c }
}

// CloudClient posts messages to the WhatsApp Cloud API.
type CloudClient struct {
	http     *resty.Client
	language string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[string]
}

var _ Sender = (*CloudClient)(nil)

// NewCloudClient returns a client, or an error when the endpoint or token is missing.
func NewCloudClient(opts ...CloudOption) (*CloudClient, error) {
	cfg := CloudOpts{
		Language:     DefaultLanguage,
		Timeout:      DefaultTimeout,
		RatePerSec:   DefaultRatePerSec,
		BreakerTrips: DefaultBreakerTrips,
		BreakerOpen:  time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewCloudClient: config loaded", "BaseURL_set", cfg.BaseURL != "", "Token_set", cfg.Token != "")
	if cfg.BaseURL == "" || cfg.Token == "" {
		return nil, fmt.Errorf("whatsapp endpoint and token must be provided")
	}

	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.Token).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    "whatsapp-cloud",
		Timeout: cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerTrips
		},
		// A rejected message (bad number, unknown template) says nothing about
		// the health of the API.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status < 500 && se.Status != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("whatsapp.CloudClient: circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &CloudClient{
		http:     rc,
		language: cfg.Language,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		breaker:  breaker,
	}, nil
}

type cloudMessage struct {
	MessagingProduct string         `json:"messaging_product"`
	To               string         `json:"to"`
	Type             string         `json:"type"`
	Template         *cloudTemplate `json:"template,omitempty"`
	Text             *cloudText     `json:"text,omitempty"`
}

type cloudTemplate struct {
	Name       string           `json:"name"`
	Language   cloudLanguage    `json:"language"`
	Components []cloudComponent `json:"components,omitempty"`
}

type cloudLanguage struct {
	Code string `json:"code"`
}

type cloudComponent struct {
	Type       string           `json:"type"`
	Parameters []cloudParameter `json:"parameters"`
}

type cloudParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type cloudError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendTemplate posts a template message with positional body parameters.
func (c *CloudClient) SendTemplate(ctx context.Context, to, template string, params []string) (string, error) {
	msg := cloudMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template: &cloudTemplate{
			Name:     template,
			Language: cloudLanguage{Code: c.language},
		},
	}
	if len(params) > 0 {
		comp := cloudComponent{Type: "body", Parameters: make([]cloudParameter, 0, len(params))}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, cloudParameter{Type: "text", Text: p})
		}
		msg.Template.Components = []cloudComponent{comp}
	}
	return c.post(ctx, msg)
}

// SendText posts a free-form text message.
func (c *CloudClient) SendText(ctx context.Context, to, body string) (string, error) {
	return c.post(ctx, cloudMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &cloudText{Body: body},
	})
}

func (c *CloudClient) post(ctx context.Context, msg cloudMessage) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return c.breaker.Execute(func() (string, error) {
		var out cloudResponse
		var apiErr cloudError
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(msg).
			SetResult(&out).
			SetError(&apiErr).
			Post("/messages")
		if err != nil {
			return "", fmt.Errorf("post /messages: %w", err)
		}
		if resp.IsError() {
			return "", &StatusError{Status: resp.StatusCode(), Message: apiErr.Error.Message}
		}
		if len(out.Messages) == 0 {
			return "", nil
		}
		return out.Messages[0].ID, nil
	})
}
