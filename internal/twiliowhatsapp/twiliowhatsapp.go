// Package twiliowhatsapp sends WhatsApp content templates through Twilio.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender number; a missing "whatsapp:" prefix is added.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// messageCreator is the slice of the Twilio REST API the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client sends through the Twilio Messages API. Template identifiers are
// content SIDs (HX...); positional parameters become content variables
// "1", "2", ...
type Client struct {
	api       messageCreator
	fromWhats string
}

var _ whatsapp.Sender = (*Client)(nil)

func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(client.Api, cfg.FromWhats), nil
}

func newClient(api messageCreator, from string) *Client {
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:+" + strings.TrimPrefix(from, "+")
	}
	return &Client{api: api, fromWhats: from}
}

// SendTemplate sends a content template.
func (c *Client) SendTemplate(ctx context.Context, to, contentSID string, params []string) (string, error) {
	vars := make(map[string]string, len(params))
	for i, p := range params {
		vars[strconv.Itoa(i+1)] = p
	}
	encoded, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode content variables: %w", err)
	}

	msgParams := &twilioApi.CreateMessageParams{}
	msgParams.SetTo("whatsapp:+" + to)
	msgParams.SetFrom(c.fromWhats)
	msgParams.SetContentSid(contentSID)
	msgParams.SetContentVariables(string(encoded))
	return c.create(ctx, msgParams)
}

// SendText sends a plain message body.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	return c.create(ctx, params)
}

func (c *Client) create(ctx context.Context, params *twilioApi.CreateMessageParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := c.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			return "", &whatsapp.StatusError{Status: restErr.Status, Message: restErr.Message}
		}
		return "", fmt.Errorf("twilio create message: %w", err)
	}
	if msg == nil || msg.Sid == nil {
		return "", nil
	}
	slog.Debug("twiliowhatsapp.Client: message queued", "sid", *msg.Sid)
	return *msg.Sid, nil
}

// ParseContentSIDs reads "kind=HX...,kind=HX..." into a template table.
func ParseContentSIDs(raw string) (whatsapp.Templates, error) {
	templates := whatsapp.Templates{}
	if strings.TrimSpace(raw) == "" {
		return templates, nil
	}
	known := make(map[whatsapp.TemplateKind]bool, len(whatsapp.TemplateKinds))
	for _, k := range whatsapp.TemplateKinds {
		known[k] = true
	}
	for _, pair := range strings.Split(raw, ",") {
		kind, sid, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || sid == "" {
			return nil, fmt.Errorf("malformed content SID entry %q", pair)
		}
		k := whatsapp.TemplateKind(strings.TrimSpace(kind))
		if !known[k] {
			return nil, fmt.Errorf("unknown template kind %q", kind)
		}
		templates[k] = strings.TrimSpace(sid)
	}
	return templates, nil
}

// MockClient records sends for tests.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

type SentMessage struct {
	To       string
	Template string
	Params   []string
	Body     string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendTemplate(_ context.Context, to, template string, params []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Template: template, Params: append([]string(nil), params...)})
	return fmt.Sprintf("SM%d", len(m.Sent)), nil
}

func (m *MockClient) SendText(_ context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return fmt.Sprintf("SM%d", len(m.Sent)), nil
}
