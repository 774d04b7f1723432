// Package push delivers Web Push notifications to a patient's registered
// browsers and devices.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// DefaultTTL is how long the push service may hold an undelivered message.
// A reminder older than a day is noise.
const DefaultTTL = 24 * time.Hour

// Transport performs one encrypted push delivery and reports the push
// service's HTTP status.
type Transport interface {
	Send(ctx context.Context, message []byte, sub models.PushSubscription, urgent bool) (status int, err error)
}

// SubscriptionSource is the slice of the store the channel needs.
type SubscriptionSource interface {
	ListPushSubscriptions(ctx context.Context, patientID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, patientID, endpoint string) (bool, error)
}

// Opts holds configuration for the push channel.
type Opts struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             time.Duration
	HTTPClient      *http.Client
	Transport       Transport
}

// Option configures the push channel.
type Option func(*Opts)

// WithVAPIDKeys sets the application server key pair.
func WithVAPIDKeys(public, private string) Option {
	return func(o *Opts) {
		o.VAPIDPublicKey = public
		o.VAPIDPrivateKey = private
	}
}

// WithSubject sets the VAPID subject, a mailto: or https: contact.
func WithSubject(subject string) Option {
	return func(o *Opts) { o.Subject = subject }
}

func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithTransport replaces the VAPID transport, mainly for tests.
func WithTransport(t Transport) Option {
	return func(o *Opts) { o.Transport = t }
}

// Notification is one payload plus delivery hints.
type Notification struct {
	Payload models.PushPayload
	Urgent  bool
}

// Result summarizes delivery to every subscription of one patient.
type Result struct {
	Outcome     models.Outcome
	Detail      string
	Delivered   int
	Invalidated int
}

// Channel sends notifications to all of a patient's subscriptions.
type Channel struct {
	subs      SubscriptionSource
	transport Transport
}

// NewChannel builds the channel. Without a key pair or transport the channel
// is unavailable and every send reports channel_not_configured.
func NewChannel(subs SubscriptionSource, opts ...Option) *Channel {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Transport == nil && cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		cfg.Transport = &vapidTransport{
			publicKey:  cfg.VAPIDPublicKey,
			privateKey: cfg.VAPIDPrivateKey,
			subject:    cfg.Subject,
			ttl:        int(cfg.TTL / time.Second),
			client:     cfg.HTTPClient,
		}
	}
	if cfg.Transport == nil {
		slog.Info("push.NewChannel: VAPID keys not set, push channel disabled")
	}
	return &Channel{subs: subs, transport: cfg.Transport}
}

// Available reports whether the channel can send at all.
func (c *Channel) Available() bool {
	return c != nil && c.transport != nil
}

// Deliver sends one notification to one subscription.
func (c *Channel) Deliver(ctx context.Context, sub models.PushSubscription, n Notification) (models.Outcome, string) {
	if !c.Available() {
		return models.OutcomeNotConfigured, "push channel not configured"
	}
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return models.OutcomeTransportError, fmt.Sprintf("encode payload: %v", err)
	}
	status, err := c.transport.Send(ctx, body, sub, n.Urgent)
	if err != nil {
		return models.OutcomeTransportError, err.Error()
	}
	return classifyStatus(status)
}

// Send delivers to every subscription of the patient. Subscriptions the push
// service reports as gone are deleted. The aggregate outcome is sent when any
// device received the message.
func (c *Channel) Send(ctx context.Context, patientID string, n Notification) Result {
	if !c.Available() {
		return Result{Outcome: models.OutcomeNotConfigured, Detail: "push channel not configured"}
	}
	subs, err := c.subs.ListPushSubscriptions(ctx, patientID)
	if err != nil {
		return Result{Outcome: models.OutcomeTransportError, Detail: fmt.Sprintf("list subscriptions: %v", err)}
	}
	if len(subs) == 0 {
		return Result{Outcome: models.OutcomeNotConfigured, Detail: "no push subscription"}
	}

	var res Result
	var transientDetail string
	for _, sub := range subs {
		outcome, detail := c.Deliver(ctx, sub, n)
		switch outcome {
		case models.OutcomeSent:
			res.Delivered++
		case models.OutcomeEndpointInvalid:
			res.Invalidated++
			slog.Info("push.Channel.Send: removing dead subscription", "patient_id", patientID, "endpoint", sub.Endpoint, "detail", detail)
			if _, err := c.subs.DeletePushSubscription(ctx, patientID, sub.Endpoint); err != nil {
				slog.Error("push.Channel.Send: delete subscription failed", "patient_id", patientID, "error", err)
			}
		default:
			transientDetail = detail
			slog.Warn("push.Channel.Send: delivery failed", "patient_id", patientID, "endpoint", sub.Endpoint, "outcome", outcome, "detail", detail)
		}
	}

	switch {
	case res.Delivered > 0:
		res.Outcome = models.OutcomeSent
	case transientDetail != "":
		res.Outcome = models.OutcomeTransportError
		res.Detail = transientDetail
	default:
		res.Outcome = models.OutcomeEndpointInvalid
		res.Detail = fmt.Sprintf("%d subscription(s) gone", res.Invalidated)
	}
	return res
}

func classifyStatus(status int) (models.Outcome, string) {
	switch {
	case status >= 200 && status < 300:
		return models.OutcomeSent, ""
	case status == http.StatusNotFound || status == http.StatusGone:
		return models.OutcomeEndpointInvalid, fmt.Sprintf("status %d", status)
	default:
		return models.OutcomeTransportError, fmt.Sprintf("status %d", status)
	}
}

type vapidTransport struct {
	publicKey  string
	privateKey string
	subject    string
	ttl        int
	client     *http.Client
}

func (t *vapidTransport) Send(ctx context.Context, message []byte, sub models.PushSubscription, urgent bool) (int, error) {
	opts := &webpush.Options{
		Subscriber:      t.subject,
		VAPIDPublicKey:  t.publicKey,
		VAPIDPrivateKey: t.privateKey,
		TTL:             t.ttl,
		Urgency:         webpush.UrgencyNormal,
	}
	if urgent {
		opts.Urgency = webpush.UrgencyHigh
	}
	if t.client != nil {
		opts.HTTPClient = t.client
	}
	resp, err := webpush.SendNotificationWithContext(ctx, message, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, opts)
	if err != nil {
		return 0, fmt.Errorf("web push to %s: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// GenerateVAPIDKeys returns a fresh key pair for operators bootstrapping a deployment.
func GenerateVAPIDKeys() (public, private string, err error) {
	private, public, err = webpush.GenerateVAPIDKeys()
	return public, private, err
}
