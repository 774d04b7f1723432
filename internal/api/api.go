// Package api provides the HTTP surface of NudgePipe.
//
// It exposes the secret-guarded trigger endpoints, the patient-facing
// subscription and preference settings, the acknowledgment endpoints hit from
// notifications, log event ingestion, health and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ack"
	"github.com/BTreeMap/NudgePipe/internal/metrics"
	"github.com/BTreeMap/NudgePipe/internal/scheduler"
	"github.com/BTreeMap/NudgePipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Store is the persistence the HTTP handlers read and write.
type Store interface {
	store.SubscriptionStore
	store.LogStore
	Ping(ctx context.Context) error
}

// Availability is implemented by delivery channels.
type Availability interface {
	Available() bool
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr     string
	Triggers *scheduler.Triggers
	Acks     *ack.Handler
	Metrics  *metrics.Metrics
	Channels map[string]Availability
}

// Option configures the API server.
type Option func(*Opts)

func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTriggers exposes the scheduler triggers over HTTP.
func WithTriggers(t *scheduler.Triggers) Option {
	return func(o *Opts) { o.Triggers = t }
}

// WithAckHandler enables the notification acknowledgment endpoints.
func WithAckHandler(h *ack.Handler) Option {
	return func(o *Opts) { o.Acks = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithChannel reports the named channel's availability on /healthz.
func WithChannel(name string, ch Availability) Option {
	return func(o *Opts) {
		if o.Channels == nil {
			o.Channels = make(map[string]Availability)
		}
		o.Channels[name] = ch
	}
}

// Server holds the HTTP server and its collaborators.
type Server struct {
	st       Store
	triggers *scheduler.Triggers
	acks     *ack.Handler
	metrics  *metrics.Metrics
	channels map[string]Availability
	http     *http.Server
}

// NewServer builds the server and its routes.
func NewServer(st Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		st:       st,
		triggers: cfg.Triggers,
		acks:     cfg.Acks,
		metrics:  cfg.Metrics,
		channels: cfg.Channels,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/send-routine-pushes", s.routinePushHandler)
	mux.HandleFunc("POST /internal/process-reminder-escalations", s.escalationSweepHandler)
	mux.HandleFunc("POST /internal/log-events", s.logEventHandler)

	mux.Handle("POST /me/push-subscribe", s.requirePatient(s.subscribeHandler))
	mux.Handle("GET /me/push-subscribe", s.requirePatient(s.subscriptionStatusHandler))
	mux.Handle("DELETE /me/push-subscribe", s.requirePatient(s.unsubscribeHandler))
	mux.Handle("PUT /me/reminder-preference", s.requirePatient(s.savePreferenceHandler))
	mux.Handle("GET /me/reminder-preference", s.requirePatient(s.getPreferenceHandler))
	mux.Handle("PUT /me/whatsapp", s.requirePatient(s.saveWhatsAppHandler))

	mux.HandleFunc("POST /notifications/ack", s.ackHandler)
	mux.HandleFunc("GET /notifications/open", s.openHandler)

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.healthHandler)
	return mux
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("Server.ListenAndServe: NudgePipe API listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping HTTP server")
	return s.http.Shutdown(ctx)
}
