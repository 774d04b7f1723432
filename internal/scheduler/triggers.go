package scheduler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/lock"
	"github.com/BTreeMap/NudgePipe/internal/metrics"
	"github.com/BTreeMap/NudgePipe/internal/models"
)

// Trigger names, also used as guard names and metric labels.
const (
	TriggerRoutinePush     = "send-routine-pushes"
	TriggerEscalationSweep = "process-reminder-escalations"
)

// DefaultRoutineSchedule fires at the top of every UTC hour.
const DefaultRoutineSchedule = "0 * * * *"

// Job is one trigger's work.
type Job func(ctx context.Context) (models.TriggerSummary, error)

// Opts holds configuration for the triggers.
type Opts struct {
	Secret  string
	Guard   lock.Guard
	Metrics *metrics.Metrics
}

// Option configures the triggers.
type Option func(*Opts)

// WithSecret sets the shared trigger secret. Without it both triggers are disabled.
func WithSecret(secret string) Option {
	return func(o *Opts) { o.Secret = secret }
}

// WithGuard replaces the default process-local run guard.
func WithGuard(g lock.Guard) Option {
	return func(o *Opts) { o.Guard = g }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Triggers runs the routine push and escalation sweep jobs. Every entry point
// returns a summary and never an error: failures are logged and reported in
// the summary's error field.
type Triggers struct {
	secret  []byte
	guard   lock.Guard
	metrics *metrics.Metrics
	routine Job
	sweep   Job
}

// NewTriggers wires the two jobs.
func NewTriggers(routine, sweep Job, opts ...Option) *Triggers {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Guard == nil {
		cfg.Guard = lock.NewProcessGuard()
	}
	if cfg.Secret == "" {
		slog.Info("scheduler.NewTriggers: CRON_SECRET not set, triggers disabled")
	}
	return &Triggers{
		secret:  []byte(cfg.Secret),
		guard:   cfg.Guard,
		metrics: cfg.Metrics,
		routine: routine,
		sweep:   sweep,
	}
}

// Enabled reports whether a secret is configured.
func (t *Triggers) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Authorized reports whether secret matches the configured one, in constant time.
func (t *Triggers) Authorized(secret string) bool {
	return t.Enabled() && subtle.ConstantTimeCompare(t.secret, []byte(secret)) == 1
}

// RoutinePush runs the hourly routine push when secret matches.
func (t *Triggers) RoutinePush(ctx context.Context, secret string) models.TriggerSummary {
	return t.run(ctx, TriggerRoutinePush, secret, t.routine)
}

// EscalationSweep runs the daily escalation sweep when secret matches.
func (t *Triggers) EscalationSweep(ctx context.Context, secret string) models.TriggerSummary {
	return t.run(ctx, TriggerEscalationSweep, secret, t.sweep)
}

// run answers a disabled trigger and a wrong secret with the same no-op
// summary so callers learn nothing about the secret.
func (t *Triggers) run(ctx context.Context, name, secret string, job Job) (summary models.TriggerSummary) {
	summary.Trigger = name
	if !t.Enabled() {
		slog.Info("Triggers.run: disabled, no secret configured", "trigger", name)
		return summary
	}
	if !t.Authorized(secret) {
		slog.Warn("Triggers.run: rejected, secret mismatch", "trigger", name)
		t.metrics.ObserveTrigger(name, "unauthorized", 0)
		return summary
	}
	summary.Enabled = true

	release, ok, err := t.guard.TryAcquire(ctx, name)
	if err != nil {
		slog.Error("Triggers.run: guard failed", "trigger", name, "error", err)
		summary.Error = err.Error()
		t.metrics.ObserveTrigger(name, "error", 0)
		return summary
	}
	if !ok {
		slog.Info("Triggers.run: previous run still in flight, skipping", "trigger", name)
		summary.Skipped = true
		t.metrics.ObserveTrigger(name, "skipped", 0)
		return summary
	}
	defer release()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Triggers.run: job panicked", "trigger", name, "panic", r)
			summary.Error = fmt.Sprintf("panic: %v", r)
			t.metrics.ObserveTrigger(name, "error", time.Since(start))
		}
	}()

	out, err := job(ctx)
	out.Trigger = name
	out.Enabled = true
	summary = out
	if err != nil {
		slog.Error("Triggers.run: job failed", "trigger", name, "error", err)
		if summary.Error == "" {
			summary.Error = err.Error()
		}
		t.metrics.ObserveTrigger(name, "error", time.Since(start))
		return summary
	}
	t.metrics.ObserveTrigger(name, "ok", time.Since(start))
	slog.Info("Triggers.run: done", "trigger", name, "processed", summary.Processed, "sent", summary.Sent, "failed", summary.Failed, "took", time.Since(start))
	return summary
}

// Register puts both triggers on the scheduler: routine pushes on
// routineSpec and the escalation sweep daily at escalationHour UTC. A
// disabled Triggers registers nothing.
func (t *Triggers) Register(ctx context.Context, s *Scheduler, routineSpec string, escalationHour int) error {
	if !t.Enabled() {
		slog.Info("Triggers.Register: triggers disabled, nothing scheduled")
		return nil
	}
	if routineSpec == "" {
		routineSpec = DefaultRoutineSchedule
	}
	sweepSpec, err := DailyAt(escalationHour)
	if err != nil {
		return fmt.Errorf("escalation hour: %w", err)
	}
	secret := string(t.secret)
	if err := s.AddJob(routineSpec, func() { t.RoutinePush(ctx, secret) }); err != nil {
		return err
	}
	if err := s.AddJob(sweepSpec, func() { t.EscalationSweep(ctx, secret) }); err != nil {
		return err
	}
	slog.Info("Triggers.Register: scheduled", "routine", routineSpec, "escalation", sweepSpec)
	return nil
}
