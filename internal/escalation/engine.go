// Package escalation runs the adherence state machine: it walks the patient
// roster once per sweep, clears patients who logged, escalates the rest along
// the 1, 2, 3, 5 day cadence and dispatches reminders through the delivery
// channels. It also dispatches the hourly routine pushes.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ack"
	"github.com/BTreeMap/NudgePipe/internal/lock"
	"github.com/BTreeMap/NudgePipe/internal/metrics"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/push"
	"github.com/BTreeMap/NudgePipe/internal/store"
	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

// Store is the persistence the engine reads and writes.
type Store interface {
	store.SubscriptionStore
	store.EscalationStore
	store.AttemptStore
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)
}

// ComplianceOracle answers DailyLogCompletion for a patient and UTC day.
type ComplianceOracle interface {
	LogCompleted(ctx context.Context, patientID, day string) (bool, error)
}

// PushSender is the push channel as the engine uses it.
type PushSender interface {
	Available() bool
	Send(ctx context.Context, patientID string, n push.Notification) push.Result
}

// WhatsAppSender is the WhatsApp channel as the engine uses it.
type WhatsAppSender interface {
	Available() bool
	SendToPatient(ctx context.Context, patientID string, kind whatsapp.TemplateKind, params ...string) (models.Outcome, string)
}

// TokenIssuer signs the acknowledgment capability carried by each reminder.
type TokenIssuer interface {
	Issue(c ack.Capability) (string, error)
}

// DefaultStaleClaim is how long a pending claim blocks other senders before
// it is considered abandoned by a crashed process.
const DefaultStaleClaim = 15 * time.Minute

// Opts holds configuration for the engine.
type Opts struct {
	Oracle     ComplianceOracle
	Push       PushSender
	WhatsApp   WhatsAppSender
	Locks      *lock.KeyedMutex
	Metrics    *metrics.Metrics
	AppOrigin  string
	Workers    int
	StaleClaim time.Duration
	Clock      func() time.Time
}

// Option configures the engine.
type Option func(*Opts)

// WithOracle replaces the default store-backed compliance oracle.
func WithOracle(o ComplianceOracle) Option {
	return func(opts *Opts) { opts.Oracle = o }
}

func WithPush(p PushSender) Option {
	return func(opts *Opts) { opts.Push = p }
}

func WithWhatsApp(w WhatsAppSender) Option {
	return func(opts *Opts) { opts.WhatsApp = w }
}

// WithLocks shares the per-patient lock with the acknowledgment handler.
func WithLocks(l *lock.KeyedMutex) Option {
	return func(opts *Opts) { opts.Locks = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(opts *Opts) { opts.Metrics = m }
}

// WithAppOrigin sets the origin deep links point at.
func WithAppOrigin(origin string) Option {
	return func(opts *Opts) { opts.AppOrigin = origin }
}

// WithWorkers bounds how many patients are processed concurrently.
func WithWorkers(n int) Option {
	return func(opts *Opts) { opts.Workers = n }
}

func WithStaleClaim(d time.Duration) Option {
	return func(opts *Opts) { opts.StaleClaim = d }
}

func WithClock(now func() time.Time) Option {
	return func(opts *Opts) { opts.Clock = now }
}

// Engine owns EscalationState transitions.
type Engine struct {
	store      Store
	tokens     TokenIssuer
	oracle     ComplianceOracle
	push       PushSender
	whatsapp   WhatsAppSender
	locks      *lock.KeyedMutex
	metrics    *metrics.Metrics
	appOrigin  string
	workers    int
	staleClaim time.Duration
	now        func() time.Time
}

// NewEngine builds an engine. Without WithOracle, compliance is read from the
// store's log events, so st must then also implement HasLogEventOn.
func NewEngine(st Store, tokens TokenIssuer, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("escalation engine requires a store")
	}
	if tokens == nil {
		return nil, fmt.Errorf("escalation engine requires a token issuer")
	}
	cfg := Opts{Workers: 8, StaleClaim: DefaultStaleClaim, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Oracle == nil {
		logs, ok := st.(store.LogStore)
		if !ok {
			return nil, fmt.Errorf("escalation engine needs a compliance oracle or a store with log events")
		}
		cfg.Oracle = StoreCompliance{Logs: logs}
	}
	if cfg.Locks == nil {
		cfg.Locks = lock.NewKeyedMutex()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Engine{
		store:      st,
		tokens:     tokens,
		oracle:     cfg.Oracle,
		push:       cfg.Push,
		whatsapp:   cfg.WhatsApp,
		locks:      cfg.Locks,
		metrics:    cfg.Metrics,
		appOrigin:  cfg.AppOrigin,
		workers:    cfg.Workers,
		staleClaim: cfg.StaleClaim,
		now:        cfg.Clock,
	}, nil
}

// StoreCompliance answers compliance from log events reported to this service.
type StoreCompliance struct {
	Logs store.LogStore
}

func (s StoreCompliance) LogCompleted(ctx context.Context, patientID, day string) (bool, error) {
	return s.Logs.HasLogEventOn(ctx, patientID, day)
}

// tally accumulates per-patient results into a summary.
type tally struct {
	mu         sync.Mutex
	summary    models.TriggerSummary
	escalating int
}

func (t *tally) add(r patientResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.Processed++
	t.summary.Sent += r.sent
	t.summary.Failed += r.failed
	t.summary.NotConfigured += r.notConfigured
	if r.cleared {
		t.summary.Cleared++
	}
	if r.exhausted {
		t.summary.Exhausted++
	}
	if r.escalating {
		t.escalating++
	}
}

type patientResult struct {
	sent          int
	failed        int
	notConfigured int
	cleared       bool
	exhausted     bool
	escalating    bool
}

func (r *patientResult) count(o models.Outcome) {
	switch {
	case o == models.OutcomeSent:
		r.sent++
	case o == models.OutcomeNotConfigured:
		r.notConfigured++
	case o.IsFailure():
		r.failed++
	}
}

// Sweep makes one pass over the roster. Per-patient failures are logged and
// counted; only a failure to read the roster aborts, and it is returned along
// with the summary.
func (e *Engine) Sweep(ctx context.Context) (models.TriggerSummary, error) {
	now := e.now().UTC()
	today := models.DayKey(now)

	patients, err := e.store.ListRosterPatientIDs(ctx)
	if err != nil {
		slog.Error("Engine.Sweep: roster read failed", "error", err)
		return models.TriggerSummary{Error: err.Error()}, fmt.Errorf("list roster: %w", err)
	}
	slog.Info("Engine.Sweep: starting", "day", today, "patients", len(patients))

	var t tally
	e.forEach(ctx, patients, func(patientID string) {
		r, err := e.processPatient(ctx, patientID, today)
		if err != nil {
			slog.Error("Engine.Sweep: patient failed", "patient_id", patientID, "error", err)
			r.failed++
		}
		t.add(r)
	})
	e.metrics.SetEscalating(t.escalating)

	slog.Info("Engine.Sweep: finished", "processed", t.summary.Processed, "sent", t.summary.Sent,
		"failed", t.summary.Failed, "cleared", t.summary.Cleared, "exhausted", t.summary.Exhausted)
	return t.summary, nil
}

// forEach runs fn for every id with at most e.workers in flight.
func (e *Engine) forEach(ctx context.Context, ids []string, fn func(string)) {
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(id)
		}(id)
	}
	wg.Wait()
}

func (e *Engine) processPatient(ctx context.Context, patientID, today string) (patientResult, error) {
	var res patientResult
	unlock := e.locks.Lock(patientID)
	defer unlock()

	completed, err := e.oracle.LogCompleted(ctx, patientID, today)
	if err != nil {
		// Without an answer neither clearing nor escalating is safe.
		return res, fmt.Errorf("compliance lookup: %w", err)
	}
	if completed {
		cleared, err := e.store.ClearEscalationState(ctx, patientID)
		if err != nil {
			return res, fmt.Errorf("clear state: %w", err)
		}
		if cleared {
			slog.Info("Engine.processPatient: logged today, cycle cleared", "patient_id", patientID)
		}
		res.cleared = cleared
		return res, nil
	}

	state, err := e.store.GetEscalationState(ctx, patientID)
	if err != nil {
		return res, fmt.Errorf("load state: %w", err)
	}
	vitalType := e.vitalType(ctx, patientID)

	if state == nil {
		now := e.now().UTC()
		fresh := models.EscalationState{
			PatientID:      patientID,
			CycleStartDate: today,
			CurrentBucket:  models.BucketSequence[0],
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		created, err := e.store.CreateEscalationState(ctx, fresh)
		if err != nil {
			return res, fmt.Errorf("create state: %w", err)
		}
		if !created {
			return res, fmt.Errorf("escalation state for %s appeared concurrently", patientID)
		}
		slog.Info("Engine.processPatient: new cycle", "patient_id", patientID, "cycle_start", today)
		res.escalating = true
		e.dispatch(ctx, &fresh, vitalType, 1, &res)
		return res, nil
	}

	if state.Phase() == models.PhaseExhausted {
		// Already handed off; the dedupe key keeps this a one-time signal.
		return res, e.enqueueFollowup(ctx, state, *state.ExhaustedAt)
	}

	elapsed, err := models.DaysBetween(state.CycleStartDate, today)
	if err != nil {
		return res, err
	}
	cycleDay := elapsed + 1
	bucket, ok := models.BucketForCycleDay(cycleDay)
	if !ok {
		at := e.now().UTC()
		marked, err := e.store.MarkEscalationExhausted(ctx, patientID, state.CycleStartDate, at)
		if err != nil {
			return res, fmt.Errorf("mark exhausted: %w", err)
		}
		if marked {
			slog.Warn("Engine.processPatient: cycle exhausted, flagging for clinician follow-up", "patient_id", patientID, "cycle_start", state.CycleStartDate)
			res.exhausted = true
			e.metrics.ObserveExhausted()
			return res, e.enqueueFollowup(ctx, state, at)
		}
		return res, nil
	}

	res.escalating = true
	if bucket > state.CurrentBucket {
		advanced, err := e.store.AdvanceEscalation(ctx, patientID, state.CycleStartDate, bucket, e.now().UTC())
		if err != nil {
			return res, fmt.Errorf("advance to bucket %d: %w", bucket, err)
		}
		if !advanced {
			return res, nil
		}
		slog.Info("Engine.processPatient: escalated", "patient_id", patientID, "from", state.CurrentBucket, "to", bucket)
		state.CurrentBucket = bucket
		state.Acknowledged = false
		state.ChannelAttempts = nil
		e.dispatch(ctx, state, vitalType, cycleDay, &res)
		return res, nil
	}

	if state.Acknowledged {
		return res, nil
	}
	// Same bucket: only channels that never reached the patient are retried.
	e.dispatch(ctx, state, vitalType, cycleDay, &res)
	return res, nil
}

func (e *Engine) vitalType(ctx context.Context, patientID string) string {
	pref, err := e.store.GetReminderPreference(ctx, patientID)
	if err != nil {
		slog.Warn("Engine.vitalType: preference lookup failed", "patient_id", patientID, "error", err)
		return ""
	}
	if pref == nil {
		return ""
	}
	return pref.VitalType
}

// dispatch sends the reminder for state's current bucket on every channel
// the bucket uses and that has not already delivered it.
func (e *Engine) dispatch(ctx context.Context, state *models.EscalationState, vitalType string, cycleDay int, res *patientResult) {
	var channels []models.Channel
	for _, ch := range models.ChannelsForBucket(state.CurrentBucket) {
		if state.ChannelAttempts[ch] != models.OutcomeSent {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		return
	}

	token, err := e.tokens.Issue(ack.Capability{
		PatientID:  state.PatientID,
		Kind:       models.AttemptKindEscalation,
		VitalType:  vitalType,
		CycleStart: state.CycleStartDate,
		Bucket:     state.CurrentBucket,
	})
	if err != nil {
		slog.Error("Engine.dispatch: token issue failed", "patient_id", state.PatientID, "error", err)
		res.failed += len(channels)
		return
	}
	msg := escalationMessage(state.CurrentBucket, vitalType, cycleDay)
	link := e.deepLink(token)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch models.Channel) {
			defer wg.Done()
			key := models.EscalationAttemptKey(state.PatientID, state.CycleStartDate, state.CurrentBucket, ch)
			attempt := models.NotificationAttempt{
				IdempotencyKey: key,
				PatientID:      state.PatientID,
				Kind:           models.AttemptKindEscalation,
				Channel:        ch,
			}
			var send func() (models.Outcome, string)
			switch ch {
			case models.ChannelPush:
				attempt.PayloadID = msg.Tag(state.CycleStartDate)
				n := push.Notification{Payload: msg.Payload(token, state.CycleStartDate), Urgent: msg.Urgent}
				send = func() (models.Outcome, string) { return e.sendPush(ctx, state.PatientID, n) }
			case models.ChannelWhatsApp:
				attempt.PayloadID = string(whatsapp.TemplateEngagement)
				params := []string{vitalLabel(vitalType), strconv.Itoa(cycleDay), link}
				send = func() (models.Outcome, string) { return e.sendWhatsApp(ctx, state.PatientID, params) }
			}

			outcome, claimed := e.attempt(ctx, attempt, send)
			if !claimed {
				return
			}
			if err := e.store.RecordChannelOutcome(ctx, state.PatientID, state.CycleStartDate, ch, outcome, e.now().UTC()); err != nil {
				slog.Error("Engine.dispatch: record channel outcome failed", "patient_id", state.PatientID, "channel", ch, "error", err)
			}
			mu.Lock()
			res.count(outcome)
			mu.Unlock()
		}(ch)
	}
	wg.Wait()
}

func (e *Engine) deepLink(token string) string {
	if e.appOrigin == "" {
		return "the patient app"
	}
	return ack.DeepLink(e.appOrigin, token)
}

func (e *Engine) sendPush(ctx context.Context, patientID string, n push.Notification) (models.Outcome, string) {
	if e.push == nil || !e.push.Available() {
		return models.OutcomeNotConfigured, "push channel not configured"
	}
	r := e.push.Send(ctx, patientID, n)
	return r.Outcome, r.Detail
}

func (e *Engine) sendWhatsApp(ctx context.Context, patientID string, params []string) (models.Outcome, string) {
	if e.whatsapp == nil || !e.whatsapp.Available() {
		return models.OutcomeNotConfigured, "whatsapp channel not configured"
	}
	return e.whatsapp.SendToPatient(ctx, patientID, whatsapp.TemplateEngagement, params...)
}

// attempt claims the attempt's idempotency key, sends, and records the
// outcome. claimed is false when the key was already sent or is owned by a
// concurrent sender; nothing is sent then.
func (e *Engine) attempt(ctx context.Context, a models.NotificationAttempt, send func() (models.Outcome, string)) (outcome models.Outcome, claimed bool) {
	now := e.now().UTC()
	a.Outcome = models.OutcomePending
	a.Timestamp = now
	claimed, err := e.store.ClaimAttempt(ctx, a, now.Add(-e.staleClaim))
	if err != nil {
		slog.Error("Engine.attempt: claim failed", "key", a.IdempotencyKey, "error", err)
		return models.OutcomeTransportError, true
	}
	if !claimed {
		slog.Debug("Engine.attempt: already handled", "key", a.IdempotencyKey)
		return "", false
	}

	outcome, detail := send()
	if err := e.store.CompleteAttempt(ctx, a.IdempotencyKey, outcome, detail, e.now().UTC()); err != nil {
		slog.Error("Engine.attempt: complete failed", "key", a.IdempotencyKey, "error", err)
	}
	e.metrics.ObserveAttempt(string(a.Kind), string(a.Channel), string(outcome))

	switch {
	case outcome == models.OutcomeNotConfigured:
		slog.Info("Engine.attempt: channel not configured", "patient_id", a.PatientID, "channel", a.Channel, "detail", detail)
	case outcome.IsFailure():
		slog.Warn("Engine.attempt: delivery failed", "patient_id", a.PatientID, "channel", a.Channel, "outcome", outcome, "detail", detail)
	default:
		slog.Debug("Engine.attempt: sent", "patient_id", a.PatientID, "channel", a.Channel, "kind", a.Kind)
	}
	return outcome, true
}

// SendRoutinePushes sends the routine prompt to every enabled preference
// whose preferred hour is the current UTC hour. The attempt key is scoped
// to the hour, so a second run in the same hour sends nothing.
func (e *Engine) SendRoutinePushes(ctx context.Context) (models.TriggerSummary, error) {
	now := e.now().UTC()
	prefs, err := e.store.ListDueReminderPreferences(ctx, now.Hour())
	if err != nil {
		slog.Error("Engine.SendRoutinePushes: preference read failed", "error", err)
		return models.TriggerSummary{Error: err.Error()}, fmt.Errorf("list due preferences: %w", err)
	}
	byPatient := make(map[string]models.ReminderPreference, len(prefs))
	ids := make([]string, 0, len(prefs))
	for _, p := range prefs {
		if !p.Enabled {
			continue
		}
		byPatient[p.PatientID] = p
		ids = append(ids, p.PatientID)
	}

	var t tally
	e.forEach(ctx, ids, func(patientID string) {
		t.add(e.routinePush(ctx, byPatient[patientID], now))
	})
	slog.Info("Engine.SendRoutinePushes: finished", "hour", now.Hour(), "processed", t.summary.Processed, "sent", t.summary.Sent, "failed", t.summary.Failed)
	return t.summary, nil
}

func (e *Engine) routinePush(ctx context.Context, pref models.ReminderPreference, now time.Time) patientResult {
	var res patientResult
	token, err := e.tokens.Issue(ack.Capability{PatientID: pref.PatientID, Kind: models.AttemptKindRoutine, VitalType: pref.VitalType})
	if err != nil {
		slog.Error("Engine.routinePush: token issue failed", "patient_id", pref.PatientID, "error", err)
		res.failed++
		return res
	}
	msg := routineMessage(pref.VitalType)
	n := push.Notification{Payload: msg.Payload(token, "")}
	a := models.NotificationAttempt{
		IdempotencyKey: models.RoutineAttemptKey(pref.PatientID, now),
		PatientID:      pref.PatientID,
		Kind:           models.AttemptKindRoutine,
		Channel:        models.ChannelPush,
		PayloadID:      n.Payload.Tag,
	}
	outcome, claimed := e.attempt(ctx, a, func() (models.Outcome, string) { return e.sendPush(ctx, pref.PatientID, n) })
	if claimed {
		res.count(outcome)
	}
	return res
}
