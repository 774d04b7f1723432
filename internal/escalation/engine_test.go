package escalation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ack"
	"github.com/BTreeMap/NudgePipe/internal/lock"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/push"
	"github.com/BTreeMap/NudgePipe/internal/store"
	"github.com/BTreeMap/NudgePipe/internal/testutil"
	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

type fakePush struct {
	mu      sync.Mutex
	outcome models.Outcome
	sent    []push.Notification
}

func (f *fakePush) Available() bool { return true }

func (f *fakePush) Send(_ context.Context, _ string, n push.Notification) push.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	if f.outcome == "" {
		return push.Result{Outcome: models.OutcomeSent, Delivered: 1}
	}
	return push.Result{Outcome: f.outcome}
}

func (f *fakePush) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeWhatsApp struct {
	mu     sync.Mutex
	params [][]string
}

func (f *fakeWhatsApp) Available() bool { return true }

func (f *fakeWhatsApp) SendToPatient(_ context.Context, _ string, kind whatsapp.TemplateKind, params ...string) (models.Outcome, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != whatsapp.TemplateEngagement {
		return models.OutcomeNotConfigured, "unexpected template"
	}
	f.params = append(f.params, params)
	return models.OutcomeSent, "wamid.1"
}

func (f *fakeWhatsApp) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.params)
}

func newTestEngine(t *testing.T, s *store.InMemoryStore, c *testutil.Clock, opts ...Option) *Engine {
	t.Helper()
	issuer := testutil.NewIssuer(t)
	opts = append([]Option{WithClock(c.Now), WithAppOrigin("https://app.example.org"), WithWorkers(2)}, opts...)
	e, err := NewEngine(s, issuer, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestSweepBucketProgression(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	c := testutil.NewClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	p := &fakePush{}
	w := &fakeWhatsApp{}
	e := newTestEngine(t, s, c, WithPush(p), WithWhatsApp(w))

	type day struct {
		bucket    models.Bucket
		exhausted bool
		pushes    int
		whatsapps int
	}
	want := []day{
		{bucket: 1, pushes: 1},
		{bucket: 2, pushes: 2},
		{bucket: 3, pushes: 3, whatsapps: 1},
		{bucket: 3, pushes: 3, whatsapps: 1},
		{bucket: 5, pushes: 4, whatsapps: 2},
		{bucket: 5, exhausted: true, pushes: 4, whatsapps: 2},
		{bucket: 5, exhausted: true, pushes: 4, whatsapps: 2},
	}
	for i, exp := range want {
		summary, err := e.Sweep(ctx)
		if err != nil {
			t.Fatalf("day %d: Sweep failed: %v", i+1, err)
		}
		if summary.Processed != 1 {
			t.Errorf("day %d: processed = %d, want 1", i+1, summary.Processed)
		}
		st, _ := s.GetEscalationState(ctx, "p1")
		if st == nil {
			t.Fatalf("day %d: state missing", i+1)
		}
		if st.CycleStartDate != "2026-03-01" {
			t.Errorf("day %d: cycle start = %s", i+1, st.CycleStartDate)
		}
		if st.CurrentBucket != exp.bucket {
			t.Errorf("day %d: bucket = %d, want %d", i+1, st.CurrentBucket, exp.bucket)
		}
		if (st.Phase() == models.PhaseExhausted) != exp.exhausted {
			t.Errorf("day %d: phase = %s", i+1, st.Phase())
		}
		if p.count() != exp.pushes || w.count() != exp.whatsapps {
			t.Errorf("day %d: pushes=%d whatsapps=%d, want %d/%d", i+1, p.count(), w.count(), exp.pushes, exp.whatsapps)
		}
		if i == 5 && summary.Exhausted != 1 {
			t.Errorf("day 6: exhausted = %d, want 1", summary.Exhausted)
		}
		c.AdvanceDays(1)
	}

	if !p.sent[2].Urgent || p.sent[0].Urgent {
		t.Error("reminders from bucket 3 on should be urgent, earlier ones not")
	}
	if got := w.params[0]; got[0] != "blood pressure" || got[1] != "3" || got[2] == "" {
		t.Errorf("unexpected template params %v", got)
	}

	// The follow-up signal is emitted once even though day 7 saw the exhausted row again.
	jobs, err := s.ClaimDueJobs(ctx, c.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != JobKindClinicianFollowup {
		t.Fatalf("expected one follow-up job, got %+v", jobs)
	}
	var payload FollowupPayload
	if err := json.Unmarshal([]byte(jobs[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.PatientID != "p1" || payload.CycleStartDate != "2026-03-01" || payload.ExhaustedAt.IsZero() {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestSweepIsIdempotentWithinBucket(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	c := testutil.NewClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	p := &fakePush{}
	e := newTestEngine(t, s, c, WithPush(p))

	first, _ := e.Sweep(ctx)
	second, _ := e.Sweep(ctx)
	if first.Sent != 1 || second.Sent != 0 {
		t.Errorf("sent = %d then %d, want 1 then 0", first.Sent, second.Sent)
	}
	if p.count() != 1 {
		t.Errorf("push sends = %d, want 1", p.count())
	}
	attempts, _ := s.ListAttempts(ctx, "p1")
	if len(attempts) != 1 || attempts[0].IdempotencyKey != "esc:p1:2026-03-01:1:push" || attempts[0].Outcome != models.OutcomeSent {
		t.Errorf("unexpected attempts %+v", attempts)
	}
}

func TestSweepRetriesUnsentChannelNextTick(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	c := testutil.NewClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	p := &fakePush{outcome: models.OutcomeTransportError}
	e := newTestEngine(t, s, c, WithPush(p))

	summary, _ := e.Sweep(ctx)
	if summary.Failed != 1 || summary.Sent != 0 {
		t.Errorf("first sweep: %+v", summary)
	}
	p.outcome = models.OutcomeSent
	summary, _ = e.Sweep(ctx)
	if summary.Sent != 1 {
		t.Errorf("retry sweep should send: %+v", summary)
	}
	summary, _ = e.Sweep(ctx)
	if summary.Sent != 0 || p.count() != 2 {
		t.Errorf("no further sends expected: %+v, sends=%d", summary, p.count())
	}
}

func TestSweepChannelIsolation(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	s.CreateEscalationState(ctx, models.EscalationState{PatientID: "p1", CycleStartDate: "2026-03-01", CurrentBucket: 2})
	c := testutil.NewClock(time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC))
	p := &fakePush{}
	e := newTestEngine(t, s, c, WithPush(p), WithWhatsApp(whatsapp.NewChannel(s, nil, nil)))

	summary, err := e.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if summary.Sent != 1 || summary.Failed != 0 || summary.NotConfigured != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	pushAttempt, _ := s.GetAttempt(ctx, "esc:p1:2026-03-01:3:push")
	waAttempt, _ := s.GetAttempt(ctx, "esc:p1:2026-03-01:3:whatsapp")
	if pushAttempt == nil || pushAttempt.Outcome != models.OutcomeSent {
		t.Errorf("push attempt = %+v", pushAttempt)
	}
	if waAttempt == nil || waAttempt.Outcome != models.OutcomeNotConfigured {
		t.Errorf("whatsapp attempt = %+v", waAttempt)
	}
	st, _ := s.GetEscalationState(ctx, "p1")
	if st.ChannelAttempts[models.ChannelWhatsApp] != models.OutcomeNotConfigured {
		t.Errorf("channel attempts = %v", st.ChannelAttempts)
	}
}

func TestSweepComplianceStartsNewCycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	c := testutil.NewClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	e := newTestEngine(t, s, c, WithPush(&fakePush{}))

	e.Sweep(ctx)
	c.AdvanceDays(1)
	s.RecordLogEvent(ctx, models.LogEvent{PatientID: "p1", Kind: models.LogKindVital, LoggedAt: c.Now().Add(-time.Hour)})
	summary, _ := e.Sweep(ctx)
	if summary.Cleared != 1 {
		t.Errorf("cleared = %d, want 1", summary.Cleared)
	}
	if st, _ := s.GetEscalationState(ctx, "p1"); st != nil {
		t.Fatalf("state should be cleared, got %+v", st)
	}

	c.AdvanceDays(1)
	e.Sweep(ctx)
	st, _ := s.GetEscalationState(ctx, "p1")
	if st == nil || st.CycleStartDate != "2026-03-03" || st.CurrentBucket != 1 {
		t.Errorf("expected a new cycle at bucket 1, got %+v", st)
	}
}

func TestSweepAcknowledgedBucketIsNotResent(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	c := testutil.NewClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	p := &fakePush{outcome: models.OutcomeTransportError}
	e := newTestEngine(t, s, c, WithPush(p))

	e.Sweep(ctx)
	s.AcknowledgeEscalation(ctx, "p1", "2026-03-01", 1, "skip", c.Now())
	p.outcome = models.OutcomeSent
	e.Sweep(ctx)
	if p.count() != 1 {
		t.Errorf("acknowledged bucket must not be retried, sends=%d", p.count())
	}

	c.AdvanceDays(1)
	e.Sweep(ctx)
	st, _ := s.GetEscalationState(ctx, "p1")
	if st.CurrentBucket != 2 || st.Acknowledged {
		t.Errorf("new bucket should reset acknowledgment: %+v", st)
	}
	if p.count() != 2 {
		t.Errorf("new bucket should dispatch, sends=%d", p.count())
	}
}

func TestSweepReachesPatientsWithoutEnabledPreference(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	keys := models.PushKeys{P256dh: "k", Auth: "a"}
	// p-sub can be reached but never saved a preference.
	s.SavePushSubscription(ctx, models.PushSubscription{PatientID: "p-sub", Endpoint: "https://push.example/sub", Keys: keys})
	s.SaveWhatsAppPhone(ctx, "p-sub", "15550100199")
	// p-off turned routine reminders off; escalation still applies.
	testutil.SeedPreference(t, s, "p-off", 9, false)
	s.SavePushSubscription(ctx, models.PushSubscription{PatientID: "p-off", Endpoint: "https://push.example/off", Keys: keys})

	c := testutil.NewClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	p := &fakePush{}
	e := newTestEngine(t, s, c, WithPush(p))

	for day := 1; day <= 3; day++ {
		summary, err := e.Sweep(ctx)
		if err != nil {
			t.Fatalf("day %d: Sweep failed: %v", day, err)
		}
		if summary.Processed != 2 || summary.Sent != 2 {
			t.Errorf("day %d: %+v, want 2 processed and 2 sent", day, summary)
		}
		for _, id := range []string{"p-sub", "p-off"} {
			st, _ := s.GetEscalationState(ctx, id)
			if st == nil || st.CurrentBucket != models.Bucket(day) {
				t.Errorf("day %d: %s state = %+v, want bucket %d", day, id, st, day)
			}
		}
		c.AdvanceDays(1)
	}
	if p.count() != 6 {
		t.Errorf("pushes = %d, want 6", p.count())
	}
	if p.sent[0].Payload.Title == "" {
		t.Error("reminder without a preference should still carry copy")
	}

	// Routine pushes stay gated by the preference.
	c.Set(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC))
	routine, _ := e.SendRoutinePushes(ctx)
	if routine.Processed != 0 {
		t.Errorf("routine push reached opted-out patients: %+v", routine)
	}
}

// The engine and the acknowledgment handler share one KeyedMutex: whatever
// the order, a patient who logged ends the sweep with no escalation state.
func TestSweepComplianceWinsOverConcurrentAcknowledgment(t *testing.T) {
	orders := []string{"ack first", "sweep first", "concurrent"}
	for _, order := range orders {
		t.Run(order, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewInMemoryStore()
			testutil.SeedPreference(t, s, "p1", 9, true)
			c := testutil.NewClock(time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC))
			if _, err := s.CreateEscalationState(ctx, models.EscalationState{PatientID: "p1", CycleStartDate: "2026-03-01", CurrentBucket: 1}); err != nil {
				t.Fatalf("CreateEscalationState failed: %v", err)
			}
			s.RecordLogEvent(ctx, models.LogEvent{PatientID: "p1", Kind: models.LogKindVital, LoggedAt: c.Now().Add(-time.Hour)})

			locks := lock.NewKeyedMutex()
			issuer := testutil.NewIssuer(t)
			e, err := NewEngine(s, issuer, WithClock(c.Now), WithLocks(locks), WithPush(&fakePush{}))
			if err != nil {
				t.Fatalf("NewEngine failed: %v", err)
			}
			h := ack.NewHandler(issuer, s, locks, "https://app.example.org")
			token, err := issuer.Issue(ack.Capability{PatientID: "p1", Kind: models.AttemptKindEscalation, VitalType: "blood_pressure", CycleStart: "2026-03-01", Bucket: 1})
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}

			sweep := func() {
				if summary, err := e.Sweep(ctx); err != nil || summary.Cleared != 1 {
					t.Errorf("Sweep = (%+v, %v), want one cleared", summary, err)
				}
			}
			acknowledge := func() {
				if _, err := h.Acknowledge(ctx, token, models.AckActionSkip); err != nil {
					t.Errorf("Acknowledge failed: %v", err)
				}
			}

			switch order {
			case "ack first":
				acknowledge()
				sweep()
			case "sweep first":
				sweep()
				acknowledge()
			default:
				// Hold the patient's lock so both writers queue on it together.
				unlock := locks.Lock("p1")
				var wg sync.WaitGroup
				wg.Add(2)
				go func() { defer wg.Done(); sweep() }()
				go func() { defer wg.Done(); acknowledge() }()
				time.Sleep(10 * time.Millisecond)
				unlock()
				wg.Wait()
			}

			if st, _ := s.GetEscalationState(ctx, "p1"); st != nil {
				t.Errorf("compliance must win, state left behind: %+v", st)
			}
		})
	}
}

type scriptedTransport struct {
	mu     sync.Mutex
	status map[string]int
	calls  []string
}

func (t *scriptedTransport) Send(_ context.Context, _ []byte, sub models.PushSubscription, _ bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, sub.Endpoint)
	return t.status[sub.Endpoint], nil
}

func TestSweepPurgesInvalidEndpoint(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	keys := models.PushKeys{P256dh: "k", Auth: "a"}
	s.SavePushSubscription(ctx, models.PushSubscription{PatientID: "p1", Endpoint: "https://push.example/dead", Keys: keys})
	s.SavePushSubscription(ctx, models.PushSubscription{PatientID: "p1", Endpoint: "https://push.example/flaky", Keys: keys})

	tr := &scriptedTransport{status: map[string]int{
		"https://push.example/dead":  http.StatusGone,
		"https://push.example/flaky": http.StatusServiceUnavailable,
	}}
	c := testutil.NewClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	e := newTestEngine(t, s, c, WithPush(push.NewChannel(s, push.WithTransport(tr))))

	summary, _ := e.Sweep(ctx)
	if summary.Failed != 1 {
		t.Errorf("first sweep: %+v", summary)
	}
	subs, _ := s.ListPushSubscriptions(ctx, "p1")
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/flaky" {
		t.Fatalf("dead subscription should be removed, got %+v", subs)
	}

	tr.mu.Lock()
	tr.calls = nil
	tr.status["https://push.example/flaky"] = http.StatusCreated
	tr.mu.Unlock()
	summary, _ = e.Sweep(ctx)
	if summary.Sent != 1 {
		t.Errorf("retry sweep: %+v", summary)
	}
	for _, call := range tr.calls {
		if call == "https://push.example/dead" {
			t.Error("removed endpoint was attempted again")
		}
	}
}

type failingRoster struct{ *store.InMemoryStore }

func (failingRoster) ListRosterPatientIDs(context.Context) ([]string, error) {
	return nil, context.DeadlineExceeded
}

func TestSweepRosterFailure(t *testing.T) {
	issuer, _ := ack.NewIssuer(nil, 0)
	e, err := NewEngine(failingRoster{store.NewInMemoryStore()}, issuer)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	summary, err := e.Sweep(context.Background())
	if err == nil || summary.Error == "" {
		t.Errorf("roster failure should be reported, got (%+v, %v)", summary, err)
	}
}

func TestSendRoutinePushes(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	testutil.SeedPreference(t, s, "p2", 9, false)
	testutil.SeedPreference(t, s, "p3", 10, true)
	c := testutil.NewClock(time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC))
	p := &fakePush{}
	e := newTestEngine(t, s, c, WithPush(p))

	summary, err := e.SendRoutinePushes(ctx)
	if err != nil {
		t.Fatalf("SendRoutinePushes failed: %v", err)
	}
	if summary.Processed != 1 || summary.Sent != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if p.count() != 1 {
		t.Fatalf("push sends = %d, want 1", p.count())
	}
	n := p.sent[0]
	if n.Payload.Data.Value != nil || n.Payload.Data.Token == "" {
		t.Errorf("unexpected data %+v", n.Payload.Data)
	}
	if n.Payload.Title != "Time to log your blood pressure" || n.Payload.Tag != "routine-blood_pressure" {
		t.Errorf("unexpected payload %+v", n.Payload)
	}
	if a, _ := s.GetAttempt(ctx, "routine:p1:2026-03-01T09:push"); a == nil || a.Kind != models.AttemptKindRoutine {
		t.Errorf("routine attempt = %+v", a)
	}
	if attempts, _ := s.ListAttempts(ctx, "p2"); len(attempts) != 0 {
		t.Errorf("disabled preference produced attempts: %+v", attempts)
	}

	c.Set(c.Now().Add(30 * time.Minute))
	again, _ := e.SendRoutinePushes(ctx)
	if again.Sent != 0 || p.count() != 1 {
		t.Errorf("second run in the same hour must not send: %+v", again)
	}
}

func TestSendRoutinePushesWithoutPushChannel(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	testutil.SeedPreference(t, s, "p1", 9, true)
	c := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	e := newTestEngine(t, s, c)

	summary, _ := e.SendRoutinePushes(ctx)
	if summary.NotConfigured != 1 || summary.Failed != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestEscalationMessage(t *testing.T) {
	tests := []struct {
		bucket models.Bucket
		urgent bool
	}{
		{1, false}, {2, false}, {3, true}, {5, true},
	}
	for _, tt := range tests {
		m := escalationMessage(tt.bucket, "", int(tt.bucket))
		if m.Urgent != tt.urgent {
			t.Errorf("bucket %d: urgent = %v", tt.bucket, m.Urgent)
		}
		if m.Title == "" || m.Body == "" {
			t.Errorf("bucket %d: empty copy", tt.bucket)
		}
	}
	if got := escalationMessage(1, "", 1).Payload("tok", "2026-03-01").Tag; got != "escalation-2026-03-01" {
		t.Errorf("tag = %q", got)
	}
}

func TestFollowupNotifier(t *testing.T) {
	var got FollowupPayload
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	payload := `{"patient_id":"p1","cycle_start_date":"2026-03-01","exhausted_at":"2026-03-06T18:00:00Z"}`
	n := NewFollowupNotifier(srv.URL, time.Second)
	if err := n.Handle(context.Background(), payload); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got.PatientID != "p1" || got.CycleStartDate != "2026-03-01" {
		t.Errorf("webhook received %+v", got)
	}

	status = http.StatusInternalServerError
	if err := n.Handle(context.Background(), payload); err == nil {
		t.Error("expected error on 5xx so the job is retried")
	}

	if err := NewFollowupNotifier("", 0).Handle(context.Background(), payload); err != nil {
		t.Errorf("unset webhook should only log, got %v", err)
	}
}
