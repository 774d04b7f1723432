package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/NudgePipe/internal/ack"
	"github.com/BTreeMap/NudgePipe/internal/lock"
	"github.com/BTreeMap/NudgePipe/internal/metrics"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/scheduler"
	"github.com/BTreeMap/NudgePipe/internal/store"
	"github.com/BTreeMap/NudgePipe/internal/testutil"
)

type fixedAvailability bool

func (f fixedAvailability) Available() bool { return bool(f) }

type testEnv struct {
	st      *store.InMemoryStore
	issuer  *ack.Issuer
	handler http.Handler
	runs    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{st: store.NewInMemoryStore()}
	issuer := testutil.NewIssuer(t)
	env.issuer = issuer
	job := func(context.Context) (models.TriggerSummary, error) {
		env.runs++
		return models.TriggerSummary{Processed: 3, Sent: 2, Failed: 1}, nil
	}
	triggers := scheduler.NewTriggers(job, job, scheduler.WithSecret("cron-secret"))
	acks := ack.NewHandler(issuer, env.st, lock.NewKeyedMutex(), "https://app.example.org")
	srv := NewServer(env.st,
		WithTriggers(triggers),
		WithAckHandler(acks),
		WithMetrics(metrics.New()),
		WithChannel("push", fixedAvailability(true)),
		WithChannel("whatsapp", fixedAvailability(false)),
	)
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestTriggerEndpoints(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name    string
		path    string
		secret  string
		enabled bool
	}{
		{"routine with secret", "/internal/send-routine-pushes", "cron-secret", true},
		{"sweep with secret", "/internal/process-reminder-escalations", "cron-secret", true},
		{"wrong secret", "/internal/process-reminder-escalations", "nope", false},
		{"missing secret", "/internal/send-routine-pushes", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.runs
			rr := env.do(http.MethodPost, tt.path, "", map[string]string{HeaderCronSecret: tt.secret})
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			var summary models.TriggerSummary
			if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if summary.Enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", summary.Enabled, tt.enabled)
			}
			ran := env.runs > before
			if ran != tt.enabled {
				t.Errorf("job ran = %v, want %v", ran, tt.enabled)
			}
			if tt.enabled && (summary.Processed != 3 || summary.Sent != 2 || summary.Failed != 1) {
				t.Errorf("unexpected summary %+v", summary)
			}
		})
	}

	if rr := env.do(http.MethodGet, "/internal/send-routine-pushes", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on trigger: expected 405, got %d", rr.Code)
	}
}

func TestPushSubscribeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	me := map[string]string{HeaderPatientID: "p1"}

	if rr := env.do(http.MethodGet, "/me/push-subscribe", "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("missing identity: expected 401, got %d", rr.Code)
	}

	rr := env.do(http.MethodGet, "/me/push-subscribe", "", me)
	if strings.TrimSpace(rr.Body.String()) != `{"subscribed":false}` {
		t.Errorf("before subscribe: %s", rr.Body.String())
	}

	body := `{"subscription":{"endpoint":"https://push.example/abc","keys":{"p256dh":"BPk","auth":"au"}}}`
	if rr := env.do(http.MethodPost, "/me/push-subscribe", body, me); rr.Code != http.StatusCreated {
		t.Fatalf("subscribe: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(http.MethodPost, "/me/push-subscribe", `{"subscription":{"endpoint":"https://push.example/x"}}`, me); rr.Code != http.StatusBadRequest {
		t.Errorf("missing keys: expected 400, got %d", rr.Code)
	}

	rr = env.do(http.MethodGet, "/me/push-subscribe", "", me)
	if strings.TrimSpace(rr.Body.String()) != `{"subscribed":true}` {
		t.Errorf("after subscribe: %s", rr.Body.String())
	}

	if rr := env.do(http.MethodDelete, "/me/push-subscribe", `{"endpoint":"https://push.example/abc"}`, me); rr.Code != http.StatusOK {
		t.Errorf("unsubscribe: expected 200, got %d", rr.Code)
	}
	subs, _ := env.st.ListPushSubscriptions(context.Background(), "p1")
	if len(subs) != 0 {
		t.Errorf("subscription should be gone, got %+v", subs)
	}
}

func TestReminderPreference(t *testing.T) {
	env := newTestEnv(t)
	me := map[string]string{HeaderPatientID: "p1"}

	if rr := env.do(http.MethodGet, "/me/reminder-preference", "", me); rr.Code != http.StatusNotFound {
		t.Errorf("unset preference: expected 404, got %d", rr.Code)
	}
	tests := []struct {
		body string
		code int
	}{
		{`{"vital_type":"glucose","preferred_hour":0,"enabled":true}`, http.StatusOK},
		{`{"vital_type":"glucose","preferred_hour":24,"enabled":true}`, http.StatusBadRequest},
		{`{"vital_type":"glucose","enabled":true}`, http.StatusBadRequest},
		{`{"preferred_hour":9,"enabled":true}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rr := env.do(http.MethodPut, "/me/reminder-preference", tt.body, me); rr.Code != tt.code {
			t.Errorf("PUT %s: expected %d, got %d", tt.body, tt.code, rr.Code)
		}
	}
	pref, _ := env.st.GetReminderPreference(context.Background(), "p1")
	if pref == nil || pref.PreferredHour != 0 || pref.VitalType != "glucose" || !pref.Enabled {
		t.Errorf("stored preference = %+v", pref)
	}
}

func TestSaveWhatsApp(t *testing.T) {
	env := newTestEnv(t)
	me := map[string]string{HeaderPatientID: "p1"}

	if rr := env.do(http.MethodPut, "/me/whatsapp", `{"phone":"+1 (555) 010-0199"}`, me); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if phone, _ := env.st.GetWhatsAppPhone(context.Background(), "p1"); phone != "15550100199" {
		t.Errorf("stored phone = %q", phone)
	}
	if rr := env.do(http.MethodPut, "/me/whatsapp", `{"phone":"12"}`, me); rr.Code != http.StatusBadRequest {
		t.Errorf("short phone: expected 400, got %d", rr.Code)
	}
}

func TestLogEventIngestion(t *testing.T) {
	env := newTestEnv(t)
	body := `{"patient_id":"p1","kind":"food","logged_at":"2026-03-02T08:00:00Z"}`

	if rr := env.do(http.MethodPost, "/internal/log-events", body, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("without secret: expected 401, got %d", rr.Code)
	}
	secret := map[string]string{HeaderCronSecret: "cron-secret"}
	if rr := env.do(http.MethodPost, "/internal/log-events", `{"patient_id":"p1","kind":"steps"}`, secret); rr.Code != http.StatusBadRequest {
		t.Errorf("bad kind: expected 400, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/internal/log-events", body, secret); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if ok, _ := env.st.HasLogEventOn(context.Background(), "p1", "2026-03-02"); !ok {
		t.Error("log event not recorded")
	}
}

func TestAcknowledgeEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.st.CreateEscalationState(ctx, models.EscalationState{PatientID: "p1", CycleStartDate: "2026-03-01", CurrentBucket: 2})
	token, _ := env.issuer.Issue(ack.Capability{PatientID: "p1", Kind: models.AttemptKindEscalation, VitalType: "weight", CycleStart: "2026-03-01", Bucket: 2})

	rr := env.do(http.MethodPost, "/notifications/ack", `{"token":"`+token+`","action":"log"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "ack")
	var resp struct {
		Result ack.Result `json:"result"`
	}
	testutil.DecodeJSON(t, rr, &resp)
	if !resp.Result.Applied || resp.Result.VitalType != "weight" || !strings.HasPrefix(resp.Result.DeepLink, "https://app.example.org/patient?log_token=") {
		t.Errorf("unexpected result %+v", resp.Result)
	}
	st, _ := env.st.GetEscalationState(ctx, "p1")
	if !st.Acknowledged || st.AckAction != "log" {
		t.Errorf("state not acknowledged: %+v", st)
	}

	if rr := env.do(http.MethodPost, "/notifications/ack", `{"token":"garbage","action":"skip"}`, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/notifications/ack", `{"token":"`+token+`","action":"dismiss"}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad action: expected 400, got %d", rr.Code)
	}

	other, _ := env.issuer.Issue(ack.Capability{PatientID: "p2", Kind: models.AttemptKindRoutine})
	rr = env.do(http.MethodGet, "/notifications/open?log_token="+other, "", nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("open: expected 302, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != ack.DeepLink("https://app.example.org", other) {
		t.Errorf("redirect = %q", loc)
	}
}

type brokenStore struct{ *store.InMemoryStore }

func (brokenStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/healthz", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr, "healthz")
	var health healthResponse
	testutil.DecodeJSON(t, rr, &health)
	if !health.Triggers || !health.Channels["push"] || health.Channels["whatsapp"] {
		t.Errorf("unexpected health %+v", health)
	}

	rr = env.do(http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Errorf("metrics: code=%d", rr.Code)
	}

	degraded := NewServer(brokenStore{store.NewInMemoryStore()}).Handler()
	rec := httptest.NewRecorder()
	degraded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("broken store: expected 503, got %d", rec.Code)
	}
}
