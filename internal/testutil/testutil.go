// Package testutil provides fixtures shared by NudgePipe package tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ack"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/store"
)

// TestSecret signs acknowledgment tokens in tests.
const TestSecret = "test-secret"

// Clock is a settable time source for code that takes a func() time.Time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AdvanceDays moves the clock by n calendar days.
func (c *Clock) AdvanceDays(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, n)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// NewIssuer returns an acknowledgment token issuer with a fixed secret.
func NewIssuer(t *testing.T) *ack.Issuer {
	t.Helper()
	issuer, err := ack.NewIssuer([]byte(TestSecret), time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	return issuer
}

// SeedPreference enrolls a patient for blood pressure reminders at hour.
func SeedPreference(t *testing.T, st store.SubscriptionStore, patientID string, hour int, enabled bool) {
	t.Helper()
	pref := models.ReminderPreference{PatientID: patientID, VitalType: "blood_pressure", PreferredHour: hour, Enabled: enabled}
	if err := st.SaveReminderPreference(context.Background(), pref); err != nil {
		t.Fatalf("SaveReminderPreference failed: %v", err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rr *httptest.ResponseRecorder, context string) {
	t.Helper()
	if rr.Code != expected {
		t.Fatalf("%s: expected status %d, got %d: %s", context, expected, rr.Code, rr.Body.String())
	}
}

// DecodeJSON unmarshals the recorded body into target and fails the test on error.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
}
