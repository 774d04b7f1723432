// Package models defines the core data structures for NudgePipe.
//
// It includes the subscription, preference, escalation and attempt records that
// are shared between the store, the delivery channels and the escalation engine.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Channel identifies an independent delivery mechanism.
type Channel string

const (
	// ChannelPush delivers browser/mobile push notifications.
	ChannelPush Channel = "push"
	// ChannelWhatsApp delivers WhatsApp template messages.
	ChannelWhatsApp Channel = "whatsapp"
)

// Outcome is the result of a single delivery try on one channel.
type Outcome string

const (
	// OutcomePending marks an attempt that has been claimed but not yet completed.
	OutcomePending Outcome = "pending"
	// OutcomeSent means the transport accepted the message.
	OutcomeSent Outcome = "sent"
	// OutcomeNotConfigured means the channel (or the patient's endpoint on it) is absent.
	OutcomeNotConfigured Outcome = "channel_not_configured"
	// OutcomeEndpointInvalid means the transport reported the endpoint as permanently gone.
	OutcomeEndpointInvalid Outcome = "endpoint_invalid"
	// OutcomeTransportError is a transient network or remote-service failure.
	OutcomeTransportError Outcome = "transport_error"
)

// IsFailure reports whether the outcome counts as a failed delivery in sweep summaries.
// Not-configured is deliberately excluded: it is a silent no-op.
func (o Outcome) IsFailure() bool {
	return o == OutcomeEndpointInvalid || o == OutcomeTransportError
}

// AttemptKind distinguishes routine prompts from escalation reminders.
type AttemptKind string

const (
	AttemptKindRoutine    AttemptKind = "routine"
	AttemptKindEscalation AttemptKind = "escalation"
)

// Log entry kinds that qualify a day as complete.
const (
	LogKindVital      = "vital"
	LogKindFood       = "food"
	LogKindMedication = "medication"
)

// IsValidLogKind reports whether kind is a qualifying log entry kind.
func IsValidLogKind(kind string) bool {
	switch kind {
	case LogKindVital, LogKindFood, LogKindMedication:
		return true
	}
	return false
}

// Validation errors
var (
	ErrEmptyPatientID     = errors.New("patient id cannot be empty")
	ErrEmptyEndpoint      = errors.New("subscription endpoint cannot be empty")
	ErrMissingKeys        = errors.New("subscription keys p256dh and auth are required")
	ErrInvalidHour        = errors.New("preferred hour must be between 0 and 23")
	ErrEmptyVitalType     = errors.New("vital type cannot be empty")
	ErrInvalidLogKind     = errors.New("log kind must be one of vital, food, medication")
	ErrInvalidAckAction   = errors.New("action must be one of log, skip, open")
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
)

// PushKeys holds the encryption key material required by the push transport.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is one device/browser registration. Unique per (PatientID, Endpoint).
type PushSubscription struct {
	PatientID string    `json:"patient_id"`
	Endpoint  string    `json:"endpoint"`
	Keys      PushKeys  `json:"keys"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the subscription has everything the transport needs.
func (s PushSubscription) Validate() error {
	if s.PatientID == "" {
		return ErrEmptyPatientID
	}
	if s.Endpoint == "" {
		return ErrEmptyEndpoint
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return ErrMissingKeys
	}
	return nil
}

// ReminderPreference is the patient's routine reminder setting.
// PreferredHour is expressed in UTC.
type ReminderPreference struct {
	PatientID     string    `json:"patient_id"`
	VitalType     string    `json:"vital_type"`
	PreferredHour int       `json:"preferred_hour"`
	Enabled       bool      `json:"enabled"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks the preference fields.
func (p ReminderPreference) Validate() error {
	if p.PatientID == "" {
		return ErrEmptyPatientID
	}
	if p.VitalType == "" {
		return ErrEmptyVitalType
	}
	if p.PreferredHour < 0 || p.PreferredHour > 23 {
		return ErrInvalidHour
	}
	return nil
}

// NotificationAttempt is the ledger record of one delivery try. There is at
// most one record per IdempotencyKey; its Outcome is overwritten on retry.
type NotificationAttempt struct {
	IdempotencyKey string      `json:"idempotency_key"`
	PatientID      string      `json:"patient_id"`
	Kind           AttemptKind `json:"kind"`
	Channel        Channel     `json:"channel"`
	PayloadID      string      `json:"template_or_payload_id"`
	Outcome        Outcome     `json:"outcome"`
	Detail         string      `json:"detail,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// EscalationAttemptKey builds the idempotency key for an escalation send.
func EscalationAttemptKey(patientID, cycleStart string, bucket Bucket, ch Channel) string {
	return fmt.Sprintf("esc:%s:%s:%d:%s", patientID, cycleStart, bucket, ch)
}

// RoutineAttemptKey builds the idempotency key for a routine push in the hour window of at.
func RoutineAttemptKey(patientID string, at time.Time) string {
	return fmt.Sprintf("routine:%s:%s:%s", patientID, at.UTC().Format("2006-01-02T15"), ChannelPush)
}

// LogEvent is a qualifying clinical log entry reported by the clinical collaborator.
type LogEvent struct {
	PatientID string    `json:"patient_id"`
	Kind      string    `json:"kind"`
	LoggedAt  time.Time `json:"logged_at"`
}

// Validate checks the log event fields.
func (e LogEvent) Validate() error {
	if e.PatientID == "" {
		return ErrEmptyPatientID
	}
	if !IsValidLogKind(e.Kind) {
		return ErrInvalidLogKind
	}
	return nil
}

// DayKey formats t as its UTC calendar day, the unit of DailyLogCompletion.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DaysBetween returns the number of whole UTC days from day a to day b (both DayKey strings).
func DaysBetween(a, b string) (int, error) {
	from, err := time.Parse("2006-01-02", a)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", a, err)
	}
	to, err := time.Parse("2006-01-02", b)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", b, err)
	}
	return int(to.Sub(from).Hours() / 24), nil
}
