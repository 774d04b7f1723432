// Package store provides storage backends for NudgePipe.
//
// It includes an in-memory store for tests and ephemeral runs, plus SQLite and
// PostgreSQL stores for durable deployments. All three implement Store.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// SubscriptionStore maps patients to delivery endpoints and preferences.
// It is pure data access; lookups of missing rows return nil (or "") without error.
type SubscriptionStore interface {
	// SavePushSubscription inserts or refreshes the (patient, endpoint) registration.
	SavePushSubscription(ctx context.Context, sub models.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, patientID string) ([]models.PushSubscription, error)
	// DeletePushSubscription removes the registration and reports whether a row existed.
	DeletePushSubscription(ctx context.Context, patientID, endpoint string) (bool, error)

	SaveWhatsAppPhone(ctx context.Context, patientID, phone string) error
	GetWhatsAppPhone(ctx context.Context, patientID string) (string, error)

	SaveReminderPreference(ctx context.Context, pref models.ReminderPreference) error
	GetReminderPreference(ctx context.Context, patientID string) (*models.ReminderPreference, error)
	// ListDueReminderPreferences returns enabled preferences whose preferred hour equals hour.
	ListDueReminderPreferences(ctx context.Context, hour int) ([]models.ReminderPreference, error)

	// ListRosterPatientIDs returns every patient the escalation sweep must visit:
	// anyone with a push subscription, a WhatsApp phone, a preference (enabled
	// or not) or an escalation row. Preference.Enabled gates routine pushes only.
	ListRosterPatientIDs(ctx context.Context) ([]string, error)
}

// EscalationStore persists the escalation cursor. Every mutation is conditional
// on the cycle it targets, so a writer holding a stale view cannot resurrect a
// cleared or replaced cycle.
type EscalationStore interface {
	GetEscalationState(ctx context.Context, patientID string) (*models.EscalationState, error)
	// CreateEscalationState inserts a new cycle; false if the patient already has one.
	CreateEscalationState(ctx context.Context, state models.EscalationState) (bool, error)
	// AdvanceEscalation moves the cycle to bucket to if it is strictly greater than
	// the current bucket, resetting the acknowledgment and per-channel outcomes.
	AdvanceEscalation(ctx context.Context, patientID, cycleStart string, to models.Bucket, at time.Time) (bool, error)
	// RecordChannelOutcome stores the last outcome for a channel in the current cycle.
	RecordChannelOutcome(ctx context.Context, patientID, cycleStart string, ch models.Channel, outcome models.Outcome, at time.Time) error
	MarkEscalationExhausted(ctx context.Context, patientID, cycleStart string, at time.Time) (bool, error)
	// AcknowledgeEscalation sets acknowledged=true for the given cycle and bucket only.
	AcknowledgeEscalation(ctx context.Context, patientID, cycleStart string, bucket models.Bucket, action string, at time.Time) (bool, error)
	ClearEscalationState(ctx context.Context, patientID string) (bool, error)
}

// AttemptStore is the NotificationAttempt ledger keyed by idempotency key.
type AttemptStore interface {
	// ClaimAttempt marks the attempt's key as pending. It succeeds when the key is
	// new, or when the previous outcome was neither sent nor a pending claim newer
	// than staleBefore. A false return means another send owns or completed the key.
	ClaimAttempt(ctx context.Context, a models.NotificationAttempt, staleBefore time.Time) (bool, error)
	CompleteAttempt(ctx context.Context, key string, outcome models.Outcome, detail string, at time.Time) error
	GetAttempt(ctx context.Context, key string) (*models.NotificationAttempt, error)
	ListAttempts(ctx context.Context, patientID string) ([]models.NotificationAttempt, error)
}

// LogStore records qualifying clinical log events reported by the clinical service.
type LogStore interface {
	RecordLogEvent(ctx context.Context, e models.LogEvent) error
	// HasLogEventOn reports whether the patient has at least one event on the UTC day (DayKey form).
	HasLogEventOn(ctx context.Context, patientID, day string) (bool, error)
}

// AckLedger records acknowledgment tokens that have been redeemed.
type AckLedger interface {
	// RecordAcknowledgment stores the token id. It returns false if the token was
	// already redeemed.
	RecordAcknowledgment(ctx context.Context, tokenID, patientID, action string) (bool, error)
}

// Store is the complete persistence surface used by NudgePipe.
type Store interface {
	SubscriptionStore
	EscalationStore
	AttemptStore
	LogStore
	AckLedger
	JobRepo

	Ping(ctx context.Context) error
	Close() error
}

// Opts holds configuration for persistent stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryDSN selects the in-memory store.
const InMemoryDSN = ":memory:"

// DetectDSNType classifies a DSN as "postgres", "memory" or "sqlite".
func DetectDSNType(dsn string) string {
	switch {
	case dsn == InMemoryDSN:
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	default:
		return "sqlite"
	}
}

// Open builds the store matching the DSN type.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}
