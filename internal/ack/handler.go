package ack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/lock"
	"github.com/BTreeMap/NudgePipe/internal/models"
)

// Store is the persistence the handler writes.
type Store interface {
	RecordAcknowledgment(ctx context.Context, tokenID, patientID, action string) (bool, error)
	AcknowledgeEscalation(ctx context.Context, patientID, cycleStart string, bucket models.Bucket, action string, at time.Time) (bool, error)
}

// Result describes what an acknowledgment did.
type Result struct {
	PatientID string           `json:"patient_id"`
	Action    models.AckAction `json:"action"`
	VitalType string           `json:"vital_type,omitempty"`
	// Applied is true when an open escalation cycle was marked acknowledged.
	Applied bool `json:"applied"`
	// Replayed is true when the token had already been used.
	Replayed bool   `json:"replayed"`
	DeepLink string `json:"deep_link,omitempty"`
}

// Handler closes the loop on delivered reminders. It only ever sets the
// acknowledged flag; compliance clearing belongs to the escalation sweep.
type Handler struct {
	issuer    *Issuer
	store     Store
	locks     *lock.KeyedMutex
	appOrigin string
	now       func() time.Time
}

// NewHandler wires a handler. locks must be the same KeyedMutex the
// escalation engine uses so the two writers serialize per patient.
func NewHandler(issuer *Issuer, store Store, locks *lock.KeyedMutex, appOrigin string) *Handler {
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	return &Handler{issuer: issuer, store: store, locks: locks, appOrigin: appOrigin, now: time.Now}
}

// Acknowledge applies action for the reminder identified by token.
func (h *Handler) Acknowledge(ctx context.Context, token string, action models.AckAction) (*Result, error) {
	if !action.IsValid() {
		return nil, models.ErrInvalidAckAction
	}
	claims, err := h.issuer.Verify(token)
	if err != nil {
		return nil, err
	}
	capability := claims.Capability()
	res := &Result{PatientID: capability.PatientID, Action: action, VitalType: capability.VitalType}
	if action != models.AckActionSkip && h.appOrigin != "" {
		res.DeepLink = DeepLink(h.appOrigin, token)
	}

	unlock := h.locks.Lock(capability.PatientID)
	defer unlock()

	first, err := h.store.RecordAcknowledgment(ctx, claims.ID, capability.PatientID, string(action))
	if err != nil {
		return nil, fmt.Errorf("record acknowledgment: %w", err)
	}
	if !first {
		slog.Debug("ack.Handler.Acknowledge: token replayed", "patient_id", capability.PatientID, "action", action)
		res.Replayed = true
		return res, nil
	}

	if capability.Kind == models.AttemptKindEscalation && capability.CycleStart != "" {
		applied, err := h.store.AcknowledgeEscalation(ctx, capability.PatientID, capability.CycleStart, capability.Bucket, string(action), h.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("acknowledge escalation: %w", err)
		}
		res.Applied = applied
		if !applied {
			// The cycle was cleared or has moved on to a later bucket.
			slog.Info("ack.Handler.Acknowledge: stale reminder, state unchanged", "patient_id", capability.PatientID, "cycle_start", capability.CycleStart, "bucket", capability.Bucket)
		}
	}
	slog.Info("ack.Handler.Acknowledge: recorded", "patient_id", capability.PatientID, "action", action, "kind", capability.Kind, "applied", res.Applied)
	return res, nil
}
