package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// JobKindClinicianFollowup is the durable job emitted when a cycle is exhausted.
const JobKindClinicianFollowup = "clinician_followup"

// FollowupPayload is the body of the clinician follow-up signal.
type FollowupPayload struct {
	PatientID      string    `json:"patient_id"`
	CycleStartDate string    `json:"cycle_start_date"`
	ExhaustedAt    time.Time `json:"exhausted_at"`
}

func followupDedupeKey(patientID, cycleStart string) string {
	return "followup:" + patientID + ":" + cycleStart
}

func (e *Engine) enqueueFollowup(ctx context.Context, state *models.EscalationState, at time.Time) error {
	body, err := json.Marshal(FollowupPayload{PatientID: state.PatientID, CycleStartDate: state.CycleStartDate, ExhaustedAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("encode follow-up: %w", err)
	}
	id, err := e.store.EnqueueJob(ctx, JobKindClinicianFollowup, e.now().UTC(), string(body), followupDedupeKey(state.PatientID, state.CycleStartDate))
	if err != nil {
		return fmt.Errorf("enqueue follow-up: %w", err)
	}
	slog.Debug("Engine.enqueueFollowup", "patient_id", state.PatientID, "job_id", id)
	return nil
}

// FollowupNotifier delivers follow-up jobs to the clinician-facing webhook.
type FollowupNotifier struct {
	http *resty.Client
	url  string
}

// NewFollowupNotifier returns a notifier posting to webhookURL. An empty URL
// makes Handle log the signal and succeed.
func NewFollowupNotifier(webhookURL string, timeout time.Duration) *FollowupNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if webhookURL == "" {
		slog.Info("escalation.NewFollowupNotifier: no webhook configured, follow-ups will only be logged")
	}
	return &FollowupNotifier{
		http: resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		url:  webhookURL,
	}
}

// Handle is a store.JobHandler for JobKindClinicianFollowup. A returned error
// makes the job runner retry with backoff.
func (f *FollowupNotifier) Handle(ctx context.Context, payload string) error {
	var p FollowupPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		// A malformed payload never becomes valid; retrying is pointless.
		slog.Error("FollowupNotifier.Handle: dropping malformed payload", "error", err)
		return nil
	}
	if f.url == "" {
		slog.Warn("FollowupNotifier.Handle: patient needs clinician follow-up", "patient_id", p.PatientID, "cycle_start", p.CycleStartDate, "exhausted_at", p.ExhaustedAt)
		return nil
	}
	resp, err := f.http.R().SetContext(ctx).SetBody(p).Post(f.url)
	if err != nil {
		return fmt.Errorf("post follow-up for %s: %w", p.PatientID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("follow-up webhook returned status %d for %s", resp.StatusCode(), p.PatientID)
	}
	slog.Info("FollowupNotifier.Handle: delivered", "patient_id", p.PatientID, "cycle_start", p.CycleStartDate)
	return nil
}
