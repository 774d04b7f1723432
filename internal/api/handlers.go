package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/ack"
	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/whatsapp"
)

// HeaderCronSecret carries the shared trigger secret.
const HeaderCronSecret = "x-cron-secret"

// HeaderPatientID carries the identity asserted by the upstream auth layer.
const HeaderPatientID = "X-Patient-ID"

type contextKey string

// ContextKeyPatientID holds the authenticated patient id on /me requests.
const ContextKeyPatientID contextKey = "patient_id"

// requirePatient rejects /me requests that arrive without an identity.
func (s *Server) requirePatient(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		patientID := strings.TrimSpace(r.Header.Get(HeaderPatientID))
		if patientID == "" {
			slog.Warn("Server.requirePatient: missing patient identity", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing patient identity"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ContextKeyPatientID, patientID)))
	})
}

func patientFrom(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyPatientID).(string)
	return id
}

// routinePushHandler handles POST /internal/send-routine-pushes. A wrong or
// missing secret yields the same 200 no-op summary as a disabled trigger.
func (s *Server) routinePushHandler(w http.ResponseWriter, r *http.Request) {
	// The run must not die with the caller's connection.
	ctx := context.WithoutCancel(r.Context())
	summary := s.triggers.RoutinePush(ctx, r.Header.Get(HeaderCronSecret))
	writeJSONResponse(w, http.StatusOK, summary)
}

// escalationSweepHandler handles POST /internal/process-reminder-escalations.
func (s *Server) escalationSweepHandler(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	summary := s.triggers.EscalationSweep(ctx, r.Header.Get(HeaderCronSecret))
	writeJSONResponse(w, http.StatusOK, summary)
}

// logEventHandler handles POST /internal/log-events from the clinical service.
func (s *Server) logEventHandler(w http.ResponseWriter, r *http.Request) {
	if !s.triggers.Authorized(r.Header.Get(HeaderCronSecret)) {
		slog.Warn("Server.logEventHandler: unauthorized")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return
	}
	var e models.LogEvent
	if err := decodeJSON(w, r, &e); err != nil {
		slog.Warn("Server.logEventHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if e.LoggedAt.IsZero() {
		e.LoggedAt = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.RecordLogEvent(r.Context(), e); err != nil {
		slog.Error("Server.logEventHandler: failed to record log event", "patient_id", e.PatientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record log event"))
		return
	}
	slog.Debug("Server.logEventHandler: recorded", "patient_id", e.PatientID, "kind", e.Kind)
	writeJSONResponse(w, http.StatusCreated, models.Recorded(nil))
}

type subscribeRequest struct {
	Subscription struct {
		Endpoint string          `json:"endpoint"`
		Keys     models.PushKeys `json:"keys"`
	} `json:"subscription"`
}

// subscribeHandler handles POST /me/push-subscribe.
func (s *Server) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	patientID := patientFrom(r)
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.subscribeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	sub := models.PushSubscription{
		PatientID: patientID,
		Endpoint:  req.Subscription.Endpoint,
		Keys:      req.Subscription.Keys,
		CreatedAt: time.Now().UTC(),
	}
	if err := sub.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SavePushSubscription(r.Context(), sub); err != nil {
		slog.Error("Server.subscribeHandler: failed to save subscription", "patient_id", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save subscription"))
		return
	}
	slog.Info("Server.subscribeHandler: subscription saved", "patient_id", patientID)
	writeJSONResponse(w, http.StatusCreated, models.Recorded(map[string]bool{"subscribed": true}))
}

// subscriptionStatusHandler handles GET /me/push-subscribe. The body is the
// bare {subscribed} object the client expects.
func (s *Server) subscriptionStatusHandler(w http.ResponseWriter, r *http.Request) {
	patientID := patientFrom(r)
	subs, err := s.st.ListPushSubscriptions(r.Context(), patientID)
	if err != nil {
		slog.Error("Server.subscriptionStatusHandler: lookup failed", "patient_id", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read subscriptions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"subscribed": len(subs) > 0})
}

// unsubscribeHandler handles DELETE /me/push-subscribe.
func (s *Server) unsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	patientID := patientFrom(r)
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeJSON(w, r, &req); err != nil || req.Endpoint == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyEndpoint.Error()))
		return
	}
	deleted, err := s.st.DeletePushSubscription(r.Context(), patientID, req.Endpoint)
	if err != nil {
		slog.Error("Server.unsubscribeHandler: delete failed", "patient_id", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete subscription"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]bool{"deleted": deleted}))
}

type preferenceRequest struct {
	VitalType     string `json:"vital_type"`
	PreferredHour *int   `json:"preferred_hour"`
	Enabled       bool   `json:"enabled"`
}

// savePreferenceHandler handles PUT /me/reminder-preference.
func (s *Server) savePreferenceHandler(w http.ResponseWriter, r *http.Request) {
	patientID := patientFrom(r)
	var req preferenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PreferredHour == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidHour.Error()))
		return
	}
	pref := models.ReminderPreference{
		PatientID:     patientID,
		VitalType:     req.VitalType,
		PreferredHour: *req.PreferredHour,
		Enabled:       req.Enabled,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := pref.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveReminderPreference(r.Context(), pref); err != nil {
		slog.Error("Server.savePreferenceHandler: save failed", "patient_id", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save preference"))
		return
	}
	slog.Info("Server.savePreferenceHandler: preference saved", "patient_id", patientID, "hour", pref.PreferredHour, "enabled", pref.Enabled)
	writeJSONResponse(w, http.StatusOK, models.Success(pref))
}

// getPreferenceHandler handles GET /me/reminder-preference.
func (s *Server) getPreferenceHandler(w http.ResponseWriter, r *http.Request) {
	patientID := patientFrom(r)
	pref, err := s.st.GetReminderPreference(r.Context(), patientID)
	if err != nil {
		slog.Error("Server.getPreferenceHandler: lookup failed", "patient_id", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read preference"))
		return
	}
	if pref == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No reminder preference set"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pref))
}

// saveWhatsAppHandler handles PUT /me/whatsapp. An empty phone removes the number.
func (s *Server) saveWhatsAppHandler(w http.ResponseWriter, r *http.Request) {
	patientID := patientFrom(r)
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone := ""
	if strings.TrimSpace(req.Phone) != "" {
		canonical, err := whatsapp.CanonicalizePhone(req.Phone)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		phone = canonical
	}
	if err := s.st.SaveWhatsAppPhone(r.Context(), patientID, phone); err != nil {
		slog.Error("Server.saveWhatsAppHandler: save failed", "patient_id", patientID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save phone number"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"phone": phone}))
}

type ackRequest struct {
	Token  string           `json:"token"`
	Action models.AckAction `json:"action"`
}

// ackHandler handles POST /notifications/ack.
func (s *Server) ackHandler(w http.ResponseWriter, r *http.Request) {
	if s.acks == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Acknowledgments not configured"))
		return
	}
	var req ackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.acks.Acknowledge(r.Context(), req.Token, req.Action)
	if err != nil {
		s.writeAckError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// openHandler handles GET /notifications/open, the implicit acknowledgment
// of a reminder whose deep link opened the app.
func (s *Server) openHandler(w http.ResponseWriter, r *http.Request) {
	if s.acks == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Acknowledgments not configured"))
		return
	}
	res, err := s.acks.Acknowledge(r.Context(), r.URL.Query().Get("log_token"), models.AckActionOpen)
	if err != nil {
		s.writeAckError(w, err)
		return
	}
	if res.DeepLink == "" {
		writeJSONResponse(w, http.StatusOK, models.Success(res))
		return
	}
	http.Redirect(w, r, res.DeepLink, http.StatusFound)
}

func (s *Server) writeAckError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidAckAction):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, ack.ErrInvalidToken):
		slog.Warn("Server.writeAckError: rejected token", "error", err)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error(ack.ErrInvalidToken.Error()))
	default:
		slog.Error("Server.writeAckError: acknowledgment failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record acknowledgment"))
	}
}

type healthResponse struct {
	Status   string          `json:"status"`
	Store    string          `json:"store"`
	Triggers bool            `json:"triggers"`
	Channels map[string]bool `json:"channels"`
}

// healthHandler handles GET /healthz. Only an unreachable store is unhealthy;
// missing channels are configuration, not failure.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Store: "ok", Triggers: s.triggers.Enabled(), Channels: map[string]bool{}}
	for name, ch := range s.channels {
		resp.Channels[name] = ch.Available()
	}
	status := http.StatusOK
	if err := s.st.Ping(ctx); err != nil {
		slog.Error("Server.healthHandler: store unreachable", "error", err)
		resp.Status = "degraded"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}
