package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/util"
)

// InMemoryStore keeps everything in process memory. It is used by tests and
// when NudgePipe runs without a database.
type InMemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]map[string]models.PushSubscription // patient -> endpoint -> sub
	phones        map[string]string
	preferences   map[string]models.ReminderPreference
	escalations   map[string]models.EscalationState
	attempts      map[string]models.NotificationAttempt
	logDays       map[string]map[string]bool // patient -> day -> logged
	acks          map[string]bool
	jobs          map[string]*Job
	jobDedupe     map[string]string
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		subscriptions: make(map[string]map[string]models.PushSubscription),
		phones:        make(map[string]string),
		preferences:   make(map[string]models.ReminderPreference),
		escalations:   make(map[string]models.EscalationState),
		attempts:      make(map[string]models.NotificationAttempt),
		logDays:       make(map[string]map[string]bool),
		acks:          make(map[string]bool),
		jobs:          make(map[string]*Job),
		jobDedupe:     make(map[string]string),
	}
}

func (s *InMemoryStore) SavePushSubscription(_ context.Context, sub models.PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySub, ok := s.subscriptions[sub.PatientID]
	if !ok {
		bySub = make(map[string]models.PushSubscription)
		s.subscriptions[sub.PatientID] = bySub
	}
	if existing, ok := bySub[sub.Endpoint]; ok {
		sub.CreatedAt = existing.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	bySub[sub.Endpoint] = sub
	return nil
}

func (s *InMemoryStore) ListPushSubscriptions(_ context.Context, patientID string) ([]models.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []models.PushSubscription
	for _, sub := range s.subscriptions[patientID] {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

func (s *InMemoryStore) DeletePushSubscription(_ context.Context, patientID, endpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[patientID][endpoint]; !ok {
		return false, nil
	}
	delete(s.subscriptions[patientID], endpoint)
	return true, nil
}

func (s *InMemoryStore) SaveWhatsAppPhone(_ context.Context, patientID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones[patientID] = phone
	return nil
}

func (s *InMemoryStore) GetWhatsAppPhone(_ context.Context, patientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phones[patientID], nil
}

func (s *InMemoryStore) SaveReminderPreference(_ context.Context, pref models.ReminderPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now().UTC()
	}
	s.preferences[pref.PatientID] = pref
	return nil
}

func (s *InMemoryStore) GetReminderPreference(_ context.Context, patientID string) (*models.ReminderPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pref, ok := s.preferences[patientID]
	if !ok {
		return nil, nil
	}
	return &pref, nil
}

func (s *InMemoryStore) ListDueReminderPreferences(_ context.Context, hour int) ([]models.ReminderPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.ReminderPreference
	for _, pref := range s.preferences {
		if pref.Enabled && pref.PreferredHour == hour {
			due = append(due, pref)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].PatientID < due[j].PatientID })
	return due, nil
}

func (s *InMemoryStore) ListRosterPatientIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for id, subs := range s.subscriptions {
		if len(subs) > 0 {
			seen[id] = true
		}
	}
	for id, phone := range s.phones {
		if phone != "" {
			seen[id] = true
		}
	}
	for id := range s.preferences {
		seen[id] = true
	}
	for id := range s.escalations {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) GetEscalationState(_ context.Context, patientID string) (*models.EscalationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.escalations[patientID]
	if !ok {
		return nil, nil
	}
	st.ChannelAttempts = copyOutcomes(st.ChannelAttempts)
	return &st, nil
}

func (s *InMemoryStore) CreateEscalationState(_ context.Context, state models.EscalationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escalations[state.PatientID]; ok {
		return false, nil
	}
	state.ChannelAttempts = copyOutcomes(state.ChannelAttempts)
	s.escalations[state.PatientID] = state
	return true, nil
}

func (s *InMemoryStore) AdvanceEscalation(_ context.Context, patientID, cycleStart string, to models.Bucket, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.escalations[patientID]
	if !ok || st.CycleStartDate != cycleStart || st.ExhaustedAt != nil || st.CurrentBucket >= to {
		return false, nil
	}
	st.CurrentBucket = to
	st.Acknowledged = false
	st.AckAction = ""
	st.AcknowledgedAt = nil
	st.ChannelAttempts = nil
	st.UpdatedAt = at
	s.escalations[patientID] = st
	return true, nil
}

func (s *InMemoryStore) RecordChannelOutcome(_ context.Context, patientID, cycleStart string, ch models.Channel, outcome models.Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.escalations[patientID]
	if !ok || st.CycleStartDate != cycleStart {
		return nil
	}
	st.ChannelAttempts = copyOutcomes(st.ChannelAttempts)
	st.ChannelAttempts[ch] = outcome
	if outcome == models.OutcomeSent {
		t := at
		st.LastSentAt = &t
	}
	st.UpdatedAt = at
	s.escalations[patientID] = st
	return nil
}

func (s *InMemoryStore) MarkEscalationExhausted(_ context.Context, patientID, cycleStart string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.escalations[patientID]
	if !ok || st.CycleStartDate != cycleStart || st.ExhaustedAt != nil {
		return false, nil
	}
	t := at
	st.ExhaustedAt = &t
	st.UpdatedAt = at
	s.escalations[patientID] = st
	return true, nil
}

func (s *InMemoryStore) AcknowledgeEscalation(_ context.Context, patientID, cycleStart string, bucket models.Bucket, action string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.escalations[patientID]
	if !ok || st.CycleStartDate != cycleStart || st.CurrentBucket != bucket {
		return false, nil
	}
	t := at
	st.Acknowledged = true
	st.AckAction = action
	st.AcknowledgedAt = &t
	st.UpdatedAt = at
	s.escalations[patientID] = st
	return true, nil
}

func (s *InMemoryStore) ClearEscalationState(_ context.Context, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escalations[patientID]; !ok {
		return false, nil
	}
	delete(s.escalations, patientID)
	return true, nil
}

func (s *InMemoryStore) ClaimAttempt(_ context.Context, a models.NotificationAttempt, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.attempts[a.IdempotencyKey]; ok {
		if prev.Outcome == models.OutcomeSent {
			return false, nil
		}
		if prev.Outcome == models.OutcomePending && !prev.Timestamp.Before(staleBefore) {
			return false, nil
		}
	}
	a.Outcome = models.OutcomePending
	a.Detail = ""
	s.attempts[a.IdempotencyKey] = a
	return true, nil
}

func (s *InMemoryStore) CompleteAttempt(_ context.Context, key string, outcome models.Outcome, detail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		return nil
	}
	a.Outcome = outcome
	a.Detail = detail
	a.Timestamp = at
	s.attempts[key] = a
	return nil
}

func (s *InMemoryStore) GetAttempt(_ context.Context, key string) (*models.NotificationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *InMemoryStore) ListAttempts(_ context.Context, patientID string) ([]models.NotificationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NotificationAttempt
	for _, a := range s.attempts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out, nil
}

func (s *InMemoryStore) RecordLogEvent(_ context.Context, e models.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	days, ok := s.logDays[e.PatientID]
	if !ok {
		days = make(map[string]bool)
		s.logDays[e.PatientID] = days
	}
	days[models.DayKey(e.LoggedAt)] = true
	return nil
}

func (s *InMemoryStore) HasLogEventOn(_ context.Context, patientID, day string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logDays[patientID][day], nil
}

func (s *InMemoryStore) RecordAcknowledgment(_ context.Context, tokenID, _ string, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acks[tokenID] {
		return false, nil
	}
	s.acks[tokenID] = true
	return true, nil
}

func (s *InMemoryStore) EnqueueJob(_ context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		if id, ok := s.jobDedupe[dedupeKey]; ok {
			return id, nil
		}
	}
	now := time.Now().UTC()
	j := &Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	if dedupeKey != "" {
		s.jobDedupe[dedupeKey] = j.ID
	}
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		t := now
		j.Status = JobStatusRunning
		j.LockedAt = &t
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusDone
		j.LockedAt = nil
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) FailJob(_ context.Context, id, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
		return nil
	}
	j.Status = JobStatusQueued
	j.RunAt = nextRunAt
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func copyOutcomes(in map[models.Channel]models.Outcome) map[models.Channel]models.Outcome {
	out := make(map[models.Channel]models.Outcome, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
