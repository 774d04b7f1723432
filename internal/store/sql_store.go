package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/BTreeMap/NudgePipe/internal/util"
)

// sqlStore holds the queries shared by SQLiteStore and PostgresStore. Queries
// are written with ? placeholders and rebound to $n for Postgres.
type sqlStore struct {
	db       *sql.DB
	postgres bool
	name     string
}

func (s *sqlStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nilIfEmpty returns nil for empty strings so nullable columns store NULL.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "store", s.name)
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close database", "store", s.name, "error", err)
		return err
	}
	return nil
}

// --- subscriptions ---

func (s *sqlStore) SavePushSubscription(ctx context.Context, sub models.PushSubscription) error {
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO push_subscriptions (patient_id, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (patient_id, endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`),
		sub.PatientID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, createdAt.UTC())
	if err != nil {
		slog.Error(s.name+".SavePushSubscription failed", "error", err, "patient_id", sub.PatientID)
		return fmt.Errorf("save push subscription for %s: %w", sub.PatientID, err)
	}
	slog.Debug(s.name+".SavePushSubscription succeeded", "patient_id", sub.PatientID)
	return nil
}

func (s *sqlStore) ListPushSubscriptions(ctx context.Context, patientID string) ([]models.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT patient_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions WHERE patient_id = ? ORDER BY created_at ASC`), patientID)
	if err != nil {
		return nil, fmt.Errorf("query push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.PatientID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push subscriptions: %w", err)
	}
	return subs, nil
}

func (s *sqlStore) DeletePushSubscription(ctx context.Context, patientID, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM push_subscriptions WHERE patient_id = ? AND endpoint = ?`), patientID, endpoint)
	if err != nil {
		return false, fmt.Errorf("delete push subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug(s.name+".DeletePushSubscription", "patient_id", patientID, "deleted", n)
	return n > 0, nil
}

func (s *sqlStore) SaveWhatsAppPhone(ctx context.Context, patientID, phone string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO patient_contacts (patient_id, whatsapp_phone, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET whatsapp_phone = excluded.whatsapp_phone, updated_at = excluded.updated_at`),
		patientID, phone, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save whatsapp phone for %s: %w", patientID, err)
	}
	return nil
}

func (s *sqlStore) GetWhatsAppPhone(ctx context.Context, patientID string) (string, error) {
	var phone string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT whatsapp_phone FROM patient_contacts WHERE patient_id = ?`), patientID).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get whatsapp phone for %s: %w", patientID, err)
	}
	return phone, nil
}

func (s *sqlStore) SaveReminderPreference(ctx context.Context, pref models.ReminderPreference) error {
	updatedAt := pref.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO reminder_preferences (patient_id, vital_type, preferred_hour, enabled, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET vital_type = excluded.vital_type, preferred_hour = excluded.preferred_hour,
			enabled = excluded.enabled, updated_at = excluded.updated_at`),
		pref.PatientID, pref.VitalType, pref.PreferredHour, pref.Enabled, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save reminder preference for %s: %w", pref.PatientID, err)
	}
	return nil
}

func (s *sqlStore) GetReminderPreference(ctx context.Context, patientID string) (*models.ReminderPreference, error) {
	var p models.ReminderPreference
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT patient_id, vital_type, preferred_hour, enabled, updated_at
		FROM reminder_preferences WHERE patient_id = ?`), patientID).
		Scan(&p.PatientID, &p.VitalType, &p.PreferredHour, &p.Enabled, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder preference for %s: %w", patientID, err)
	}
	return &p, nil
}

func (s *sqlStore) ListDueReminderPreferences(ctx context.Context, hour int) ([]models.ReminderPreference, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT patient_id, vital_type, preferred_hour, enabled, updated_at
		FROM reminder_preferences WHERE preferred_hour = ? AND enabled = ? ORDER BY patient_id`), hour, true)
	if err != nil {
		return nil, fmt.Errorf("query due reminder preferences: %w", err)
	}
	defer rows.Close()

	var prefs []models.ReminderPreference
	for rows.Next() {
		var p models.ReminderPreference
		if err := rows.Scan(&p.PatientID, &p.VitalType, &p.PreferredHour, &p.Enabled, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder preferences: %w", err)
	}
	return prefs, nil
}

func (s *sqlStore) ListRosterPatientIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT patient_id FROM push_subscriptions
		UNION
		SELECT patient_id FROM patient_contacts WHERE whatsapp_phone <> ''
		UNION
		SELECT patient_id FROM reminder_preferences
		UNION
		SELECT patient_id FROM escalation_states
		ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return ids, nil
}

// --- escalation states ---

const escalationColumns = `patient_id, cycle_start_date, current_bucket, last_sent_at, acknowledged, ack_action,
	acknowledged_at, exhausted_at, channel_attempts, created_at, updated_at`

func scanEscalationState(row rowScanner) (*models.EscalationState, error) {
	var st models.EscalationState
	var bucket int
	var lastSentAt, acknowledgedAt, exhaustedAt sql.NullTime
	var attemptsJSON string
	err := row.Scan(&st.PatientID, &st.CycleStartDate, &bucket, &lastSentAt, &st.Acknowledged, &st.AckAction,
		&acknowledgedAt, &exhaustedAt, &attemptsJSON, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.CurrentBucket = models.Bucket(bucket)
	if lastSentAt.Valid {
		st.LastSentAt = &lastSentAt.Time
	}
	if acknowledgedAt.Valid {
		st.AcknowledgedAt = &acknowledgedAt.Time
	}
	if exhaustedAt.Valid {
		st.ExhaustedAt = &exhaustedAt.Time
	}
	st.ChannelAttempts = decodeOutcomes(attemptsJSON, st.PatientID)
	return &st, nil
}

func decodeOutcomes(raw, patientID string) map[models.Channel]models.Outcome {
	out := make(map[models.Channel]models.Outcome)
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// Continue with an empty map rather than failing the sweep
		slog.Warn("store: undecodable channel_attempts", "patient_id", patientID, "error", err)
		return make(map[models.Channel]models.Outcome)
	}
	return out
}

func encodeOutcomes(m map[models.Channel]models.Outcome) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *sqlStore) GetEscalationState(ctx context.Context, patientID string) (*models.EscalationState, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+escalationColumns+` FROM escalation_states WHERE patient_id = ?`), patientID)
	st, err := scanEscalationState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation state for %s: %w", patientID, err)
	}
	return st, nil
}

func (s *sqlStore) CreateEscalationState(ctx context.Context, st models.EscalationState) (bool, error) {
	attempts, err := encodeOutcomes(st.ChannelAttempts)
	if err != nil {
		return false, fmt.Errorf("encode channel attempts: %w", err)
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = st.CreatedAt
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO escalation_states (patient_id, cycle_start_date, current_bucket, acknowledged, ack_action, channel_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?)
		ON CONFLICT (patient_id) DO NOTHING`),
		st.PatientID, st.CycleStartDate, int(st.CurrentBucket), false, attempts, st.CreatedAt.UTC(), st.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("create escalation state for %s: %w", st.PatientID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) AdvanceEscalation(ctx context.Context, patientID, cycleStart string, to models.Bucket, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE escalation_states
		SET current_bucket = ?, acknowledged = ?, ack_action = '', acknowledged_at = NULL, channel_attempts = '{}', updated_at = ?
		WHERE patient_id = ? AND cycle_start_date = ? AND current_bucket < ? AND exhausted_at IS NULL`),
		int(to), false, at.UTC(), patientID, cycleStart, int(to))
	if err != nil {
		return false, fmt.Errorf("advance escalation for %s: %w", patientID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) RecordChannelOutcome(ctx context.Context, patientID, cycleStart string, ch models.Channel, outcome models.Outcome, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin channel outcome tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT channel_attempts FROM escalation_states WHERE patient_id = ? AND cycle_start_date = ?`
	if s.postgres {
		query += ` FOR UPDATE`
	}
	var raw string
	err = tx.QueryRowContext(ctx, s.q(query), patientID, cycleStart).Scan(&raw)
	if err == sql.ErrNoRows {
		// Cycle cleared concurrently; compliance wins.
		return nil
	}
	if err != nil {
		return fmt.Errorf("read channel attempts for %s: %w", patientID, err)
	}
	attempts := decodeOutcomes(raw, patientID)
	attempts[ch] = outcome
	encoded, err := encodeOutcomes(attempts)
	if err != nil {
		return fmt.Errorf("encode channel attempts: %w", err)
	}

	if outcome == models.OutcomeSent {
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE escalation_states SET channel_attempts = ?, last_sent_at = ?, updated_at = ?
			WHERE patient_id = ? AND cycle_start_date = ?`), encoded, at.UTC(), at.UTC(), patientID, cycleStart)
	} else {
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE escalation_states SET channel_attempts = ?, updated_at = ?
			WHERE patient_id = ? AND cycle_start_date = ?`), encoded, at.UTC(), patientID, cycleStart)
	}
	if err != nil {
		return fmt.Errorf("update channel attempts for %s: %w", patientID, err)
	}
	return tx.Commit()
}

func (s *sqlStore) MarkEscalationExhausted(ctx context.Context, patientID, cycleStart string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE escalation_states SET exhausted_at = ?, updated_at = ?
		WHERE patient_id = ? AND cycle_start_date = ? AND exhausted_at IS NULL`),
		at.UTC(), at.UTC(), patientID, cycleStart)
	if err != nil {
		return false, fmt.Errorf("mark escalation exhausted for %s: %w", patientID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) AcknowledgeEscalation(ctx context.Context, patientID, cycleStart string, bucket models.Bucket, action string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE escalation_states SET acknowledged = ?, ack_action = ?, acknowledged_at = ?, updated_at = ?
		WHERE patient_id = ? AND cycle_start_date = ? AND current_bucket = ?`),
		true, action, at.UTC(), at.UTC(), patientID, cycleStart, int(bucket))
	if err != nil {
		return false, fmt.Errorf("acknowledge escalation for %s: %w", patientID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ClearEscalationState(ctx context.Context, patientID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM escalation_states WHERE patient_id = ?`), patientID)
	if err != nil {
		return false, fmt.Errorf("clear escalation state for %s: %w", patientID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- attempts ---

func (s *sqlStore) ClaimAttempt(ctx context.Context, a models.NotificationAttempt, staleBefore time.Time) (bool, error) {
	at := a.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO notification_attempts (idempotency_key, patient_id, kind, channel, payload_id, outcome, detail, attempted_at)
		VALUES (?, ?, ?, ?, ?, 'pending', '', ?)
		ON CONFLICT (idempotency_key) DO UPDATE SET outcome = 'pending', detail = '',
			payload_id = excluded.payload_id, attempted_at = excluded.attempted_at
		WHERE notification_attempts.outcome NOT IN ('sent', 'pending')
			OR (notification_attempts.outcome = 'pending' AND notification_attempts.attempted_at < ?)`),
		a.IdempotencyKey, a.PatientID, string(a.Kind), string(a.Channel), a.PayloadID, at.UTC(), staleBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("claim attempt %s: %w", a.IdempotencyKey, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) CompleteAttempt(ctx context.Context, key string, outcome models.Outcome, detail string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE notification_attempts SET outcome = ?, detail = ?, attempted_at = ? WHERE idempotency_key = ?`),
		string(outcome), detail, at.UTC(), key)
	if err != nil {
		return fmt.Errorf("complete attempt %s: %w", key, err)
	}
	return nil
}

const attemptColumns = `idempotency_key, patient_id, kind, channel, payload_id, outcome, detail, attempted_at`

func scanAttempt(row rowScanner) (*models.NotificationAttempt, error) {
	var a models.NotificationAttempt
	var kind, channel, outcome string
	if err := row.Scan(&a.IdempotencyKey, &a.PatientID, &kind, &channel, &a.PayloadID, &outcome, &a.Detail, &a.Timestamp); err != nil {
		return nil, err
	}
	a.Kind = models.AttemptKind(kind)
	a.Channel = models.Channel(channel)
	a.Outcome = models.Outcome(outcome)
	return &a, nil
}

func (s *sqlStore) GetAttempt(ctx context.Context, key string) (*models.NotificationAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, s.q(`SELECT `+attemptColumns+` FROM notification_attempts WHERE idempotency_key = ?`), key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt %s: %w", key, err)
	}
	return a, nil
}

func (s *sqlStore) ListAttempts(ctx context.Context, patientID string) ([]models.NotificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+attemptColumns+` FROM notification_attempts WHERE patient_id = ? ORDER BY idempotency_key`), patientID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []models.NotificationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// --- log events and acknowledgments ---

func (s *sqlStore) RecordLogEvent(ctx context.Context, e models.LogEvent) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO log_events (patient_id, kind, log_day, logged_at) VALUES (?, ?, ?, ?)`),
		e.PatientID, e.Kind, models.DayKey(e.LoggedAt), e.LoggedAt.UTC())
	if err != nil {
		return fmt.Errorf("record log event for %s: %w", e.PatientID, err)
	}
	return nil
}

func (s *sqlStore) HasLogEventOn(ctx context.Context, patientID, day string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM log_events WHERE patient_id = ? AND log_day = ? LIMIT 1`), patientID, day).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check log events for %s: %w", patientID, err)
	}
	return true, nil
}

func (s *sqlStore) RecordAcknowledgment(ctx context.Context, tokenID, patientID, action string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO acknowledgments (token_id, patient_id, action, received_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (token_id) DO NOTHING`), tokenID, patientID, action, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record acknowledgment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- jobs ---

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	var status string
	err := row.Scan(&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.Status = JobStatus(status)
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

func (s *sqlStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		if id, err := s.jobIDByDedupeKey(ctx, dedupeKey); err != nil || id != "" {
			return id, err
		}
	}
	id := util.GenerateJobID()
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`),
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && dedupeKey != "" {
		// Lost a race with a concurrent enqueue of the same key.
		return s.jobIDByDedupeKey(ctx, dedupeKey)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) jobIDByDedupeKey(ctx context.Context, dedupeKey string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id FROM jobs WHERE dedupe_key = ?`), dedupeKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dedupe check failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", id)
	return id, nil
}

func (s *sqlStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if s.postgres {
		return s.claimDueJobsSkipLocked(ctx, now, limit)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}

	lockedAt := now.UTC()
	for i := range jobs {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`, lockedAt, lockedAt, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &lockedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) claimDueJobsSkipLocked(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
			ORDER BY run_at ASC LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id, errMsg string, nextRunAt time.Time) error {
	now := time.Now().UTC()
	var attempt, maxAttempts int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`), id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}
	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.ExecContext(ctx, s.q(`
			UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, now, id)
	} else {
		_, err = s.db.ExecContext(ctx, s.q(`
			UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			attempt, errMsg, nextRunAt.UTC(), now, id)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`),
		time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
