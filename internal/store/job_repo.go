package store

import (
	"context"
	"time"
)

// JobStatus represents the lifecycle state of a durable job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// DefaultJobMaxAttempts bounds how often a failing job is retried.
const DefaultJobMaxAttempts = 5

// Job is a durable unit of deferred work, such as a clinician follow-up signal.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a job. A non-empty dedupeKey that was ever used before
	// returns the existing job's ID instead, making the enqueue a one-time signal.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs with run_at <= now as running and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	CompleteJob(ctx context.Context, id string) error

	// FailJob records the error and requeues the job at nextRunAt, or marks it
	// failed once max_attempts is reached.
	FailJob(ctx context.Context, id, errMsg string, nextRunAt time.Time) error

	// RequeueStaleRunningJobs resets jobs running since before staleBefore (crash recovery).
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	GetJob(ctx context.Context, id string) (*Job, error)
}
