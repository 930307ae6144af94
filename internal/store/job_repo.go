// Package store provides the JobRepo interface and model for the
// administrative job queue.
package store

import (
	"time"
)

// JobStatus represents the lifecycle state of an administrative job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job kinds understood by the control runner.
const (
	JobKindPing            = "ping"
	JobKindSendText        = "send-text"
	JobKindRunSchedulerNow = "run-scheduler-now"
	JobKindReportState     = "report-state"
)

// Job is one out-of-band operational command. Each job is executed at most
// once; its outcome lands in Result or LastError.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Result      string     `json:"result"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines durable persistence for the administrative job queue.
type JobRepo interface {
	// EnqueueJob inserts a new queued job and returns its ID.
	EnqueueJob(kind string, payloadJSON string) (string, error)

	// ClaimQueuedJobs marks up to limit queued jobs as running and returns
	// them. A claimed job is never handed out again.
	ClaimQueuedJobs(now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done and records its result.
	CompleteJob(id, result string) error

	// FailJob marks a job as permanently failed with the error message.
	FailJob(id, errMsg string) error

	// RequeueStaleRunningJobs resets jobs stuck in running since before
	// staleBefore back to queued (crash recovery at startup).
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID. Returns nil when absent.
	GetJob(id string) (*Job, error)
}
