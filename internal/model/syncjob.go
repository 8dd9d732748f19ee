package model

import "time"

// JobKind distinguishes operator-requested and timer-driven sync jobs.
type JobKind string

const (
	JobManual    JobKind = "manual"
	JobAutomatic JobKind = "automatic"
)

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job has finished.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// SyncResult counts what a reconciliation run changed.
type SyncResult struct {
	Processed  int      `json:"processed"`
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	Unchanged  int      `json:"unchanged"`
	Errors     []string `json:"errors,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// SyncJob is a scheduled or manual reconciliation task.
type SyncJob struct {
	ID            string      `json:"id"`
	EmployerTaxID string      `json:"employer_tax_id"`
	EmployerID    string      `json:"employer_id"`
	Kind          JobKind     `json:"kind"`
	Status        JobStatus   `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
	Error         string      `json:"error,omitempty"`
	Result        *SyncResult `json:"result,omitempty"`
}

// SchedulerStats summarizes the job table.
type SchedulerStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	FreeSlots int `json:"free_slots"`
}
