package jobstore

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of an orchestrated job.
//
// NOTE: These values are persisted in the store and are part of the stable
// on-disk contract.
type JobState string

const (
	StateQueued    JobState = "QUEUED"
	StateRunning   JobState = "RUNNING"
	StateSucceeded JobState = "SUCCEEDED"
	StateFailed    JobState = "FAILED"
	StateAborted   JobState = "ABORTED"
	StateOrphaned  JobState = "ORPHANED"
	StateRejected  JobState = "REJECTED"
)

// ErrorKind classifies terminal failures with a stable tag that external
// tooling can branch on.
type ErrorKind string

const (
	KindSpecParseError     ErrorKind = "SpecParseError"
	KindUnknownHandler     ErrorKind = "UnknownHandler"
	KindValidationError    ErrorKind = "ValidationError"
	KindProcessStartFailed ErrorKind = "ProcessStartFailed"
	KindExecutionError     ErrorKind = "ExecutionError"
	KindHeartbeatTimeout   ErrorKind = "HeartbeatTimeout"
	KindAbortRequested     ErrorKind = "AbortRequested"
)

// ErrorDetails is the structured failure payload stored on non-success
// terminal states.
type ErrorDetails struct {
	Kind           ErrorKind `json:"kind"`
	Message        string    `json:"message"`
	PID            int       `json:"pid,omitempty"`
	Trace          string    `json:"trace,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	ProcessMissing bool      `json:"process_missing,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// JobRecord is the persistent record for one submitted job.
type JobRecord struct {
	JobID          string          `json:"job_id"`
	JobType        string          `json:"job_type"`
	Spec           json.RawMessage `json:"spec,omitempty"`
	State          JobState        `json:"state"`
	StateReason    string          `json:"state_reason,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ParamsHash     string          `json:"params_hash,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	WorkerID       string          `json:"worker_id,omitempty"`
	WorkerPID      int             `json:"worker_pid,omitempty"`
	LastHeartbeat  *time.Time      `json:"last_heartbeat,omitempty"`
	AbortRequested bool            `json:"abort_requested"`
	Progress       float64         `json:"progress,omitempty"`
	Phase          string          `json:"phase,omitempty"`
	ErrorDetails   *ErrorDetails   `json:"error_details,omitempty"`
}

// HeartbeatAge reports how long ago the job last heartbeat, or zero when the
// job has never heartbeat.
func (r *JobRecord) HeartbeatAge(now time.Time) time.Duration {
	if r.LastHeartbeat == nil {
		return 0
	}
	age := now.Sub(*r.LastHeartbeat)
	if age < 0 {
		return 0
	}
	return age
}

// WorkerStatus is the lifecycle state of a spawned worker process.
type WorkerStatus string

const (
	WorkerIdle   WorkerStatus = "IDLE"
	WorkerBusy   WorkerStatus = "BUSY"
	WorkerExited WorkerStatus = "EXITED"
)

// WorkerRecord represents one OS process spawned by the supervisor. A worker
// record is never reused once the process is reaped.
type WorkerRecord struct {
	WorkerID     string       `json:"worker_id"`
	PID          int          `json:"pid"`
	CurrentJobID string       `json:"current_job_id,omitempty"`
	Status       WorkerStatus `json:"status"`
	SpawnedAt    time.Time    `json:"spawned_at"`
	ExitedAt     *time.Time   `json:"exited_at,omitempty"`
	Hostname     string       `json:"hostname,omitempty"`
	RSSBytes     int64        `json:"rss_bytes,omitempty"`
	Goroutines   int          `json:"goroutines,omitempty"`
}

// NewJob carries the fields needed to insert a job record. InitialState must
// be StateQueued or StateRejected; every later state is reached through the
// MarkX transition operations.
type NewJob struct {
	JobType      string
	Spec         json.RawMessage
	ParamsHash   string
	InitialState JobState
	StateReason  string
}
