package models

import "time"

// JobStatus is the lifecycle state of a single compute job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusSubmitted JobStatus = "SUBMITTED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Error codes recorded on failed jobs.
const (
	JobErrorSubmitFailed    = "SUBMIT_FAILED"
	JobErrorBuildFailed     = "BUILD_FAILED"
	JobErrorExecutionFailed = "EXECUTION_FAILED"
	JobErrorTimeout         = "JOB_TIMEOUT"
	JobErrorCancelled       = "CANCELLED"
)

// JobRecord tracks one compute job of a workflow. The (WorkflowID, JobID) pair is
// unique and JobID is derived from phase and chromosome, so resubmitting the same
// plan lands on the same records.
type JobRecord struct {
	WorkflowID  string     `db:"workflow_id"  json:"workflow_id"`
	JobID       string     `db:"job_id"       json:"job_id"`
	Phase       Phase      `db:"phase"        json:"phase"`
	Chromosome  string     `db:"chromosome"   json:"chromosome,omitempty"`
	Command     string     `db:"command"      json:"command"`
	Status      JobStatus  `db:"status"       json:"status"`
	ExternalID  string     `db:"external_id"  json:"external_id,omitempty"`
	ErrorCode   string     `db:"error_code"   json:"error_code,omitempty"`
	ErrorDetail *string    `db:"error_detail" json:"error_detail,omitempty"`
	SubmittedAt *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}
