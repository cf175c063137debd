package models

import "time"

// WorkflowStatus is the lifecycle state of a WorkflowRun.
type WorkflowStatus string

const (
	WorkflowStatusInitialized     WorkflowStatus = "INITIALIZED"
	WorkflowStatusCalculatingJobs WorkflowStatus = "CALCULATING_JOBS"
	WorkflowStatusRunningPhase1   WorkflowStatus = "RUNNING_PHASE_1"
	WorkflowStatusRunningPhase2   WorkflowStatus = "RUNNING_PHASE_2"
	WorkflowStatusCompleted       WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed          WorkflowStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusInitialized, WorkflowStatusCalculatingJobs,
		WorkflowStatusRunningPhase1, WorkflowStatusRunningPhase2,
		WorkflowStatusCompleted, WorkflowStatusFailed:
		return true
	}
	return false
}

// Phase identifies one of the two analysis steps.
type Phase int

const (
	// Phase1 fits the whole-genome prediction model.
	Phase1 Phase = 1
	// Phase2 runs per-chromosome association tests against the phase 1 predictions.
	Phase2 Phase = 2
)

func (p Phase) Valid() bool {
	return p == Phase1 || p == Phase2
}

// WorkflowRun is the durable record of one two-phase analysis.
// Status transitions are owned by the orchestrator; JobStats is only ever
// changed through atomic increments.
type WorkflowRun struct {
	ID                string          `db:"workflow_id"         json:"workflow_id"`
	Status            WorkflowStatus  `db:"status"              json:"status"`
	StartPhase        Phase           `db:"start_phase"         json:"start_phase"`
	InputLocation     string          `db:"input_location"      json:"input_location"`
	OutputLocation    string          `db:"output_location"     json:"output_location"`
	PredictionList    string          `db:"prediction_list"     json:"prediction_list,omitempty"`
	Parameters        Parameters      `db:"parameters"          json:"parameters"`
	Chromosomes       []string        `db:"chromosomes"         json:"chromosomes,omitempty"`
	JobCount          int             `db:"job_count"           json:"job_count"`
	JobStats          JobStats        `json:"job_stats"`
	Failure           *FailureSummary `db:"failure"             json:"failure,omitempty"`
	CancelRequestedAt *time.Time      `db:"cancel_requested_at" json:"cancel_requested_at,omitempty"`
	StatusChangedAt   time.Time       `db:"status_changed_at"   json:"status_changed_at"`
	CompletedAt       *time.Time      `db:"completed_at"        json:"completed_at,omitempty"`
	ExpiresAt         *time.Time      `db:"expires_at"          json:"expires_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"          json:"updated_at"`
}

// JobStats counts jobs per coarse state. SUBMITTED jobs are counted as running.
type JobStats struct {
	Pending   int `db:"jobs_pending"   json:"pending"`
	Running   int `db:"jobs_running"   json:"running"`
	Succeeded int `db:"jobs_succeeded" json:"succeeded"`
	Failed    int `db:"jobs_failed"    json:"failed"`
}

// Total is the number of jobs accounted for.
func (s JobStats) Total() int {
	return s.Pending + s.Running + s.Succeeded + s.Failed
}

// Add returns the field-wise sum of s and d.
func (s JobStats) Add(d JobStats) JobStats {
	return JobStats{
		Pending:   s.Pending + d.Pending,
		Running:   s.Running + d.Running,
		Succeeded: s.Succeeded + d.Succeeded,
		Failed:    s.Failed + d.Failed,
	}
}

// IsZero reports whether every counter is zero.
func (s JobStats) IsZero() bool {
	return s == JobStats{}
}
