package models

// FailureCause is the coarse reason a job failed.
type FailureCause string

const (
	CauseSubmission FailureCause = "submission"
	CauseExecution  FailureCause = "execution"
	CauseTimeout    FailureCause = "timeout"
	CauseCancelled  FailureCause = "cancelled"
	// CauseWorkflow marks the group of a failure not attributable to a job,
	// such as an input error, a step timeout or a cancellation.
	CauseWorkflow FailureCause = "workflow"
)

// FailureSummary is persisted on a FAILED workflow.
type FailureSummary struct {
	Message string         `json:"message"`
	Groups  []FailureGroup `json:"groups,omitempty"`
	Jobs    []JobFailure   `json:"jobs,omitempty"`
}

// FailureGroup counts failures sharing a phase and cause. A CauseWorkflow
// group has no phase or jobs and carries the reason instead.
type FailureGroup struct {
	Phase  Phase        `json:"phase,omitempty"`
	Cause  FailureCause `json:"cause"`
	Count  int          `json:"count"`
	JobIDs []string     `json:"job_ids,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

type JobFailure struct {
	JobID      string       `json:"job_id"`
	Phase      Phase        `json:"phase"`
	Chromosome string       `json:"chromosome,omitempty"`
	Cause      FailureCause `json:"cause"`
	Code       string       `json:"code"`
	Detail     string       `json:"detail"`
}
