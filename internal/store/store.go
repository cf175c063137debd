package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStaleState is returned by conditional updates when the record is no longer
// in the expected status. Callers re-read and decide again.
var ErrStaleState = errors.New("stale state")

// ErrInvalidTransition is returned when a status change is not allowed from the
// expected status.
var ErrInvalidTransition = errors.New("invalid status transition")

// IsTransient reports whether err is a connectivity failure that a retry may
// clear. Sentinel errors and SQL errors are not transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// Store is the data access interface. All database operations go through here.
// Every operation touches a single record and is durable before it returns.
type Store interface {
	Ping(ctx context.Context) error

	CreateWorkflow(ctx context.Context, wf *models.WorkflowRun) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowRun, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.WorkflowRun, int, error)
	ListActiveWorkflowIDs(ctx context.Context) ([]string, error)
	// UpdateWorkflowStatus moves a workflow from expected to next. It never
	// creates a record: a missing workflow is ErrNotFound, a different current
	// status is ErrStaleState.
	UpdateWorkflowStatus(ctx context.Context, id string, expected, next models.WorkflowStatus, opts ...WorkflowUpdateOption) error
	// IncrementJobStats adds delta to the workflow's job counters atomically.
	// Negative fields are allowed so a job can move between counters in one call.
	IncrementJobStats(ctx context.Context, id string, delta models.JobStats) error
	RequestCancel(ctx context.Context, id string) error
	DeleteExpiredWorkflows(ctx context.Context, now time.Time) (int64, error)

	// UpsertJob inserts job unless a record with the same identity exists.
	// Reports whether a record was inserted; existing records are left untouched.
	UpsertJob(ctx context.Context, job *models.JobRecord) (bool, error)
	GetJob(ctx context.Context, workflowID, jobID string) (*models.JobRecord, error)
	ListJobs(ctx context.Context, workflowID string) ([]*models.JobRecord, error)
	UpdateJobStatus(ctx context.Context, workflowID, jobID string, expected, next models.JobStatus, opts ...JobUpdateOption) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type WorkflowFilter struct {
	Status models.WorkflowStatus
	Page   int
	Limit  int
}

// normalize clamps pagination the same way for every implementation.
func (f WorkflowFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

var validWorkflowTransitions = map[models.WorkflowStatus][]models.WorkflowStatus{
	models.WorkflowStatusInitialized:     {models.WorkflowStatusCalculatingJobs, models.WorkflowStatusFailed},
	models.WorkflowStatusCalculatingJobs: {models.WorkflowStatusRunningPhase1, models.WorkflowStatusRunningPhase2, models.WorkflowStatusFailed},
	models.WorkflowStatusRunningPhase1:   {models.WorkflowStatusRunningPhase2, models.WorkflowStatusFailed},
	models.WorkflowStatusRunningPhase2:   {models.WorkflowStatusCompleted, models.WorkflowStatusFailed},
}

var validJobTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:   {models.JobStatusSubmitted, models.JobStatusFailed},
	models.JobStatusSubmitted: {models.JobStatusRunning, models.JobStatusSucceeded, models.JobStatusFailed},
	models.JobStatusRunning:   {models.JobStatusSucceeded, models.JobStatusFailed},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, a := range table[from] {
		if a == to {
			return true
		}
	}
	return false
}

type workflowUpdateParams struct {
	JobCount       *int
	JobStats       *models.JobStats
	Chromosomes    []string
	PredictionList *string
	Failure        *models.FailureSummary
}

type WorkflowUpdateOption func(*workflowUpdateParams)

func WithJobCount(n int) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.JobCount = &n
	}
}

// WithJobStats overwrites the job counters. Only meaningful while no job of the
// workflow has been submitted, when nothing else increments them.
func WithJobStats(stats models.JobStats) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.JobStats = &stats
	}
}

func WithChromosomes(chroms []string) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.Chromosomes = chroms
	}
}

func WithPredictionList(path string) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.PredictionList = &path
	}
}

func WithFailure(s *models.FailureSummary) WorkflowUpdateOption {
	return func(p *workflowUpdateParams) {
		p.Failure = s
	}
}

type jobUpdateParams struct {
	ExternalID  *string
	ErrorCode   *string
	ErrorDetail *string
}

type JobUpdateOption func(*jobUpdateParams)

// WithExternalID records the execution service handle of a submitted job.
func WithExternalID(id string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ExternalID = &id
	}
}

// WithError records why a job failed.
func WithError(code, detail string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorCode = &code
		p.ErrorDetail = &detail
	}
}
