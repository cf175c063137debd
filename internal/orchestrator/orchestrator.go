// Package orchestrator drives workflows through their state machine:
// initialization, job calculation, phase 1, phase 2 and a terminal status.
//
// All state lives in the store. Each transition re-reads the persisted record,
// so a restarted process resumes where the previous one stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/gwasflow/internal/batch"
	"github.com/kiranshivaraju/gwasflow/internal/cache"
	"github.com/kiranshivaraju/gwasflow/internal/command"
	"github.com/kiranshivaraju/gwasflow/internal/config"
	"github.com/kiranshivaraju/gwasflow/internal/inspect"
	"github.com/kiranshivaraju/gwasflow/internal/metrics"
	"github.com/kiranshivaraju/gwasflow/internal/objstore"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/kiranshivaraju/gwasflow/internal/trigger"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

var (
	// ErrCancelled is the cancellation cause of a drive interrupted by a cancel request.
	ErrCancelled = errors.New("workflow cancelled")
	// ErrStepTimeout means a phase did not finish within the step timeout.
	ErrStepTimeout = errors.New("step timeout exceeded")

	errJobTimeout = errors.New("job timeout")
	errDrained    = errors.New("drain timeout after sibling failure")
)

const statusCacheTTL = 24 * time.Hour

// Config tunes the orchestrator.
type Config struct {
	Phase2Concurrency  int
	JobTimeout         time.Duration
	StepTimeout        time.Duration
	CancelPollInterval time.Duration
	DrainTimeout       time.Duration

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsed      time.Duration

	Queue         string
	JobDefinition string
	ResultsBucket string
	InputMount    string
	OutputMount   string
	WorkflowTTL   time.Duration
}

// ConfigFrom extracts the orchestrator settings from the process configuration.
func ConfigFrom(cfg *config.Config) Config {
	oc := cfg.Orchestrator
	return Config{
		Phase2Concurrency:    oc.Phase2Concurrency,
		JobTimeout:           oc.JobTimeout,
		StepTimeout:          oc.StepTimeout,
		CancelPollInterval:   oc.CancelPollInterval,
		DrainTimeout:         oc.DrainTimeout,
		RetryInitialInterval: oc.RetryInitialInterval,
		RetryMaxInterval:     oc.RetryMaxInterval,
		RetryMaxElapsed:      oc.RetryMaxElapsed,
		Queue:                cfg.Batch.Queue,
		JobDefinition:        cfg.Batch.JobDefinition,
		ResultsBucket:        cfg.Storage.ResultsBucket,
		InputMount:           oc.InputMount,
		OutputMount:          oc.OutputMount,
		WorkflowTTL:          oc.WorkflowTTL,
	}
}

// Orchestrator owns WorkflowRun status transitions.
type Orchestrator struct {
	store     store.Store
	executor  batch.Executor
	objects   objstore.Store
	cache     cache.Cache
	inspector *inspect.Inspector
	commands  command.Builder
	cfg       Config
}

// New creates an Orchestrator. ca may be nil, in which case nothing is mirrored.
func New(st store.Store, exec batch.Executor, objects objstore.Store, ca cache.Cache, cfg Config) *Orchestrator {
	if cfg.Phase2Concurrency < 1 {
		cfg.Phase2Concurrency = 1
	}
	return &Orchestrator{
		store:     st,
		executor:  exec,
		objects:   objects,
		cache:     ca,
		inspector: inspect.New(objects),
		commands:  command.Builder{InputMount: cfg.InputMount, OutputMount: cfg.OutputMount},
		cfg:       cfg,
	}
}

// workflowContext is the immutable part of a workflow threaded through transitions.
type workflowContext struct {
	id             string
	startPhase     models.Phase
	inputLocation  string
	outputLocation string
	predictionList string
	params         models.Parameters
}

func contextOf(wf *models.WorkflowRun) workflowContext {
	return workflowContext{
		id:             wf.ID,
		startPhase:     wf.StartPhase,
		inputLocation:  wf.InputLocation,
		outputLocation: wf.OutputLocation,
		predictionList: wf.PredictionList,
		params:         wf.Parameters,
	}
}

// command is the Command Builder view. A prediction list is only passed through
// when phase 1 is skipped; otherwise it is derived from the output location.
func (w workflowContext) command() command.Context {
	c := command.Context{
		InputLocation:  w.inputLocation,
		OutputLocation: w.outputLocation,
		Parameters:     w.params,
	}
	if w.startPhase == models.Phase2 {
		c.PredictionList = w.predictionList
	}
	return c
}

type paramsArtifact struct {
	WorkflowID     string            `json:"workflow_id"`
	StartPhase     models.Phase      `json:"start_phase"`
	InputLocation  string            `json:"input_location"`
	OutputLocation string            `json:"output_location"`
	PredictionList string            `json:"prediction_list,omitempty"`
	Parameters     models.Parameters `json:"parameters"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ParamsArtifactLocation is where the parameters of a workflow are written.
func ParamsArtifactLocation(wf *models.WorkflowRun) string {
	return objstore.Join(wf.OutputLocation, fmt.Sprintf("workflow_params_%s.json", wf.ID))
}

// Create validates d and persists a new INITIALIZED workflow.
func (o *Orchestrator) Create(ctx context.Context, d *trigger.Descriptor) (*models.WorkflowRun, error) {
	req, err := trigger.Resolve(d, o.cfg.ResultsBucket)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wf := &models.WorkflowRun{
		ID:              req.WorkflowID,
		Status:          models.WorkflowStatusInitialized,
		StartPhase:      req.StartPhase,
		InputLocation:   req.InputLocation,
		OutputLocation:  req.OutputLocation,
		PredictionList:  req.PredictionList,
		Parameters:      req.Parameters,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
	}
	if o.cfg.WorkflowTTL > 0 {
		expires := now.Add(o.cfg.WorkflowTTL)
		wf.ExpiresAt = &expires
	}

	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("creating workflow: %w", err)
	}

	artifact := paramsArtifact{
		WorkflowID:     wf.ID,
		StartPhase:     wf.StartPhase,
		InputLocation:  wf.InputLocation,
		OutputLocation: wf.OutputLocation,
		PredictionList: wf.PredictionList,
		Parameters:     wf.Parameters,
		CreatedAt:      wf.CreatedAt,
	}
	if err := o.objects.PutJSON(ctx, ParamsArtifactLocation(wf), artifact); err != nil {
		slog.Warn("writing parameters artifact failed", "workflow_id", wf.ID, "error", err)
	}

	o.mirror(ctx, wf)
	metrics.WorkflowStarted()
	slog.Info("workflow created", "workflow_id", wf.ID, "start_phase", int(wf.StartPhase),
		"input_location", wf.InputLocation, "output_location", wf.OutputLocation)
	return wf, nil
}

// Advance performs at most one transition of workflow id and returns the
// status the workflow is left in.
func (o *Orchestrator) Advance(ctx context.Context, id string) (models.WorkflowStatus, error) {
	wf, err := o.getWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	if wf.Status.Terminal() {
		return wf.Status, nil
	}

	log := slog.With("workflow_id", id)

	switch {
	case wf.CancelRequestedAt != nil:
		err = o.cancelWorkflow(ctx, log, wf)
	case wf.Status == models.WorkflowStatusInitialized:
		err = o.transition(ctx, wf, models.WorkflowStatusCalculatingJobs)
	case wf.Status == models.WorkflowStatusCalculatingJobs:
		err = o.calculateJobs(ctx, log, wf)
	case wf.Status == models.WorkflowStatusRunningPhase1:
		err = o.runPhase(ctx, log, wf, models.Phase1)
	case wf.Status == models.WorkflowStatusRunningPhase2:
		err = o.runPhase(ctx, log, wf, models.Phase2)
	default:
		return wf.Status, fmt.Errorf("workflow %s: unknown status %q", id, wf.Status)
	}

	if errors.Is(err, store.ErrStaleState) {
		log.Info("workflow changed concurrently, re-reading", "expected", wf.Status)
		err = nil
	}
	if err != nil {
		return wf.Status, err
	}

	cur, err := o.getWorkflow(ctx, id)
	if err != nil {
		return wf.Status, err
	}
	return cur.Status, nil
}

// Drive advances workflow id until it is terminal and returns the terminal record.
//
// When ctx is cancelled with ErrCancelled as its cause, the workflow is cancelled
// and driven to FAILED. Any other cancellation leaves it resumable. Errors that
// outlast the retry budget fail the workflow.
func (o *Orchestrator) Drive(ctx context.Context, id string) (*models.WorkflowRun, error) {
	for {
		status, err := o.Advance(ctx, id)
		if err != nil {
			return o.driveFailed(ctx, id, err)
		}
		if status.Terminal() {
			return o.getWorkflow(context.WithoutCancel(ctx), id)
		}
	}
}

func (o *Orchestrator) driveFailed(ctx context.Context, id string, err error) (*models.WorkflowRun, error) {
	log := slog.With("workflow_id", id)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DrainTimeout+time.Minute)
	defer cancel()

	switch {
	case errors.Is(context.Cause(ctx), ErrCancelled):
		if err := o.store.RequestCancel(dctx, id); err != nil {
			return nil, fmt.Errorf("recording cancel request: %w", err)
		}
		if _, err := o.Advance(dctx, id); err != nil {
			return nil, fmt.Errorf("cancelling workflow: %w", err)
		}
		return o.getWorkflow(dctx, id)
	case ctx.Err() != nil:
		log.Info("drive interrupted, workflow left resumable", "cause", context.Cause(ctx))
		return nil, ctx.Err()
	}

	log.Error("workflow drive failed", "error", err)
	wf, gerr := o.getWorkflow(dctx, id)
	if gerr != nil {
		return nil, errors.Join(err, gerr)
	}
	if !wf.Status.Terminal() {
		if ferr := o.fail(dctx, log, wf, fmt.Sprintf("infrastructure error: %v", err)); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
	}
	return nil, err
}

// transition moves wf from its current status to next.
func (o *Orchestrator) transition(ctx context.Context, wf *models.WorkflowRun, next models.WorkflowStatus, opts ...store.WorkflowUpdateOption) error {
	err := o.retry(ctx, "update_workflow", func() error {
		return o.store.UpdateWorkflowStatus(ctx, wf.ID, wf.Status, next, opts...)
	})
	if err != nil {
		return err
	}
	slog.Info("workflow transitioned", "workflow_id", wf.ID, "from", wf.Status, "to", next)
	if next.Terminal() {
		metrics.WorkflowFinished(string(next))
	}
	o.mirrorID(ctx, wf.ID)
	return nil
}

// fail moves wf to FAILED. reason describes a failure not attributable to a
// job; when empty the summary is built from the failed jobs alone.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, wf *models.WorkflowRun, reason string) error {
	jobs, err := o.listJobs(ctx, wf.ID)
	if err != nil {
		return err
	}
	summary := classifyFailure(reason, jobs)
	log.Error("workflow failed", "reason", summary.Message)
	return o.transition(ctx, wf, models.WorkflowStatusFailed, store.WithFailure(summary))
}

// cancelWorkflow cancels in-flight jobs of the active phase and fails wf.
func (o *Orchestrator) cancelWorkflow(ctx context.Context, log *slog.Logger, wf *models.WorkflowRun) error {
	if wf.CancelRequestedAt == nil {
		if err := o.store.RequestCancel(ctx, wf.ID); err != nil {
			return err
		}
	}
	log.Info("cancelling workflow", "status", wf.Status)

	switch wf.Status {
	case models.WorkflowStatusRunningPhase1:
		o.abortInFlight(ctx, log, wf.ID, models.Phase1, ErrCancelled.Error())
	case models.WorkflowStatusRunningPhase2:
		o.abortInFlight(ctx, log, wf.ID, models.Phase2, ErrCancelled.Error())
	}
	return o.fail(ctx, log, wf, ErrCancelled.Error())
}

func (o *Orchestrator) getWorkflow(ctx context.Context, id string) (*models.WorkflowRun, error) {
	var wf *models.WorkflowRun
	err := o.retry(ctx, "get_workflow", func() error {
		var err error
		wf, err = o.store.GetWorkflow(ctx, id)
		return err
	})
	return wf, err
}

func (o *Orchestrator) listJobs(ctx context.Context, id string) ([]*models.JobRecord, error) {
	var jobs []*models.JobRecord
	err := o.retry(ctx, "list_jobs", func() error {
		var err error
		jobs, err = o.store.ListJobs(ctx, id)
		return err
	})
	return jobs, err
}

// mirror writes the polled view of wf to the cache. Best effort.
func (o *Orchestrator) mirror(ctx context.Context, wf *models.WorkflowRun) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetWorkflowStatus(ctx, cache.SnapshotOf(wf), statusCacheTTL); err != nil {
		slog.Warn("mirroring workflow status failed", "workflow_id", wf.ID, "error", err)
	}
}

func (o *Orchestrator) mirrorID(ctx context.Context, id string) {
	if o.cache == nil {
		return
	}
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return
	}
	o.mirror(ctx, wf)
}

func (o *Orchestrator) mirrorJob(ctx context.Context, job *models.JobRecord) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetJobStatus(ctx, job.WorkflowID, job.JobID, job.Status, statusCacheTTL); err != nil {
		slog.Warn("mirroring job status failed", "workflow_id", job.WorkflowID, "job_id", job.JobID, "error", err)
	}
}
