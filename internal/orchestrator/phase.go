package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/gwasflow/internal/batch"
	"github.com/kiranshivaraju/gwasflow/internal/classify"
	"github.com/kiranshivaraju/gwasflow/internal/command"
	"github.com/kiranshivaraju/gwasflow/internal/metrics"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

// runPhase runs every job of phase, then moves the workflow on: to phase 2 or
// COMPLETED when all jobs succeeded, to FAILED otherwise.
func (o *Orchestrator) runPhase(ctx context.Context, log *slog.Logger, wf *models.WorkflowRun, phase models.Phase) error {
	log = log.With("phase", int(phase))

	phaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stepCtx, stop := context.WithDeadlineCause(phaseCtx, phaseDeadline(wf, o.cfg.StepTimeout), ErrStepTimeout)
	defer stop()
	go o.watchCancel(stepCtx, wf.ID, cancel)

	jobs, err := o.listJobs(ctx, wf.ID)
	if err != nil {
		return err
	}
	jobs = ofPhase(jobs, phase)

	log.Info("running phase", "jobs", len(jobs))
	if phase == models.Phase1 {
		err = o.runSequential(stepCtx, log, jobs)
	} else {
		err = o.runFanOut(stepCtx, log, jobs)
	}

	// Cancellation and step timeout are handled on a context that outlives the
	// phase so the workflow still reaches FAILED.
	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DrainTimeout+time.Minute)
	defer dcancel()

	switch cause := context.Cause(stepCtx); {
	case errors.Is(cause, ErrCancelled):
		return o.cancelWorkflow(dctx, log, wf)
	case errors.Is(cause, ErrStepTimeout):
		log.Error("phase exceeded step timeout", "step_timeout", o.cfg.StepTimeout)
		o.abortInFlight(dctx, log, wf.ID, phase, ErrStepTimeout.Error())
		return o.fail(dctx, log, wf, fmt.Sprintf("%v after %s in phase %d", ErrStepTimeout, o.cfg.StepTimeout, phase))
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		reason := fmt.Sprintf("infrastructure error: %v", err)
		log.Error("phase aborted", "error", err)
		o.abortInFlight(dctx, log, wf.ID, phase, reason)
		if ferr := o.fail(dctx, log, wf, reason); ferr != nil {
			return errors.Join(err, ferr)
		}
		return nil
	}

	all, err := o.listJobs(ctx, wf.ID)
	if err != nil {
		return err
	}
	if classify.Classify(all) != nil {
		return o.fail(ctx, log, wf, "")
	}
	for _, j := range ofPhase(all, phase) {
		if j.Status != models.JobStatusSucceeded {
			return fmt.Errorf("phase %d ended with job %s in status %s", phase, j.JobID, j.Status)
		}
	}

	if phase == models.Phase1 {
		return o.transition(ctx, wf, models.WorkflowStatusRunningPhase2)
	}
	return o.transition(ctx, wf, models.WorkflowStatusCompleted)
}

// phaseDeadline bounds a phase from the moment the workflow entered it, so a
// resumed drive does not get a fresh step timeout.
func phaseDeadline(wf *models.WorkflowRun, stepTimeout time.Duration) time.Time {
	start := wf.StatusChangedAt
	if start.IsZero() {
		start = time.Now()
	}
	return start.Add(stepTimeout)
}

func ofPhase(jobs []*models.JobRecord, phase models.Phase) []*models.JobRecord {
	var out []*models.JobRecord
	for _, j := range jobs {
		if j.Phase == phase {
			out = append(out, j)
		}
	}
	return out
}

// runSequential runs jobs one at a time and stops at the first failure.
func (o *Orchestrator) runSequential(ctx context.Context, log *slog.Logger, jobs []*models.JobRecord) error {
	for _, j := range jobs {
		failed, err := o.runJob(ctx, log, j, nil)
		if err != nil {
			return err
		}
		if failed {
			return nil
		}
	}
	return nil
}

// runFanOut runs jobs concurrently, at most Phase2Concurrency in flight. The
// first failure stops further submissions; jobs already in flight get
// DrainTimeout to finish and are cancelled after that. Jobs never submitted
// stay PENDING.
func (o *Orchestrator) runFanOut(ctx context.Context, log *slog.Logger, jobs []*models.JobRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Phase2Concurrency)

	awaitCtx, drain := context.WithCancelCause(gctx)
	defer drain(nil)

	var (
		once       sync.Once
		drainTimer *time.Timer
		stopped    = make(chan struct{})
	)
	isStopped := func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}
	trip := func() {
		once.Do(func() {
			log.Warn("job failed, stopping further submissions", "drain_timeout", o.cfg.DrainTimeout)
			close(stopped)
			drainTimer = time.AfterFunc(o.cfg.DrainTimeout, func() { drain(errDrained) })
		})
	}

	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		if j.Status.Terminal() || (j.Status == models.JobStatusPending && isStopped()) {
			continue
		}
		j := j
		g.Go(func() error {
			failed, err := o.runJob(awaitCtx, log, j, isStopped)
			if failed {
				trip()
			}
			if errors.Is(err, errDrained) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	if drainTimer != nil {
		drainTimer.Stop()
	}
	if isStopped() && ctx.Err() == nil {
		o.abortInFlight(ctx, log, jobsWorkflow(jobs), models.Phase2, "stopped after a sibling job failed")
	}
	return err
}

func jobsWorkflow(jobs []*models.JobRecord) string {
	if len(jobs) == 0 {
		return ""
	}
	return jobs[0].WorkflowID
}

// runJob takes job from its current status to a terminal one. PENDING jobs are
// submitted unless stopped reports true; jobs with a recorded handle are
// re-attached. Reports whether the job ended FAILED.
func (o *Orchestrator) runJob(ctx context.Context, log *slog.Logger, job *models.JobRecord, stopped func() bool) (bool, error) {
	log = log.With("job_id", job.JobID)
	if job.Chromosome != "" {
		log = log.With("chromosome", job.Chromosome)
	}

	for {
		var err error
		switch job.Status {
		case models.JobStatusSucceeded:
			return false, nil
		case models.JobStatusFailed:
			return true, nil
		case models.JobStatusPending:
			if stopped != nil && stopped() {
				return false, nil
			}
			err = o.submit(ctx, log, job)
		case models.JobStatusSubmitted, models.JobStatusRunning:
			err = o.await(ctx, log, job)
		default:
			return false, fmt.Errorf("job %s: unknown status %q", job.JobID, job.Status)
		}

		if errors.Is(err, store.ErrStaleState) {
			cur, gerr := o.store.GetJob(ctx, job.WorkflowID, job.JobID)
			if gerr != nil {
				return false, gerr
			}
			log.Info("job changed concurrently, re-reading", "status", cur.Status)
			*job = *cur
			continue
		}
		if err != nil {
			return false, err
		}
	}
}

func (o *Orchestrator) submit(ctx context.Context, log *slog.Logger, job *models.JobRecord) error {
	sub := batch.Submission{
		JobName:       batch.JobName(job.JobID),
		Command:       command.ShellWrap(job.Command),
		Queue:         o.cfg.Queue,
		JobDefinition: o.cfg.JobDefinition,
	}

	var externalID string
	err := o.retry(ctx, "submit", func() error {
		var err error
		externalID, err = o.executor.Submit(ctx, sub)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		log.Error("job submission failed", "error", err)
		return o.finishJob(ctx, log, job, models.JobStatusFailed, models.JobErrorSubmitFailed, err.Error())
	}

	if err := o.setJobStatus(ctx, job, models.JobStatusSubmitted, store.WithExternalID(externalID)); err != nil {
		return err
	}
	now := time.Now().UTC()
	job.ExternalID = externalID
	job.SubmittedAt = &now

	metrics.JobSubmitted(int(job.Phase))
	log.Info("job submitted", "external_id", externalID)
	return o.bumpStats(ctx, job.WorkflowID, models.JobStats{Pending: -1, Running: 1})
}

// await blocks until the job's execution ends or the job timeout, measured
// from submission, expires.
func (o *Orchestrator) await(ctx context.Context, log *slog.Logger, job *models.JobRecord) error {
	if job.ExternalID == "" {
		return o.finishJob(ctx, log, job, models.JobStatusFailed, models.JobErrorSubmitFailed, "no execution handle recorded")
	}
	if job.Status == models.JobStatusSubmitted {
		if err := o.setJobStatus(ctx, job, models.JobStatusRunning); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(o.cfg.JobTimeout)
	if job.SubmittedAt != nil {
		deadline = job.SubmittedAt.Add(o.cfg.JobTimeout)
	}
	jobCtx, cancel := context.WithDeadlineCause(ctx, deadline, errJobTimeout)
	defer cancel()

	var res batch.Result
	err := o.retry(jobCtx, "await", func() error {
		var err error
		res, err = o.executor.Wait(jobCtx, job.ExternalID)
		return err
	})

	switch {
	case err == nil && res.State == batch.StateSucceeded:
		log.Info("job succeeded")
		return o.finishJob(ctx, log, job, models.JobStatusSucceeded, "", "")
	case err == nil:
		detail := describeResult(res)
		log.Warn("job failed", "detail", detail)
		return o.finishJob(ctx, log, job, models.JobStatusFailed, models.JobErrorExecutionFailed, detail)
	case ctx.Err() != nil:
		return context.Cause(ctx)
	case errors.Is(context.Cause(jobCtx), errJobTimeout):
		log.Warn("job timed out", "job_timeout", o.cfg.JobTimeout)
		o.cancelExternal(ctx, log, job, "job timeout")
		return o.finishJob(ctx, log, job, models.JobStatusFailed, models.JobErrorTimeout,
			fmt.Sprintf("no terminal state within %s", o.cfg.JobTimeout))
	case errors.Is(err, batch.ErrUnknownJob):
		return o.finishJob(ctx, log, job, models.JobStatusFailed, models.JobErrorExecutionFailed,
			fmt.Sprintf("execution service has no record of %s", job.ExternalID))
	default:
		// The job's outcome can no longer be observed. It is stopped and
		// recorded so the phase ends with no job left RUNNING.
		log.Error("awaiting job failed", "error", err)
		o.cancelExternal(ctx, log, job, "execution service error")
		ferr := o.finishJob(ctx, log, job, models.JobStatusFailed, models.JobErrorExecutionFailed,
			fmt.Sprintf("lost track of job: %v", err))
		return errors.Join(err, ferr)
	}
}

func describeResult(res batch.Result) string {
	reason := res.Reason
	if reason == "" {
		reason = "job failed"
	}
	if res.ExitCode != nil {
		return fmt.Sprintf("exit code %d: %s", *res.ExitCode, reason)
	}
	return reason
}

// finishJob moves job to a terminal status and shifts its count in the
// workflow stats accordingly.
func (o *Orchestrator) finishJob(ctx context.Context, log *slog.Logger, job *models.JobRecord, next models.JobStatus, code, detail string) error {
	from := job.Status
	var opts []store.JobUpdateOption
	if next == models.JobStatusFailed {
		opts = append(opts, store.WithError(code, detail))
	}
	if err := o.setJobStatus(ctx, job, next, opts...); err != nil {
		return err
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	if next == models.JobStatusFailed {
		job.ErrorCode = code
		job.ErrorDetail = &detail
	}

	var delta models.JobStats
	if from == models.JobStatusPending {
		delta.Pending = -1
	} else {
		delta.Running = -1
	}
	var elapsed time.Duration
	if job.SubmittedAt != nil {
		elapsed = now.Sub(*job.SubmittedAt)
	}
	if next == models.JobStatusSucceeded {
		delta.Succeeded = 1
	} else {
		delta.Failed = 1
		metrics.JobFailed(int(job.Phase), string(classify.CauseFor(code)))
	}
	metrics.JobFinished(int(job.Phase), string(next), elapsed)
	return o.bumpStats(ctx, job.WorkflowID, delta)
}

// setJobStatus conditionally moves job from its current status to next.
func (o *Orchestrator) setJobStatus(ctx context.Context, job *models.JobRecord, next models.JobStatus, opts ...store.JobUpdateOption) error {
	err := o.retry(ctx, "update_job", func() error {
		return o.store.UpdateJobStatus(ctx, job.WorkflowID, job.JobID, job.Status, next, opts...)
	})
	if err != nil {
		return err
	}
	job.Status = next
	o.mirrorJob(ctx, job)
	return nil
}

func (o *Orchestrator) bumpStats(ctx context.Context, workflowID string, delta models.JobStats) error {
	err := o.retry(ctx, "increment_stats", func() error {
		return o.store.IncrementJobStats(ctx, workflowID, delta)
	})
	if err != nil {
		return err
	}
	o.mirrorID(ctx, workflowID)
	return nil
}

// abortInFlight cancels every submitted or running job of phase and records
// it as a CANCELLED failure. Already terminal and never submitted jobs are left as-is.
func (o *Orchestrator) abortInFlight(ctx context.Context, log *slog.Logger, workflowID string, phase models.Phase, reason string) {
	if workflowID == "" {
		return
	}
	jobs, err := o.listJobs(ctx, workflowID)
	if err != nil {
		log.Error("listing jobs to cancel failed", "error", err)
		return
	}
	for _, j := range ofPhase(jobs, phase) {
		if j.Status != models.JobStatusSubmitted && j.Status != models.JobStatusRunning {
			continue
		}
		jlog := log.With("job_id", j.JobID)
		o.cancelExternal(ctx, jlog, j, reason)
		err := o.finishJob(ctx, jlog, j, models.JobStatusFailed, models.JobErrorCancelled, reason)
		if err != nil && !errors.Is(err, store.ErrStaleState) {
			jlog.Error("recording cancelled job failed", "error", err)
		}
	}
}

// cancelExternal asks the execution service to stop job. Best effort.
func (o *Orchestrator) cancelExternal(ctx context.Context, log *slog.Logger, job *models.JobRecord, reason string) {
	if job.ExternalID == "" {
		return
	}
	if err := o.executor.Cancel(ctx, job.ExternalID, reason); err != nil {
		log.Warn("cancelling job failed", "external_id", job.ExternalID, "error", err)
		return
	}
	log.Info("job cancellation requested", "external_id", job.ExternalID, "reason", reason)
}

// watchCancel polls the store for a persisted cancel request until ctx ends.
func (o *Orchestrator) watchCancel(ctx context.Context, workflowID string, cancel context.CancelCauseFunc) {
	if o.cfg.CancelPollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wf, err := o.store.GetWorkflow(ctx, workflowID)
			if err != nil {
				continue
			}
			if wf.CancelRequestedAt != nil {
				cancel(ErrCancelled)
				return
			}
		}
	}
}
