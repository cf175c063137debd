package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/gwasflow/internal/classify"
	"github.com/kiranshivaraju/gwasflow/internal/command"
	"github.com/kiranshivaraju/gwasflow/internal/objstore"
	"github.com/kiranshivaraju/gwasflow/internal/plan"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

// ErrMissingInputFiles is an input error: a file the format requires is absent.
var ErrMissingInputFiles = errors.New("missing required input files")

// calculateJobs inspects the dataset, builds the plan and persists one record
// per job. Input errors fail the workflow; only infrastructure errors are returned.
func (o *Orchestrator) calculateJobs(ctx context.Context, log *slog.Logger, wf *models.WorkflowRun) error {
	wc := contextOf(wf)

	if err := o.checkInputs(ctx, wc); err != nil {
		return o.inputError(ctx, log, wf, err)
	}

	chroms, err := o.chromosomes(ctx, wc)
	if err != nil {
		return o.inputError(ctx, log, wf, err)
	}

	p, err := plan.Build(wc.startPhase, chroms, plan.Params{WorkflowID: wc.id, PredictionList: wc.predictionList})
	if err != nil {
		return o.inputError(ctx, log, wf, err)
	}

	cmdCtx := wc.command()
	for _, j := range p.Jobs {
		rec := jobRecord(wc.id, j)
		cmd, err := o.commands.Build(j, cmdCtx)
		var mpe *command.MissingParameterError
		switch {
		case errors.As(err, &mpe):
			log.Warn("job command could not be built", "job_id", rec.JobID, "error", err)
			detail := err.Error()
			rec.Status = models.JobStatusFailed
			rec.ErrorCode = models.JobErrorBuildFailed
			rec.ErrorDetail = &detail
			rec.CompletedAt = &rec.CreatedAt
		case err != nil:
			return o.inputError(ctx, log, wf, err)
		}
		rec.Command = cmd

		err = o.retry(ctx, "upsert_job", func() error {
			_, err := o.store.UpsertJob(ctx, rec)
			return err
		})
		if err != nil {
			return err
		}
	}

	// Records left by an interrupted earlier attempt are counted too, so the
	// stats always match the persisted jobs.
	jobs, err := o.listJobs(ctx, wc.id)
	if err != nil {
		return err
	}
	var stats models.JobStats
	for _, j := range jobs {
		if j.Status == models.JobStatusFailed {
			stats.Failed++
			continue
		}
		stats.Pending++
	}

	predictionList := wc.predictionList
	if wc.startPhase == models.Phase1 {
		predictionList = o.commands.PredictionListPath(cmdCtx)
	}

	next := models.WorkflowStatusRunningPhase2
	if _, ok := p.Phase1(); ok {
		next = models.WorkflowStatusRunningPhase1
	}

	log.Info("jobs calculated", "jobs", len(p.Jobs), "chromosomes", len(chroms), "build_failures", stats.Failed)
	return o.transition(ctx, wf, next,
		store.WithJobCount(len(jobs)),
		store.WithJobStats(stats),
		store.WithChromosomes(p.Chromosomes()),
		store.WithPredictionList(predictionList),
	)
}

func jobRecord(workflowID string, j plan.Job) *models.JobRecord {
	now := time.Now().UTC()
	rec := &models.JobRecord{
		WorkflowID: workflowID,
		JobID:      j.ID(),
		Phase:      j.Phase(),
		Status:     models.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p2, ok := j.(plan.Phase2Job); ok {
		rec.Chromosome = p2.Chromosome
	}
	return rec
}

// inputError fails wf for an error detected before any job ran. Store and
// context errors are passed through instead.
func (o *Orchestrator) inputError(ctx context.Context, log *slog.Logger, wf *models.WorkflowRun, err error) error {
	if ctx.Err() != nil || store.IsTransient(err) {
		return err
	}
	return o.fail(ctx, log, wf, fmt.Sprintf("input error: %v", err))
}

// chromosomes returns the explicit override, or the chromosomes detected in
// the dataset's variant index.
func (o *Orchestrator) chromosomes(ctx context.Context, wc workflowContext) ([]string, error) {
	if explicit := wc.params.Analysis.ExplicitChromosomes(); len(explicit) > 0 {
		return explicit, nil
	}
	format := wc.params.Input.Format
	ext := models.VariantIndexExtension(format)
	if ext == "" {
		return nil, &plan.InvalidParameterError{
			Field:  "analysis.chrList",
			Reason: fmt.Sprintf("format %s has no variant index; chromosomes must be given explicitly", format),
		}
	}
	return o.inspector.Chromosomes(ctx, objstore.Join(wc.inputLocation, wc.params.Input.FilePrefix+ext))
}

// checkInputs verifies that every file the format and parameters name exists.
func (o *Orchestrator) checkInputs(ctx context.Context, wc workflowContext) error {
	in := wc.params.Input
	exts, ok := models.RequiredExtensions[in.Format]
	if !ok {
		return &plan.InvalidParameterError{Field: "inputData.format", Reason: fmt.Sprintf("unsupported format %q", in.Format)}
	}

	files := make([]string, 0, len(exts)+2)
	for _, ext := range exts {
		files = append(files, in.FilePrefix+ext)
	}
	if in.PhenoFile != "" {
		files = append(files, in.PhenoFile)
	}
	if in.CovarFile != "" {
		files = append(files, in.CovarFile)
	}

	var missing []string
	for _, f := range files {
		loc := objstore.Join(wc.inputLocation, f)
		var exists bool
		err := o.retry(ctx, "stat_input", func() error {
			var err error
			exists, err = o.objects.Exists(ctx, loc)
			return err
		})
		if err != nil {
			return fmt.Errorf("checking %s: %w", loc, err)
		}
		if !exists {
			missing = append(missing, loc)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingInputFiles, strings.Join(missing, ", "))
	}
	return nil
}

func classifyFailure(reason string, jobs []*models.JobRecord) *models.FailureSummary {
	if reason != "" {
		return classify.WorkflowFailure(reason, jobs)
	}
	if s := classify.Classify(jobs); s != nil {
		return s
	}
	return &models.FailureSummary{Message: "workflow failed"}
}
