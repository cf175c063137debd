// Package plan expands a detected chromosome layout into the ordered job plan of
// a two-phase workflow.
package plan

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

// ErrEmptyPlan is returned when phase 2 has no chromosomes to fan out over.
var ErrEmptyPlan = errors.New("empty job plan")

// InvalidParameterError reports a run parameter the plan cannot be built from.
type InvalidParameterError struct {
	Field  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// Job is one planned compute job. The set of implementations is closed:
// Phase1Job and Phase2Job.
type Job interface {
	ID() string
	Phase() models.Phase
	job()
}

// Phase1Job fits the prediction model over the whole dataset.
type Phase1Job struct {
	JobID string
}

func (j Phase1Job) ID() string          { return j.JobID }
func (j Phase1Job) Phase() models.Phase { return models.Phase1 }
func (Phase1Job) job()                  {}

// Phase2Job runs association tests for a single chromosome.
type Phase2Job struct {
	JobID      string
	Chromosome string
}

func (j Phase2Job) ID() string          { return j.JobID }
func (j Phase2Job) Phase() models.Phase { return models.Phase2 }
func (Phase2Job) job()                  {}

// Params carries the run parameters the plan depends on.
type Params struct {
	WorkflowID string
	// PredictionList is the existing phase 1 output used when phase 1 is skipped.
	PredictionList string
}

// Plan is the ordered job list of a workflow: an optional phase 1 job followed by
// one phase 2 job per chromosome in detection order.
type Plan struct {
	WorkflowID     string
	StartPhase     models.Phase
	PredictionList string
	Jobs           []Job
}

// Phase1 returns the phase 1 job if the plan has one.
func (p *Plan) Phase1() (Phase1Job, bool) {
	for _, j := range p.Jobs {
		if pj, ok := j.(Phase1Job); ok {
			return pj, true
		}
	}
	return Phase1Job{}, false
}

// Phase2 returns the phase 2 jobs in plan order.
func (p *Plan) Phase2() []Phase2Job {
	out := make([]Phase2Job, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		if pj, ok := j.(Phase2Job); ok {
			out = append(out, pj)
		}
	}
	return out
}

// Chromosomes returns the chromosome of every phase 2 job in plan order.
func (p *Plan) Chromosomes() []string {
	jobs := p.Phase2()
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Chromosome
	}
	return out
}

// JobID derives the job identity from the workflow, phase and chromosome.
// Phase 1 ignores chromosome.
func JobID(workflowID string, phase models.Phase, chromosome string) string {
	if phase == models.Phase1 {
		return fmt.Sprintf("%s-step1", workflowID)
	}
	return fmt.Sprintf("%s-step2-chr%s", workflowID, chromosome)
}

// Build produces the job plan. It is a pure function of its inputs.
func Build(startPhase models.Phase, chromosomes []string, params Params) (*Plan, error) {
	if !startPhase.Valid() {
		return nil, &InvalidParameterError{Field: "startPhase", Reason: fmt.Sprintf("must be 1 or 2, got %d", startPhase)}
	}
	if params.WorkflowID == "" {
		return nil, &InvalidParameterError{Field: "workflowId", Reason: "is required"}
	}
	if len(chromosomes) == 0 {
		return nil, ErrEmptyPlan
	}
	if startPhase == models.Phase2 && params.PredictionList == "" {
		return nil, &InvalidParameterError{Field: "predictionList", Reason: "is required when startPhase is 2"}
	}

	p := &Plan{
		WorkflowID: params.WorkflowID,
		StartPhase: startPhase,
		Jobs:       make([]Job, 0, len(chromosomes)+1),
	}

	switch startPhase {
	case models.Phase1:
		p.Jobs = append(p.Jobs, Phase1Job{JobID: JobID(params.WorkflowID, models.Phase1, "")})
	case models.Phase2:
		p.PredictionList = params.PredictionList
	}

	seen := make(map[string]struct{}, len(chromosomes))
	for _, c := range chromosomes {
		if c == "" {
			return nil, &InvalidParameterError{Field: "chromosomes", Reason: "empty chromosome label"}
		}
		if _, dup := seen[c]; dup {
			return nil, &InvalidParameterError{Field: "chromosomes", Reason: fmt.Sprintf("duplicate chromosome %q", c)}
		}
		seen[c] = struct{}{}
		p.Jobs = append(p.Jobs, Phase2Job{
			JobID:      JobID(params.WorkflowID, models.Phase2, c),
			Chromosome: c,
		})
	}

	return p, nil
}
