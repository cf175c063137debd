// Package command renders the regenie invocations for planned jobs.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/kiranshivaraju/gwasflow/internal/plan"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

const (
	executable = "regenie"
	// Shell is the interpreter commands are handed to on the worker.
	Shell = "/bin/bash"
)

// MissingParameterError reports a parameter required by the job's phase that is absent.
type MissingParameterError struct {
	JobID     string
	Parameter string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("job %s: missing required parameter %s", e.JobID, e.Parameter)
}

// Context is the part of a workflow a command depends on.
type Context struct {
	InputLocation  string
	OutputLocation string
	Parameters     models.Parameters
	// PredictionList is used verbatim when phase 1 did not run in this workflow.
	PredictionList string
}

// Builder renders commands. Mount paths map object-store locations to the
// filesystem seen by workers; an empty mount leaves locations untouched.
// All methods are pure. Zero value is ready to use.
type Builder struct {
	InputMount  string
	OutputMount string
}

// Build renders the command for job. Identical inputs always yield identical strings.
func (b Builder) Build(job plan.Job, c Context) (string, error) {
	switch j := job.(type) {
	case plan.Phase1Job:
		return b.buildPhase1(j, c)
	case plan.Phase2Job:
		return b.buildPhase2(j, c)
	default:
		return "", fmt.Errorf("unsupported job type %T", job)
	}
}

// PredictionListPath is the phase 1 output consumed by phase 2 jobs.
func (b Builder) PredictionListPath(c Context) string {
	return fmt.Sprintf("%s/%s_pred.list", b.OutputDir(c.OutputLocation), outPrefix(c.Parameters))
}

// Phase2OutputPrefix is the per-chromosome output prefix of a phase 2 job.
func (b Builder) Phase2OutputPrefix(c Context, chromosome string) string {
	return fmt.Sprintf("%s/%s_chr%s", b.OutputDir(c.OutputLocation), outPrefix(c.Parameters), chromosome)
}

// DataDir maps the input location to the worker filesystem.
func (b Builder) DataDir(location string) string {
	return mapLocation(b.InputMount, location)
}

// OutputDir maps the output location to the worker filesystem.
func (b Builder) OutputDir(location string) string {
	return mapLocation(b.OutputMount, location)
}

// ShellWrap returns the argv used to run command on a worker.
func ShellWrap(command string) []string {
	return []string{Shell, "-c", command}
}

func (b Builder) buildPhase1(j plan.Phase1Job, c Context) (string, error) {
	if err := requireInputs(j.JobID, c.Parameters); err != nil {
		return "", err
	}
	a := c.Parameters.Analysis

	parts := []string{executable, "--step", "1"}
	parts = append(parts, b.genotypeArgs(c)...)
	parts = append(parts, b.phenotypeArgs(c)...)
	parts = append(parts, "--bsize", strconv.Itoa(a.BlockSize), "--cv", strconv.Itoa(a.CVFolds))
	parts = append(parts, traitFlag(a.TraitType))
	if a.LowMem {
		parts = append(parts, "--lowmem")
	}
	parts = append(parts, "--threads", strconv.Itoa(a.Threads))
	parts = append(parts, "--out", fmt.Sprintf("%s/%s", b.OutputDir(c.OutputLocation), outPrefix(c.Parameters)))
	parts = append(parts, b.covariateArgs(c)...)
	if c.Parameters.Output.Gzip {
		parts = append(parts, "--gz")
	}

	return shellescape.QuoteCommand(parts), nil
}

func (b Builder) buildPhase2(j plan.Phase2Job, c Context) (string, error) {
	if err := requireInputs(j.JobID, c.Parameters); err != nil {
		return "", err
	}
	if j.Chromosome == "" {
		return "", &MissingParameterError{JobID: j.JobID, Parameter: "chromosome"}
	}
	pred := c.PredictionList
	if pred == "" {
		if c.OutputLocation == "" {
			return "", &MissingParameterError{JobID: j.JobID, Parameter: "predictionList"}
		}
		pred = b.PredictionListPath(c)
	}
	a := c.Parameters.Analysis

	parts := []string{executable, "--step", "2"}
	parts = append(parts, b.genotypeArgs(c)...)
	parts = append(parts, b.phenotypeArgs(c)...)
	parts = append(parts, "--pred", pred, "--chr", j.Chromosome)
	parts = append(parts, "--bsize", strconv.Itoa(a.BlockSize), "--minMAC", strconv.Itoa(a.MinMAC))
	parts = append(parts, traitFlag(a.TraitType))
	parts = append(parts, "--threads", strconv.Itoa(a.Threads))
	parts = append(parts, "--out", b.Phase2OutputPrefix(c, j.Chromosome))
	parts = append(parts, b.covariateArgs(c)...)
	if c.Parameters.Output.Gzip {
		parts = append(parts, "--gz")
	}

	return shellescape.QuoteCommand(parts), nil
}

func requireInputs(jobID string, p models.Parameters) error {
	switch {
	case p.Input.Format == "":
		return &MissingParameterError{JobID: jobID, Parameter: "inputData.format"}
	case p.Input.FilePrefix == "":
		return &MissingParameterError{JobID: jobID, Parameter: "inputData.filePrefix"}
	case p.Input.PhenoFile == "":
		return &MissingParameterError{JobID: jobID, Parameter: "inputData.phenoFile"}
	}
	if _, ok := models.RequiredExtensions[p.Input.Format]; !ok {
		return &MissingParameterError{JobID: jobID, Parameter: "inputData.format"}
	}
	return nil
}

func (b Builder) genotypeArgs(c Context) []string {
	base := fmt.Sprintf("%s/%s", b.DataDir(c.InputLocation), c.Parameters.Input.FilePrefix)
	switch c.Parameters.Input.Format {
	case models.FormatPGEN:
		return []string{"--pgen", base}
	case models.FormatBGEN:
		return []string{"--bgen", base + ".bgen", "--sample", base + ".sample"}
	default:
		return []string{"--bed", base}
	}
}

func (b Builder) phenotypeArgs(c Context) []string {
	in := c.Parameters.Input
	args := []string{"--phenoFile", fmt.Sprintf("%s/%s", b.DataDir(c.InputLocation), in.PhenoFile)}
	if len(in.PhenoColumns) > 0 {
		args = append(args, "--phenoCol", strings.Join(in.PhenoColumns, ","))
	}
	return args
}

// covariateArgs is empty when no covariate file is configured.
func (b Builder) covariateArgs(c Context) []string {
	in := c.Parameters.Input
	if in.CovarFile == "" {
		return nil
	}
	args := []string{"--covarFile", fmt.Sprintf("%s/%s", b.DataDir(c.InputLocation), in.CovarFile)}
	if len(in.CovarColumns) > 0 {
		args = append(args, "--covarCol", strings.Join(in.CovarColumns, ","))
	}
	if len(in.CatCovarColumns) > 0 {
		args = append(args, "--catCovarList", strings.Join(in.CatCovarColumns, ","))
	}
	return args
}

func traitFlag(traitType string) string {
	if traitType == models.TraitBinary {
		return "--bt"
	}
	return "--qt"
}

func outPrefix(p models.Parameters) string {
	if p.Output.OutPrefix == "" {
		return "results"
	}
	return p.Output.OutPrefix
}

// mapLocation turns s3://bucket/key into mount/key. Non-object locations are
// returned without their trailing slash.
func mapLocation(mount, location string) string {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok || mount == "" {
		return strings.TrimRight(location, "/")
	}
	key := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		key = strings.Trim(rest[i+1:], "/")
	}
	mount = strings.TrimRight(mount, "/")
	if key == "" {
		return mount
	}
	return mount + "/" + key
}

