package trigger_test

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/kiranshivaraju/gwasflow/internal/plan"
	"github.com/kiranshivaraju/gwasflow/internal/trigger"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
	"experimentId": "exp42",
	"inputLocation": "s3://data/genomics/run1",
	"inputData": {
		"format": "bed",
		"filePrefix": "cohort",
		"phenoFile": "pheno.txt",
		"phenoColumns": ["bmi"]
	}
}`

func decode(t *testing.T, s string) *trigger.Descriptor {
	t.Helper()
	d, err := trigger.Decode(strings.NewReader(s))
	require.NoError(t, err)
	return d
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	_, err := trigger.Decode(strings.NewReader(`{"inputLocation":"/x","bogus":1}`))
	assert.Error(t, err)
}

func TestResolve_AppliesDefaults(t *testing.T) {
	req, err := trigger.Resolve(decode(t, validJSON), "")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^gwas-exp42-[0-9a-f]{8}$`), req.WorkflowID)
	assert.Equal(t, models.Phase1, req.StartPhase)
	assert.Equal(t, "s3://data/genomics/run1/", req.InputLocation)
	assert.Equal(t, "s3://data/genomics/run1/results/", req.OutputLocation)
	assert.Empty(t, req.PredictionList)

	a := req.Parameters.Analysis
	assert.Equal(t, models.TraitQuantitative, a.TraitType)
	assert.Equal(t, 1000, a.BlockSize)
	assert.Equal(t, 5, a.MinMAC)
	assert.Equal(t, 8, a.Threads)
	assert.Equal(t, 5, a.CVFolds)
	assert.True(t, a.LowMem)
	assert.Equal(t, "results", req.Parameters.Output.OutPrefix)
	assert.True(t, req.Parameters.Output.Gzip)
	assert.Equal(t, []string{"bmi"}, req.Parameters.Input.PhenoColumns)
}

func TestResolve_ExplicitValuesWin(t *testing.T) {
	d := decode(t, `{
		"workflowId": "wf-1",
		"startPhase": "2",
		"inputLocation": "/data/in/",
		"outputLocation": "/data/out",
		"predictionList": "/data/prev/results_pred.list",
		"inputData": {"format": "pgen", "filePrefix": "c"},
		"analysis": {"traitType": "bt", "blockSize": 500, "minMAC": 0, "lowMem": false, "chrList": ["1", "X"]},
		"output": {"outPrefix": "assoc", "gzip": false}
	}`)
	req, err := trigger.Resolve(d, "results-bucket")
	require.NoError(t, err)

	assert.Equal(t, "wf-1", req.WorkflowID)
	assert.Equal(t, models.Phase2, req.StartPhase)
	assert.Equal(t, "/data/out/", req.OutputLocation)
	assert.Equal(t, "/data/prev/results_pred.list", req.PredictionList)
	assert.Equal(t, "bt", req.Parameters.Analysis.TraitType)
	assert.Equal(t, 500, req.Parameters.Analysis.BlockSize)
	assert.Equal(t, 0, req.Parameters.Analysis.MinMAC)
	assert.False(t, req.Parameters.Analysis.LowMem)
	assert.Equal(t, []string{"1", "X"}, req.Parameters.Analysis.ExplicitChromosomes())
	assert.Equal(t, "assoc", req.Parameters.Output.OutPrefix)
	assert.False(t, req.Parameters.Output.Gzip)
}

func TestResolve_ResultsBucketDefault(t *testing.T) {
	d := decode(t, validJSON)
	d.WorkflowID = "wf-7"
	req, err := trigger.Resolve(d, "gwas-results")
	require.NoError(t, err)
	assert.Equal(t, "s3://gwas-results/workflows/wf-7/", req.OutputLocation)
}

func TestResolve_PhaseOneIgnoresPredictionList(t *testing.T) {
	d := decode(t, validJSON)
	d.PredictionList = "s3://x/pred.list"
	req, err := trigger.Resolve(d, "")
	require.NoError(t, err)
	assert.Empty(t, req.PredictionList)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *trigger.Descriptor)
		want   string
	}{
		{"missing input location", func(d *trigger.Descriptor) { d.InputLocation = "" }, "inputLocation is required"},
		{"relative input location", func(d *trigger.Descriptor) { d.InputLocation = "data/in" }, "inputLocation must be an s3:// location"},
		{"bad format", func(d *trigger.Descriptor) { d.InputData.Format = "vcf" }, "inputData.format must be one of"},
		{"bad phase", func(d *trigger.Descriptor) { d.StartPhase = "3" }, "startPhase must be one of"},
		{"phase 2 without prediction list", func(d *trigger.Descriptor) { d.StartPhase = "2" }, "predictionList is required when startPhase is 2"},
		{"bad trait", func(d *trigger.Descriptor) { d.Analysis.TraitType = "binary" }, "analysis.traitType must be one of"},
		{"bad block size", func(d *trigger.Descriptor) { zero := 0; d.Analysis.BlockSize = &zero }, "analysis.blockSize must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decode(t, validJSON)
			tt.mutate(d)
			err := trigger.Validate(d)

			var ve *trigger.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Contains(t, ve.Error(), tt.want)
		})
	}
}

func TestValidate_ChrConflict(t *testing.T) {
	d := decode(t, validJSON)
	d.Analysis.Chr = "1"
	d.Analysis.ChrList = []string{"2"}

	var ipe *plan.InvalidParameterError
	require.True(t, errors.As(trigger.Validate(d), &ipe))
	assert.Equal(t, "analysis.chr", ipe.Field)
}

func TestNewWorkflowID(t *testing.T) {
	assert.Regexp(t, `^gwas-[0-9a-f]{8}$`, trigger.NewWorkflowID(""))
	a, b := trigger.NewWorkflowID("e"), trigger.NewWorkflowID("e")
	assert.NotEqual(t, a, b)
}
