package classify_test

import (
	"strings"
	"testing"

	"github.com/kiranshivaraju/gwasflow/internal/classify"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func failed(id string, phase models.Phase, chrom, code, detail string) *models.JobRecord {
	return &models.JobRecord{
		WorkflowID:  "wf",
		JobID:       id,
		Phase:       phase,
		Chromosome:  chrom,
		Status:      models.JobStatusFailed,
		ErrorCode:   code,
		ErrorDetail: ptr(detail),
	}
}

func TestClassify_NoFailures(t *testing.T) {
	assert.Nil(t, classify.Classify(nil))
	assert.Nil(t, classify.Classify([]*models.JobRecord{
		{JobID: "wf-step1", Phase: models.Phase1, Status: models.JobStatusSucceeded},
	}))
}

func TestClassify_SingleChromosomeFailure(t *testing.T) {
	jobs := []*models.JobRecord{
		{JobID: "wf-step2-chr1", Phase: models.Phase2, Chromosome: "1", Status: models.JobStatusSucceeded},
		failed("wf-step2-chr2", models.Phase2, "2", models.JobErrorExecutionFailed, "exit status 1"),
	}

	s := classify.Classify(jobs)
	require.NotNil(t, s)
	require.Len(t, s.Jobs, 1)
	assert.Equal(t, "wf-step2-chr2", s.Jobs[0].JobID)
	assert.Equal(t, "2", s.Jobs[0].Chromosome)
	assert.Equal(t, "exit status 1", s.Jobs[0].Detail)
	assert.Equal(t, models.CauseExecution, s.Jobs[0].Cause)

	require.Len(t, s.Groups, 1)
	assert.Equal(t, models.FailureGroup{
		Phase: models.Phase2, Cause: models.CauseExecution, Count: 1, JobIDs: []string{"wf-step2-chr2"},
	}, s.Groups[0])

	assert.Equal(t, "1 job failed; phase 2 execution (1): wf-step2-chr2 [chr 2] exit status 1", s.Message)
}

func TestClassify_GroupsByPhaseAndCause(t *testing.T) {
	jobs := []*models.JobRecord{
		failed("wf-step2-chr3", models.Phase2, "3", models.JobErrorTimeout, "attempt timed out"),
		failed("wf-step2-chr1", models.Phase2, "1", models.JobErrorExecutionFailed, "oom"),
		failed("wf-step1", models.Phase1, "", models.JobErrorSubmitFailed, "queue rejected"),
		failed("wf-step2-chr2", models.Phase2, "2", models.JobErrorExecutionFailed, "segfault"),
		failed("wf-step2-chr4", models.Phase2, "4", models.JobErrorBuildFailed, "missing phenoFile"),
	}

	s := classify.Classify(jobs)
	require.NotNil(t, s)
	require.Len(t, s.Groups, 4)

	assert.Equal(t, models.Phase1, s.Groups[0].Phase)
	assert.Equal(t, models.CauseSubmission, s.Groups[0].Cause)

	assert.Equal(t, models.Phase2, s.Groups[1].Phase)
	assert.Equal(t, models.CauseSubmission, s.Groups[1].Cause)
	assert.Equal(t, []string{"wf-step2-chr4"}, s.Groups[1].JobIDs)

	assert.Equal(t, models.CauseExecution, s.Groups[2].Cause)
	assert.Equal(t, 2, s.Groups[2].Count)
	assert.Equal(t, []string{"wf-step2-chr1", "wf-step2-chr2"}, s.Groups[2].JobIDs)

	assert.Equal(t, models.CauseTimeout, s.Groups[3].Cause)

	assert.Equal(t, "wf-step1", s.Jobs[0].JobID)
	assert.True(t, strings.HasPrefix(s.Message, "5 jobs failed; phase 1 submission (1)"))
}

func TestClassify_LongGroupsAreAbbreviated(t *testing.T) {
	var jobs []*models.JobRecord
	for _, c := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		jobs = append(jobs, failed("wf-step2-chr"+c, models.Phase2, c, models.JobErrorCancelled, ""))
	}

	s := classify.Classify(jobs)
	require.NotNil(t, s)
	assert.Len(t, s.Jobs, 7)
	assert.Contains(t, s.Message, "phase 2 cancelled (7)")
	assert.Contains(t, s.Message, "and 2 more")
	assert.NotContains(t, s.Message, "wf-step2-chr6")
}

func TestClassify_TruncatesDetail(t *testing.T) {
	long := strings.Repeat("x", 5000)
	s := classify.Classify([]*models.JobRecord{
		failed("wf-step1", models.Phase1, "", models.JobErrorExecutionFailed, long),
	})
	require.NotNil(t, s)
	assert.Len(t, s.Jobs[0].Detail, 2000)
	assert.Less(t, len(s.Message), 400)
}

func TestCauseFor(t *testing.T) {
	assert.Equal(t, models.CauseSubmission, classify.CauseFor(models.JobErrorSubmitFailed))
	assert.Equal(t, models.CauseSubmission, classify.CauseFor(models.JobErrorBuildFailed))
	assert.Equal(t, models.CauseExecution, classify.CauseFor(models.JobErrorExecutionFailed))
	assert.Equal(t, models.CauseTimeout, classify.CauseFor(models.JobErrorTimeout))
	assert.Equal(t, models.CauseCancelled, classify.CauseFor(models.JobErrorCancelled))
	assert.Equal(t, models.CauseExecution, classify.CauseFor("SOMETHING_ELSE"))
}

func TestWorkflowFailure(t *testing.T) {
	s := classify.WorkflowFailure("no chromosomes detected", nil)
	assert.Equal(t, "no chromosomes detected", s.Message)
	assert.Empty(t, s.Jobs)
	assert.Equal(t, []models.FailureGroup{
		{Cause: models.CauseWorkflow, Count: 1, Reason: "no chromosomes detected"},
	}, s.Groups)

	s = classify.WorkflowFailure("workflow cancelled", []*models.JobRecord{
		failed("wf-step1", models.Phase1, "", models.JobErrorCancelled, "cancelled"),
	})
	assert.True(t, strings.HasPrefix(s.Message, "workflow cancelled; 1 job failed"))
	assert.Len(t, s.Jobs, 1)
	require.Len(t, s.Groups, 2)
	assert.Equal(t, models.CauseCancelled, s.Groups[0].Cause)
	assert.Equal(t, models.CauseWorkflow, s.Groups[1].Cause)
	assert.Equal(t, "workflow cancelled", s.Groups[1].Reason)
	assert.Empty(t, s.Groups[1].JobIDs)
}
