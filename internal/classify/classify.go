// Package classify aggregates failed jobs into a workflow-level failure summary.
package classify

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

const (
	maxDetailBytes        = 2000
	maxMessageDetailBytes = 200
	maxJobsPerGroupInMsg  = 5
)

var causeOrder = map[models.FailureCause]int{
	models.CauseSubmission: 0,
	models.CauseExecution:  1,
	models.CauseTimeout:    2,
	models.CauseCancelled:  3,
	models.CauseWorkflow:   4,
}

// CauseFor maps a job error code to its failure cause. Unknown codes count as
// execution failures.
func CauseFor(code string) models.FailureCause {
	switch code {
	case models.JobErrorSubmitFailed, models.JobErrorBuildFailed:
		return models.CauseSubmission
	case models.JobErrorTimeout:
		return models.CauseTimeout
	case models.JobErrorCancelled:
		return models.CauseCancelled
	default:
		return models.CauseExecution
	}
}

// Classify groups failed jobs by phase and cause. Returns nil when jobs holds no
// failed job; any non-nil summary means the workflow failed.
// Groups are ordered by phase, then cause; jobs keep their input order within a phase.
func Classify(jobs []*models.JobRecord) *models.FailureSummary {
	type groupKey struct {
		phase models.Phase
		cause models.FailureCause
	}

	groups := make(map[groupKey]*models.FailureGroup)
	var failures []models.JobFailure

	for _, j := range jobs {
		if j == nil || j.Status != models.JobStatusFailed {
			continue
		}
		cause := CauseFor(j.ErrorCode)
		detail := ""
		if j.ErrorDetail != nil {
			detail = truncateString(*j.ErrorDetail, maxDetailBytes)
		}
		failures = append(failures, models.JobFailure{
			JobID:      j.JobID,
			Phase:      j.Phase,
			Chromosome: j.Chromosome,
			Cause:      cause,
			Code:       j.ErrorCode,
			Detail:     detail,
		})

		k := groupKey{phase: j.Phase, cause: cause}
		g, ok := groups[k]
		if !ok {
			g = &models.FailureGroup{Phase: j.Phase, Cause: cause}
			groups[k] = g
		}
		g.Count++
		g.JobIDs = append(g.JobIDs, j.JobID)
	}

	if len(failures) == 0 {
		return nil
	}

	sort.SliceStable(failures, func(a, b int) bool {
		return failures[a].Phase < failures[b].Phase
	})

	out := make([]models.FailureGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Phase != out[b].Phase {
			return out[a].Phase < out[b].Phase
		}
		return causeOrder[out[a].Cause] < causeOrder[out[b].Cause]
	})

	return &models.FailureSummary{
		Message: summarize(out, failures),
		Groups:  out,
		Jobs:    failures,
	}
}

// WorkflowFailure builds a summary for a failure that is not attributable to a
// job, such as an input error or a step timeout. Failed jobs, if any, are kept
// and the reason is recorded as a trailing CauseWorkflow group.
func WorkflowFailure(reason string, jobs []*models.JobRecord) *models.FailureSummary {
	group := models.FailureGroup{Cause: models.CauseWorkflow, Count: 1, Reason: reason}

	s := Classify(jobs)
	if s == nil {
		return &models.FailureSummary{Message: reason, Groups: []models.FailureGroup{group}}
	}
	s.Message = reason + "; " + s.Message
	s.Groups = append(s.Groups, group)
	return s
}

func summarize(groups []models.FailureGroup, failures []models.JobFailure) string {
	byID := make(map[string]models.JobFailure, len(failures))
	for _, f := range failures {
		byID[f.JobID] = f
	}

	noun := "jobs"
	if len(failures) == 1 {
		noun = "job"
	}

	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		entries := make([]string, 0, maxJobsPerGroupInMsg)
		for i, id := range g.JobIDs {
			if i == maxJobsPerGroupInMsg {
				entries = append(entries, fmt.Sprintf("and %d more", len(g.JobIDs)-i))
				break
			}
			entries = append(entries, describe(byID[id]))
		}
		parts = append(parts, fmt.Sprintf("phase %d %s (%d): %s",
			g.Phase, g.Cause, g.Count, strings.Join(entries, ", ")))
	}

	return fmt.Sprintf("%d %s failed; %s", len(failures), noun, strings.Join(parts, "; "))
}

func describe(f models.JobFailure) string {
	s := f.JobID
	if f.Chromosome != "" {
		s += " [chr " + f.Chromosome + "]"
	}
	if f.Detail != "" {
		s += " " + truncateString(f.Detail, maxMessageDetailBytes)
	}
	return s
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
