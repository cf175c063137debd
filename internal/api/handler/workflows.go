package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/gwasflow/internal/api/response"
	"github.com/kiranshivaraju/gwasflow/internal/cache"
	"github.com/kiranshivaraju/gwasflow/internal/plan"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/kiranshivaraju/gwasflow/internal/trigger"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

const maxDescriptorBytes = 1 << 20

// WorkflowService starts and cancels workflows.
type WorkflowService interface {
	Trigger(ctx context.Context, d *trigger.Descriptor) (*models.WorkflowRun, error)
	Cancel(ctx context.Context, id string) error
}

// WorkflowReader is the read side of the store used by the handlers.
type WorkflowReader interface {
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowRun, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*models.WorkflowRun, int, error)
	ListJobs(ctx context.Context, workflowID string) ([]*models.JobRecord, error)
}

// NewCreateWorkflowHandler returns an http.HandlerFunc for POST /api/v1/workflows.
// The workflow is driven in the background; the response carries the
// INITIALIZED record.
func NewCreateWorkflowHandler(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := trigger.Decode(http.MaxBytesReader(w, r.Body, maxDescriptorBytes))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		wf, err := svc.Trigger(r.Context(), d)
		if err != nil {
			var ve *trigger.ValidationError
			var pe *plan.InvalidParameterError
			switch {
			case errors.As(err, &ve):
				response.Error(w, http.StatusBadRequest, "VALIDATION_FAILED",
					"Descriptor failed validation", map[string]any{"fields": ve.Fields})
			case errors.As(err, &pe):
				response.Error(w, http.StatusBadRequest, "INVALID_PARAMETER", pe.Error(), nil)
			case errors.Is(err, store.ErrDuplicateKey):
				response.Error(w, http.StatusConflict, "WORKFLOW_EXISTS",
					"A workflow with this id already exists", nil)
			default:
				slog.Error("creating workflow failed", "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, wf)
	}
}

// NewListWorkflowsHandler returns an http.HandlerFunc for GET /api/v1/workflows.
func NewListWorkflowsHandler(st WorkflowReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.WorkflowFilter{Status: models.WorkflowStatus(q.Get("status"))}
		if filter.Status != "" && !filter.Status.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown workflow status", nil)
			return
		}

		var ok bool
		if filter.Page, ok = intParam(q.Get("page"), 1); !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		if filter.Limit, ok = intParam(q.Get("limit"), 20); !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		if filter.Limit > 100 {
			filter.Limit = 100
		}

		wfs, total, err := st.ListWorkflows(r.Context(), filter)
		if err != nil {
			slog.Error("listing workflows failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		if wfs == nil {
			wfs = []*models.WorkflowRun{}
		}

		response.Collection(w, wfs, response.Page(filter.Page, filter.Limit, total))
	}
}

// NewGetWorkflowHandler returns an http.HandlerFunc for GET /api/v1/workflows/{workflowID}.
func NewGetWorkflowHandler(st WorkflowReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, ok := loadWorkflow(w, r, st)
		if !ok {
			return
		}
		response.JSON(w, wf)
	}
}

// NewWorkflowStatusHandler returns an http.HandlerFunc for
// GET /api/v1/workflows/{workflowID}/status. The cached snapshot is served when
// present; ca may be nil.
func NewWorkflowStatusHandler(st WorkflowReader, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "workflowID")
		if ca != nil {
			snap, found, err := ca.GetWorkflowStatus(r.Context(), id)
			if err != nil {
				slog.Warn("reading cached workflow status failed", "workflow_id", id, "error", err)
			}
			if found {
				response.JSON(w, snap)
				return
			}
		}

		wf, ok := loadWorkflow(w, r, st)
		if !ok {
			return
		}
		response.JSON(w, cache.SnapshotOf(wf))
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/workflows/{workflowID}/jobs.
func NewListJobsHandler(st WorkflowReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, ok := loadWorkflow(w, r, st)
		if !ok {
			return
		}
		jobs, err := st.ListJobs(r.Context(), wf.ID)
		if err != nil {
			slog.Error("listing jobs failed", "workflow_id", wf.ID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.JobRecord{}
		}
		response.JSON(w, jobs)
	}
}

// NewCancelWorkflowHandler returns an http.HandlerFunc for
// POST /api/v1/workflows/{workflowID}/cancel.
func NewCancelWorkflowHandler(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "workflowID")
		err := svc.Cancel(r.Context(), id)
		switch {
		case err == nil:
			response.Accepted(w, map[string]any{"workflow_id": id, "cancel_requested": true})
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "WORKFLOW_NOT_FOUND", "Workflow not found", nil)
		case errors.Is(err, store.ErrInvalidTransition):
			response.Error(w, http.StatusConflict, "WORKFLOW_TERMINAL", "Workflow has already finished", nil)
		default:
			slog.Error("cancelling workflow failed", "workflow_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		}
	}
}

func loadWorkflow(w http.ResponseWriter, r *http.Request, st WorkflowReader) (*models.WorkflowRun, bool) {
	id := chi.URLParam(r, "workflowID")
	wf, err := st.GetWorkflow(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "WORKFLOW_NOT_FOUND", "Workflow not found", nil)
		return nil, false
	case err != nil:
		slog.Error("loading workflow failed", "workflow_id", id, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return nil, false
	}
	return wf, true
}

func intParam(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
