package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/gwasflow/internal/cache"
	"github.com/kiranshivaraju/gwasflow/internal/plan"
	"github.com/kiranshivaraju/gwasflow/internal/store"
	"github.com/kiranshivaraju/gwasflow/internal/trigger"
	"github.com/kiranshivaraju/gwasflow/pkg/models"
)

// --- mock WorkflowService ---

type mockService struct {
	triggerFn func(d *trigger.Descriptor) (*models.WorkflowRun, error)
	cancelFn  func(id string) error
}

func (m *mockService) Trigger(_ context.Context, d *trigger.Descriptor) (*models.WorkflowRun, error) {
	return m.triggerFn(d)
}

func (m *mockService) Cancel(_ context.Context, id string) error {
	return m.cancelFn(id)
}

// --- mock cache ---

type snapshotCache struct {
	cache.Cache
	snaps map[string]cache.WorkflowSnapshot
	err   error
}

func (c *snapshotCache) GetWorkflowStatus(_ context.Context, id string) (*cache.WorkflowSnapshot, bool, error) {
	if c.err != nil {
		return nil, false, c.err
	}
	s, ok := c.snaps[id]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

// --- helpers ---

func seedWorkflow(t *testing.T, st *store.MemoryStore, id string, status models.WorkflowStatus, created time.Time) {
	t.Helper()
	wf := &models.WorkflowRun{
		ID:             id,
		Status:         models.WorkflowStatusInitialized,
		StartPhase:     models.Phase1,
		InputLocation:  "s3://genomics/cohort/",
		OutputLocation: "s3://genomics/cohort/results/",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if err := st.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	if status == models.WorkflowStatusFailed {
		if err := st.UpdateWorkflowStatus(context.Background(), id, models.WorkflowStatusInitialized,
			models.WorkflowStatusFailed, store.WithFailure(&models.FailureSummary{Message: "input error"})); err != nil {
			t.Fatalf("fail workflow: %v", err)
		}
	}
}

// serve routes req through a chi router so URL parameters resolve.
func serve(method, pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Method(method, pattern, h)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	env := struct {
		Data any `json:"data"`
	}{Data: v}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env.Error.Code
}

const validDescriptor = `{
	"workflowId": "wf-api",
	"inputLocation": "s3://genomics/cohort",
	"inputData": {"format": "bed", "filePrefix": "cohort", "phenoFile": "pheno.txt"}
}`

// --- create ---

func TestCreateWorkflowHandler_Accepted(t *testing.T) {
	var got *trigger.Descriptor
	svc := &mockService{triggerFn: func(d *trigger.Descriptor) (*models.WorkflowRun, error) {
		got = d
		return &models.WorkflowRun{ID: d.WorkflowID, Status: models.WorkflowStatusInitialized}, nil
	}}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(validDescriptor))
	rec := serve(http.MethodPost, "/api/v1/workflows", NewCreateWorkflowHandler(svc), req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var wf models.WorkflowRun
	decodeData(t, rec, &wf)
	if wf.ID != "wf-api" || wf.Status != models.WorkflowStatusInitialized {
		t.Errorf("unexpected workflow: %+v", wf)
	}
	if got == nil || got.InputData.FilePrefix != "cohort" {
		t.Errorf("descriptor not passed through: %+v", got)
	}
}

func TestCreateWorkflowHandler_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"malformed json", `{"workflowId":`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", `{"workflow":"x"}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"validation", validDescriptor, &trigger.ValidationError{Fields: []string{"inputLocation: required"}}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"invalid parameter", validDescriptor, &plan.InvalidParameterError{Field: "analysis.chr", Reason: "conflicts with chrList"}, http.StatusBadRequest, "INVALID_PARAMETER"},
		{"duplicate", validDescriptor, fmt.Errorf("creating workflow: %w", store.ErrDuplicateKey), http.StatusConflict, "WORKFLOW_EXISTS"},
		{"internal", validDescriptor, errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{triggerFn: func(*trigger.Descriptor) (*models.WorkflowRun, error) {
				if tt.err == nil {
					t.Fatal("service must not be called")
				}
				return nil, tt.err
			}}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", bytes.NewBufferString(tt.body))
			rec := serve(http.MethodPost, "/api/v1/workflows", NewCreateWorkflowHandler(svc), req)

			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantErr {
				t.Errorf("expected error code %s, got %s", tt.wantErr, code)
			}
		})
	}
}

// --- list / get ---

func TestListWorkflowsHandler_FilterAndPagination(t *testing.T) {
	st := store.NewMemoryStore()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		status := models.WorkflowStatusInitialized
		if i%2 == 0 {
			status = models.WorkflowStatusFailed
		}
		seedWorkflow(t, st, fmt.Sprintf("wf-%d", i), status, base.Add(time.Duration(i)*time.Minute))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows?status=FAILED&limit=2", nil)
	rec := serve(http.MethodGet, "/api/v1/workflows", NewListWorkflowsHandler(st), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var env struct {
		Data []models.WorkflowRun `json:"data"`
		Meta struct {
			Page    int  `json:"page"`
			Limit   int  `json:"limit"`
			Total   int  `json:"total"`
			HasNext bool `json:"has_next"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Meta.Total != 3 || !env.Meta.HasNext || env.Meta.Limit != 2 {
		t.Errorf("unexpected meta: %+v", env.Meta)
	}
	if len(env.Data) != 2 || env.Data[0].ID != "wf-4" {
		t.Errorf("expected newest failed workflows first, got %+v", env.Data)
	}
}

func TestListWorkflowsHandler_BadQuery(t *testing.T) {
	st := store.NewMemoryStore()
	for _, q := range []string{"status=DONE", "page=0", "limit=abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows?"+q, nil)
		rec := serve(http.MethodGet, "/api/v1/workflows", NewListWorkflowsHandler(st), req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestGetWorkflowHandler(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st, "wf-get", models.WorkflowStatusFailed, time.Now().UTC())
	h := NewGetWorkflowHandler(st)

	rec := serve(http.MethodGet, "/api/v1/workflows/{workflowID}", h,
		httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-get", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var wf models.WorkflowRun
	decodeData(t, rec, &wf)
	if wf.Failure == nil || wf.Failure.Message != "input error" {
		t.Errorf("expected failure summary, got %+v", wf.Failure)
	}

	rec = serve(http.MethodGet, "/api/v1/workflows/{workflowID}", h,
		httptest.NewRequest(http.MethodGet, "/api/v1/workflows/missing", nil))
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "WORKFLOW_NOT_FOUND" {
		t.Errorf("expected 404 WORKFLOW_NOT_FOUND, got %d", rec.Code)
	}
}

// --- status ---

func TestWorkflowStatusHandler_PrefersCache(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st, "wf-st", models.WorkflowStatusInitialized, time.Now().UTC())
	ca := &snapshotCache{snaps: map[string]cache.WorkflowSnapshot{
		"wf-st": {WorkflowID: "wf-st", Status: models.WorkflowStatusRunningPhase2, JobCount: 3,
			JobStats: models.JobStats{Running: 2, Succeeded: 1}},
	}}

	rec := serve(http.MethodGet, "/api/v1/workflows/{workflowID}/status", NewWorkflowStatusHandler(st, ca),
		httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-st/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap cache.WorkflowSnapshot
	decodeData(t, rec, &snap)
	if snap.Status != models.WorkflowStatusRunningPhase2 || snap.JobStats.Running != 2 {
		t.Errorf("expected cached snapshot, got %+v", snap)
	}
}

func TestWorkflowStatusHandler_FallsBackToStore(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st, "wf-fb", models.WorkflowStatusFailed, time.Now().UTC())

	for name, ca := range map[string]cache.Cache{
		"no cache":    nil,
		"cache miss":  &snapshotCache{},
		"cache error": &snapshotCache{err: errors.New("redis down")},
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(http.MethodGet, "/api/v1/workflows/{workflowID}/status", NewWorkflowStatusHandler(st, ca),
				httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-fb/status", nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var snap cache.WorkflowSnapshot
			decodeData(t, rec, &snap)
			if snap.WorkflowID != "wf-fb" || snap.Status != models.WorkflowStatusFailed {
				t.Errorf("unexpected snapshot %+v", snap)
			}
		})
	}
}

// --- jobs ---

func TestListJobsHandler(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st, "wf-jobs", models.WorkflowStatusInitialized, time.Now().UTC())
	for _, id := range []string{"wf-jobs-step1", "wf-jobs-step2-chr1"} {
		_, err := st.UpsertJob(context.Background(), &models.JobRecord{
			WorkflowID: "wf-jobs", JobID: id, Status: models.JobStatusPending, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	h := NewListJobsHandler(st)

	rec := serve(http.MethodGet, "/api/v1/workflows/{workflowID}/jobs", h,
		httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-jobs/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var jobs []models.JobRecord
	decodeData(t, rec, &jobs)
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}

	rec = serve(http.MethodGet, "/api/v1/workflows/{workflowID}/jobs", h,
		httptest.NewRequest(http.MethodGet, "/api/v1/workflows/nope/jobs", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// --- cancel ---

func TestCancelWorkflowHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"terminal", fmt.Errorf("%w: workflow is already COMPLETED", store.ErrInvalidTransition), http.StatusConflict},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			svc := &mockService{cancelFn: func(id string) error {
				got = id
				return tt.err
			}}
			rec := serve(http.MethodPost, "/api/v1/workflows/{workflowID}/cancel", NewCancelWorkflowHandler(svc),
				httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-c/cancel", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if got != "wf-c" {
				t.Errorf("expected cancel of wf-c, got %q", got)
			}
		})
	}
}
